// Package watch reports changes to shader sources on disk.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Ext is the file extension of watched sources.
const Ext = ".wgsl"

// debounce drops repeated events for the same file within this window.
// Editors commonly write a file in several steps.
const debounce = 50 * time.Millisecond

// Watcher watches a directory tree and collects the slash-separated paths,
// relative to the root, of sources that were written, created or renamed.
// Paths are collected on a background goroutine and taken with Drain.
type Watcher struct {
	root string
	log  *slog.Logger
	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	changed map[string]struct{}
	last    map[string]time.Time
}

// New starts watching root and every directory below it.
func New(root string, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		log:     log,
		fsw:     fsw,
		done:    make(chan struct{}),
		changed: make(map[string]struct{}),
		last:    make(map[string]time.Time),
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()
	log.Info("watching shaders", "root", root)
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("shader watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.log.Warn("shader watcher cannot add directory", "path", ev.Name, "err", err)
			}
			return
		}
	}
	if !strings.HasSuffix(ev.Name, Ext) {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.last[rel]; ok && now.Sub(t) < debounce {
		return
	}
	w.last[rel] = now
	w.changed[rel] = struct{}{}
	w.log.Debug("shader changed", "path", rel, "op", ev.Op)
}

// Drain returns the paths changed since the previous call, sorted.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.changed) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.changed))
	for p := range w.changed {
		out = append(out, p)
	}
	clear(w.changed)
	slices.Sort(out)
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

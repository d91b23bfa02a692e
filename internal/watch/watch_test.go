package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func waitFor(t *testing.T, w *Watcher, want string) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var got []string
	for time.Now().Before(deadline) {
		got = append(got, w.Drain()...)
		if slices.Contains(got, want) {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("change of %q not reported, got %v", want, got)
	return nil
}

func TestWatcherReportsWrittenSources(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "shaders")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := New(root, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(sub, "clear.wgsl"), []byte("// v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w, "shaders/clear.wgsl")
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "blur.wgsl"), []byte("// v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := waitFor(t, w, "blur.wgsl")
	if slices.Contains(got, "notes.txt") {
		t.Errorf("non-shader file reported: %v", got)
	}
}

func TestDrainEmpty(t *testing.T) {
	w, err := New(t.TempDir(), discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if got := w.Drain(); got != nil {
		t.Errorf("Drain() = %v, want nil", got)
	}
}

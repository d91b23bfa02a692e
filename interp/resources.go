package interp

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/gogpu/framecmd"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// EntryKind tells which native object backs a cache entry.
type EntryKind uint8

const (
	EntryTexture EntryKind = iota
	EntryBuffer
)

// TextureSpec describes a texture to create on first use.
type TextureSpec struct {
	Width, Height uint32
	MipLevels     uint32
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	// Initial is the state the texture is in right after creation.
	Initial ResourceState
}

// BufferSpec describes a buffer to create on first use.
type BufferSpec struct {
	Size  uint64
	Usage gputypes.BufferUsage
}

// Descriptor is the creation request passed to Ensure. Exactly one of
// Texture and Buffer is set. Op names the requesting operation for logs.
type Descriptor struct {
	Op      string
	Texture *TextureSpec
	Buffer  *BufferSpec
}

// ViewPurpose identifies why a view of a texture exists.
type ViewPurpose uint8

const (
	// ViewSampled covers the whole mip chain for shader reads.
	ViewSampled ViewPurpose = iota
	// ViewSampledLevel covers one mip level for shader reads.
	ViewSampledLevel
	// ViewTarget is a color attachment view of one mip level.
	ViewTarget
	// ViewDepth is the depth attachment view.
	ViewDepth
	// ViewStorage is a read-write view of one mip level.
	ViewStorage
)

var viewPurposeNames = [...]string{
	ViewSampled:      "sampled",
	ViewSampledLevel: "sampled_level",
	ViewTarget:       "target",
	ViewDepth:        "depth",
	ViewStorage:      "storage",
}

func (p ViewPurpose) String() string {
	if int(p) < len(viewPurposeNames) {
		return viewPurposeNames[p]
	}
	return fmt.Sprintf("Unknown(%d)", p)
}

// ViewKey identifies one cached view of an entry.
type ViewKey struct {
	Purpose ViewPurpose
	Level   uint32
}

// Entry is the cached state behind one symbolic name. The cache owns the
// native objects; callers borrow them for the duration of one command.
type Entry struct {
	Name string
	Kind EntryKind

	Texture hal.Texture
	Buffer  hal.Buffer

	Width, Height uint32
	MipLevels     uint32
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	Size          uint64

	// State is the last state the tracker moved the texture into.
	State ResourceState

	views     map[ViewKey]hal.TextureView
	viewOrder []ViewKey

	retire retirement
}

// IsDepth reports whether the entry is a depth texture.
func (e *Entry) IsDepth() bool {
	return e.Kind == EntryTexture && e.Format == gputypes.TextureFormatDepth32Float
}

// aspect returns the aspect views and barriers of e address.
func (e *Entry) aspect() gputypes.TextureAspect {
	if e.IsDepth() {
		return gputypes.TextureAspectDepthOnly
	}
	return gputypes.TextureAspectAll
}

// CachedView returns the view for key if it was created before.
func (e *Entry) CachedView(key ViewKey) (hal.TextureView, bool) {
	v, ok := e.views[key]
	return v, ok
}

type namedView struct {
	entry *Entry
	key   ViewKey
}

// CacheStats counts native objects created by a ResourceCache.
type CacheStats struct {
	Entries      int
	Views        int
	Creates      int
	ViewCreates  int
	Destroys     int
	ViewDestroys int
}

// ResourceCache maps names to native resources, creating each one lazily
// and exactly once. Lookup never creates.
//
// ResourceCache is not safe for concurrent use.
type ResourceCache struct {
	device hal.Device
	log    *slog.Logger

	entries map[string]*Entry
	order   []*Entry
	named   map[string]namedView
	retired []*Entry

	stats CacheStats
}

func newResourceCache(device hal.Device, log *slog.Logger) *ResourceCache {
	return &ResourceCache{
		device:  device,
		log:     log,
		entries: make(map[string]*Entry),
		named:   make(map[string]namedView),
	}
}

// Lookup returns the entry for name without creating it.
func (c *ResourceCache) Lookup(name string) (*Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Ensure returns the entry for name, creating it from d when absent. The
// descriptor of a later call for an existing name is not compared with the
// first one.
//
// A creation failure is logged with the name, size and requesting operation
// and returned wrapping ErrAllocation. Nothing is cached.
func (c *ResourceCache) Ensure(name string, d Descriptor) (*Entry, error) {
	if e, ok := c.entries[name]; ok {
		return e, nil
	}

	var e *Entry
	var err error
	switch {
	case d.Texture != nil:
		e, err = c.createTexture(name, d.Op, d.Texture)
	case d.Buffer != nil:
		e, err = c.createBuffer(name, d.Op, d.Buffer)
	default:
		err = fmt.Errorf("interp: empty descriptor for %q", name)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s %q: %w", ErrAllocation, d.Op, name, err)
		c.log.Error("resource creation failed", "name", name, "op", d.Op, "err", err)
		return nil, err
	}

	c.entries[name] = e
	c.order = append(c.order, e)
	c.stats.Creates++
	return e, nil
}

func (c *ResourceCache) createTexture(name, op string, s *TextureSpec) (*Entry, error) {
	levels := max(s.MipLevels, 1)
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         name,
		Size:          hal.Extent3D{Width: s.Width, Height: s.Height, DepthOrArrayLayers: 1},
		MipLevelCount: levels,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        s.Format,
		Usage:         s.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("texture %dx%d %s mips=%d: %w", s.Width, s.Height, s.Format, levels, err)
	}
	c.log.Info("created texture", "name", name, "op", op,
		"width", s.Width, "height", s.Height, "format", s.Format, "mips", levels)
	return &Entry{
		Name:      name,
		Kind:      EntryTexture,
		Texture:   tex,
		Width:     s.Width,
		Height:    s.Height,
		MipLevels: levels,
		Format:    s.Format,
		Usage:     s.Usage,
		State:     s.Initial,
		views:     make(map[ViewKey]hal.TextureView),
	}, nil
}

func (c *ResourceCache) createBuffer(name, op string, s *BufferSpec) (*Entry, error) {
	buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: name,
		Size:  s.Size,
		Usage: s.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("buffer size=%d: %w", s.Size, err)
	}
	c.log.Info("created buffer", "name", name, "op", op, "size", s.Size)
	return &Entry{
		Name:   name,
		Kind:   EntryBuffer,
		Buffer: buf,
		Size:   s.Size,
	}, nil
}

// View returns the view of e for key, creating it on first request.
func (c *ResourceCache) View(e *Entry, key ViewKey) (hal.TextureView, error) {
	if e.Kind != EntryTexture {
		return nil, fmt.Errorf("%w: %q is not a texture", ErrMissingResource, e.Name)
	}
	if v, ok := e.views[key]; ok {
		return v, nil
	}
	if key.Level >= e.MipLevels {
		return nil, fmt.Errorf("%w: %q has %d mip levels, view of level %d requested",
			ErrMissingResource, e.Name, e.MipLevels, key.Level)
	}

	desc := &hal.TextureViewDescriptor{
		Label:           e.Name + "/" + key.Purpose.String(),
		Format:          e.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          e.aspect(),
		BaseMipLevel:    key.Level,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	}
	if key.Purpose == ViewSampled {
		desc.BaseMipLevel = 0
		desc.MipLevelCount = e.MipLevels
	}

	v, err := c.device.CreateTextureView(e.Texture, desc)
	if err != nil {
		err = fmt.Errorf("%w: view %s of %q: %w", ErrAllocation, desc.Label, e.Name, err)
		c.log.Error("view creation failed", "name", e.Name, "purpose", key.Purpose, "level", key.Level, "err", err)
		return nil, err
	}
	e.views[key] = v
	e.viewOrder = append(e.viewOrder, key)
	c.stats.ViewCreates++
	c.log.Debug("created view", "name", e.Name, "purpose", key.Purpose, "level", key.Level)
	return v, nil
}

// MipViews returns the storage views of every mip level of e, creating the
// whole chain together on first use. Each level is registered under its
// mip name, and level 0 also under the entry's own name.
func (c *ResourceCache) MipViews(e *Entry) ([]hal.TextureView, error) {
	views := make([]hal.TextureView, e.MipLevels)
	for i := range e.MipLevels {
		key := ViewKey{Purpose: ViewStorage, Level: i}
		v, err := c.View(e, key)
		if err != nil {
			return nil, err
		}
		views[i] = v
		c.named[framecmd.MipName(e.Name, int(i))] = namedView{entry: e, key: key}
	}
	if _, ok := c.named[e.Name]; !ok {
		c.named[e.Name] = namedView{entry: e, key: ViewKey{Purpose: ViewStorage}}
	}
	return views, nil
}

// LookupView resolves a name registered by MipViews to its owner and the
// key of the view it names.
func (c *ResourceCache) LookupView(name string) (*Entry, ViewKey, bool) {
	nv, ok := c.named[name]
	if !ok {
		return nil, ViewKey{}, false
	}
	if _, ok := nv.entry.views[nv.key]; !ok {
		return nil, ViewKey{}, false
	}
	return nv.entry, nv.key, true
}

// Invalidate removes name from the cache. Its native objects are kept
// until DestroyRetired finds the work that used them complete.
func (c *ResourceCache) Invalidate(name string) bool {
	e, ok := c.entries[name]
	if !ok {
		return false
	}
	delete(c.entries, name)
	for n, nv := range c.named {
		if nv.entry == e {
			delete(c.named, n)
		}
	}
	for i, o := range c.order {
		if o == e {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.retired = append(c.retired, e)
	c.log.Info("invalidated resource", "name", name)
	return true
}

// HasRetired reports whether invalidated entries await destruction.
func (c *ResourceCache) HasRetired() bool { return len(c.retired) > 0 }

// DestroyRetired destroys the entries removed by Invalidate that no
// incomplete work references and returns how many it destroyed. last is the
// newest submission and completed the newest finished one.
func (c *ResourceCache) DestroyRetired(last, completed uint64) int {
	var done []*Entry
	kept := c.retired[:0]
	for _, e := range c.retired {
		if e.retire.done(last, completed) {
			done = append(done, e)
		} else {
			kept = append(kept, e)
		}
	}
	clear(c.retired[len(kept):])
	c.retired = kept
	c.destroyEntries(done)
	return len(done)
}

// Destroy releases every entry, retired or live. All views are destroyed
// before any texture or buffer.
func (c *ResourceCache) Destroy() {
	c.destroyEntries(slices.Concat(c.retired, c.order))
	c.retired = nil
	c.order = nil
	clear(c.entries)
	clear(c.named)
}

func (c *ResourceCache) destroyEntries(entries []*Entry) {
	c.destroyViews(entries)
	for _, e := range entries {
		switch e.Kind {
		case EntryTexture:
			c.device.DestroyTexture(e.Texture)
			c.log.Info("destroyed texture", "name", e.Name)
		case EntryBuffer:
			c.device.DestroyBuffer(e.Buffer)
			c.log.Info("destroyed buffer", "name", e.Name)
		}
		c.stats.Destroys++
	}
}

func (c *ResourceCache) destroyViews(entries []*Entry) {
	for _, e := range entries {
		for _, key := range e.viewOrder {
			c.device.DestroyTextureView(e.views[key])
			c.stats.ViewDestroys++
			c.log.Info("destroyed view", "name", e.Name, "purpose", key.Purpose, "level", key.Level)
		}
		clear(e.views)
		e.viewOrder = nil
	}
}

// Stats returns creation and destruction counters.
func (c *ResourceCache) Stats() CacheStats {
	s := c.stats
	s.Entries = len(c.entries)
	for _, e := range c.entries {
		s.Views += len(e.views)
	}
	return s
}

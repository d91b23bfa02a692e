package interp

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framecmd"
)

func newTestCache(t *testing.T) (*ResourceCache, *recorder) {
	t.Helper()
	r := newRecorder()
	dev, _ := newTestDevice(t, r)
	return newResourceCache(dev, slog.New(slog.DiscardHandler)), r
}

func colorTexture(w, h, mips uint32) Descriptor {
	return Descriptor{Op: "test", Texture: &TextureSpec{
		Width: w, Height: h, MipLevels: mips,
		Format: gputypes.TextureFormatRGBA16Float,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageStorageBinding | gputypes.TextureUsageRenderAttachment,
	}}
}

func TestEnsureCreatesOnce(t *testing.T) {
	c, r := newTestCache(t)
	first, err := c.Ensure("t", colorTexture(8, 8, 1))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// A different descriptor for the same name returns the first entry.
	second, err := c.Ensure("t", colorTexture(64, 64, 7))
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if first != second {
		t.Error("Ensure returned a new entry for an existing name")
	}
	if second.Width != 8 || second.MipLevels != 1 {
		t.Errorf("entry = %dx%d with %d mips, want 8x8 with 1", second.Width, second.Height, second.MipLevels)
	}
	if n := r.creates["texture"]; n != 1 {
		t.Errorf("textures created = %d, want 1", n)
	}

	buf, err := c.Ensure("b", Descriptor{Op: "test", Buffer: &BufferSpec{Size: 64, Usage: gputypes.BufferUsageUniform}})
	if err != nil {
		t.Fatalf("Ensure buffer: %v", err)
	}
	if buf.Kind != EntryBuffer || buf.Size != 64 {
		t.Errorf("buffer entry = %+v", buf)
	}
	if st := c.Stats(); st.Entries != 2 || st.Creates != 2 {
		t.Errorf("stats = %+v, want 2 entries and 2 creates", st)
	}
}

func TestEnsureEmptyDescriptor(t *testing.T) {
	c, _ := newTestCache(t)
	if _, err := c.Ensure("nothing", Descriptor{Op: "test"}); !errors.Is(err, ErrAllocation) {
		t.Fatalf("err = %v, want ErrAllocation", err)
	}
	if _, ok := c.Lookup("nothing"); ok {
		t.Error("failed creation left an entry")
	}
}

func TestViewsAreCached(t *testing.T) {
	c, r := newTestCache(t)
	e, err := c.Ensure("t", colorTexture(16, 16, 5))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for range 3 {
		if _, err := c.View(e, ViewKey{Purpose: ViewSampled}); err != nil {
			t.Fatalf("View: %v", err)
		}
	}
	if _, err := c.View(e, ViewKey{Purpose: ViewTarget, Level: 4}); err != nil {
		t.Fatalf("View level 4: %v", err)
	}
	if n := r.creates["view"]; n != 2 {
		t.Errorf("views created = %d, want 2", n)
	}
	if _, err := c.View(e, ViewKey{Purpose: ViewTarget, Level: 5}); !errors.Is(err, ErrMissingResource) {
		t.Errorf("view past the mip chain: err = %v, want ErrMissingResource", err)
	}

	b, err := c.Ensure("b", Descriptor{Op: "test", Buffer: &BufferSpec{Size: 4, Usage: gputypes.BufferUsageUniform}})
	if err != nil {
		t.Fatalf("Ensure buffer: %v", err)
	}
	if _, err := c.View(b, ViewKey{}); !errors.Is(err, ErrMissingResource) {
		t.Errorf("view of a buffer: err = %v, want ErrMissingResource", err)
	}
}

func TestMipViewNames(t *testing.T) {
	c, r := newTestCache(t)
	e, err := c.Ensure("t", colorTexture(8, 8, 4))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, _, ok := c.LookupView(framecmd.MipName("t", 1)); ok {
		t.Fatal("mip name resolved before MipViews")
	}
	views, err := c.MipViews(e)
	if err != nil {
		t.Fatalf("MipViews: %v", err)
	}
	if len(views) != 4 || r.creates["view"] != 4 {
		t.Fatalf("views = %d, created %d, want 4", len(views), r.creates["view"])
	}
	if _, err := c.MipViews(e); err != nil || r.creates["view"] != 4 {
		t.Errorf("second MipViews created views: err %v, total %d", err, r.creates["view"])
	}

	for level := range 4 {
		owner, key, ok := c.LookupView(framecmd.MipName("t", level))
		if !ok || owner != e || key != (ViewKey{Purpose: ViewStorage, Level: uint32(level)}) {
			t.Errorf("LookupView(level %d) = %v %+v %v", level, owner, key, ok)
		}
	}
	if _, key, ok := c.LookupView("t"); !ok || key.Level != 0 {
		t.Errorf("LookupView(t) = %+v %v, want level 0", key, ok)
	}
	if _, _, ok := c.LookupView("unknown"); ok {
		t.Error("LookupView(unknown) = true")
	}
}

func TestInvalidateRetiresUntilDestroyed(t *testing.T) {
	c, r := newTestCache(t)
	e, err := c.Ensure("t", colorTexture(8, 8, 2))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := c.MipViews(e); err != nil {
		t.Fatalf("MipViews: %v", err)
	}

	if !c.Invalidate("t") {
		t.Fatal("Invalidate = false")
	}
	if c.Invalidate("t") {
		t.Error("second Invalidate = true")
	}
	if _, ok := c.Lookup("t"); ok {
		t.Error("invalidated entry still visible")
	}
	if _, _, ok := c.LookupView(framecmd.MipName("t", 1)); ok {
		t.Error("invalidated mip name still visible")
	}
	if !c.HasRetired() || r.destroys["texture"] != 0 {
		t.Fatalf("retired %v, destroyed %d", c.HasRetired(), r.destroys["texture"])
	}

	// Submission 5 may still use t.
	if n := c.DestroyRetired(5, 4); n != 0 || !c.HasRetired() {
		t.Fatalf("DestroyRetired before completion destroyed %d", n)
	}
	// The stamp is kept from the first call.
	if n := c.DestroyRetired(9, 5); n != 1 {
		t.Errorf("DestroyRetired = %d, want 1", n)
	}
	if c.HasRetired() {
		t.Error("HasRetired after DestroyRetired")
	}
	if r.destroys["view"] != 2 || r.destroys["texture"] != 1 {
		t.Errorf("destroyed %d views and %d textures, want 2 and 1", r.destroys["view"], r.destroys["texture"])
	}
	if r.last("destroy view") > r.index("destroy texture", 0) {
		t.Error("texture destroyed before its views")
	}

	// The name is free for a new resource.
	again, err := c.Ensure("t", colorTexture(4, 4, 1))
	if err != nil || again == e {
		t.Errorf("Ensure after invalidation = %p, %v", again, err)
	}
}

func TestDestroyReleasesViewsFirst(t *testing.T) {
	c, r := newTestCache(t)
	for _, name := range []string{"a", "b", "c"} {
		e, err := c.Ensure(name, colorTexture(4, 4, 3))
		if err != nil {
			t.Fatalf("Ensure(%q): %v", name, err)
		}
		if _, err := c.View(e, ViewKey{Purpose: ViewSampled}); err != nil {
			t.Fatalf("View: %v", err)
		}
	}
	if _, err := c.Ensure("buf", Descriptor{Op: "test", Buffer: &BufferSpec{Size: 16, Usage: gputypes.BufferUsageVertex}}); err != nil {
		t.Fatalf("Ensure buffer: %v", err)
	}
	c.Invalidate("b")

	c.Destroy()
	if r.destroys["texture"] != 3 || r.destroys["buffer"] != 1 || r.destroys["view"] != 3 {
		t.Errorf("destroys = %v", r.destroys)
	}
	if last, first := r.last("destroy view"), r.index("destroy texture", 0); last > first {
		t.Errorf("last view destroyed at %d, first texture at %d", last, first)
	}
	if st := c.Stats(); st.Entries != 0 || st.Destroys != 4 || st.ViewDestroys != 3 {
		t.Errorf("stats = %+v", st)
	}
}

package interp

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Reserved names of the placeholder resources bound to declared slots the
// command list left empty.
const (
	dummyTexture  = "__dummy_texture__"
	dummyDepth    = "__dummy_depth__"
	dummyConstant = "__dummy_constant__"
	dummyVertex   = "__dummy_vertex__"
)

func dummyStorageName(f gputypes.TextureFormat) string {
	return "__dummy_storage_" + f.String() + "__"
}

// constantAlign is the size granularity of constant buffers.
const constantAlign = 256

func alignUp(n, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }

// boundView is a texture view bound to a slot and the entry that owns it.
// Views are compared by owner and key.
type boundView struct {
	entry *Entry
	key   ViewKey
	view  hal.TextureView
}

func (v boundView) same(o boundView) bool { return v.entry == o.entry && v.key == o.key }

// bindingTable holds the resources bound to slots during one frame. Bind
// groups are rebuilt only for groups touched since the last draw or when
// the pipeline changes.
type bindingTable struct {
	textures  map[uint32]boundView
	storage   map[uint32]boundView
	constants map[uint32]*Entry
	vertex    *Entry
	index     *Entry

	dirty    [groupCount]bool
	groups   [groupCount]hal.BindGroup
	builtFor *Pipeline
}

func newBindingTable() *bindingTable {
	return &bindingTable{
		textures:  make(map[uint32]boundView),
		storage:   make(map[uint32]boundView),
		constants: make(map[uint32]*Entry),
	}
}

// reset unbinds everything. Bind groups belong to the frame slot and are
// released with it.
func (t *bindingTable) reset() {
	clear(t.textures)
	clear(t.storage)
	clear(t.constants)
	t.vertex = nil
	t.index = nil
	t.groups = [groupCount]hal.BindGroup{}
	t.builtFor = nil
	for g := range t.dirty {
		t.dirty[g] = true
	}
}

func (t *bindingTable) setTexture(slot uint32, v boundView) {
	if cur, ok := t.textures[slot]; ok && cur.same(v) {
		return
	}
	t.textures[slot] = v
	t.dirty[GroupTextures] = true
}

func (t *bindingTable) setStorage(slot uint32, v boundView) {
	if cur, ok := t.storage[slot]; ok && cur.same(v) {
		return
	}
	t.storage[slot] = v
	t.dirty[GroupStorage] = true
}

func (t *bindingTable) setConstant(slot uint32, e *Entry) {
	if t.constants[slot] == e {
		return
	}
	t.constants[slot] = e
	t.dirty[GroupConstants] = true
}

// resolvedBinding is one declared binding of a pipeline with the resource
// it will see and the state that resource must be in.
type resolvedBinding struct {
	decl   shaderBinding
	entry  *Entry
	view   hal.TextureView
	buffer hal.Buffer
	size   uint64
	state  ResourceState
}

// resolveBindings maps every dynamic binding of p to a bound resource or
// a placeholder.
func (it *Interpreter) resolveBindings(p *Pipeline) ([groupCount][]resolvedBinding, error) {
	var out [groupCount][]resolvedBinding
	for g := range p.ngroups {
		if g == GroupSamplers {
			continue
		}
		for _, decl := range p.groups[g].bindings {
			rb, err := it.resolveBinding(decl)
			if err != nil {
				return out, err
			}
			out[g] = append(out[g], rb)
		}
	}
	return out, nil
}

func (it *Interpreter) resolveBinding(decl shaderBinding) (resolvedBinding, error) {
	rb := resolvedBinding{decl: decl}
	t := it.bindings
	switch decl.Class {
	case bindTexture, bindDepthTexture:
		bv, ok := t.textures[decl.Binding]
		if !ok {
			name := dummyTexture
			if decl.Class == bindDepthTexture {
				name = dummyDepth
			}
			var err error
			if bv, err = it.dummyTexture(name); err != nil {
				return rb, err
			}
		}
		rb.entry, rb.view, rb.state = bv.entry, bv.view, StateShaderReadable
	case bindStorageTexture:
		bv, ok := t.storage[decl.Binding]
		if !ok {
			var err error
			if bv, err = it.dummyStorage(decl.Format); err != nil {
				return rb, err
			}
		}
		rb.entry, rb.view, rb.state = bv.entry, bv.view, StateStorageReadWrite
	case bindUniform:
		e, ok := t.constants[decl.Binding]
		if !ok {
			var err error
			if e, err = it.dummyBuffer(dummyConstant, constantAlign, gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst); err != nil {
				return rb, err
			}
		}
		rb.entry, rb.buffer, rb.size = e, e.Buffer, e.Size
	default:
		return rb, fmt.Errorf("%w: %s at @binding(%d)", ErrBindingLayout, decl.Class, decl.Binding)
	}
	return rb, nil
}

func (it *Interpreter) dummyTexture(name string) (boundView, error) {
	spec := &TextureSpec{
		Width: 1, Height: 1, MipLevels: 1,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	}
	if name == dummyDepth {
		spec.Format = depthFormat
		spec.Usage = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment
	}
	e, err := it.resources.Ensure(name, Descriptor{Op: "placeholder", Texture: spec})
	if err != nil {
		return boundView{}, err
	}
	key := ViewKey{Purpose: ViewSampled}
	v, err := it.resources.View(e, key)
	if err != nil {
		return boundView{}, err
	}
	return boundView{entry: e, key: key, view: v}, nil
}

func (it *Interpreter) dummyStorage(f gputypes.TextureFormat) (boundView, error) {
	e, err := it.resources.Ensure(dummyStorageName(f), Descriptor{Op: "placeholder", Texture: &TextureSpec{
		Width: 1, Height: 1, MipLevels: 1,
		Format: f,
		Usage:  gputypes.TextureUsageStorageBinding,
	}})
	if err != nil {
		return boundView{}, err
	}
	key := ViewKey{Purpose: ViewStorage}
	v, err := it.resources.View(e, key)
	if err != nil {
		return boundView{}, err
	}
	return boundView{entry: e, key: key, view: v}, nil
}

func (it *Interpreter) dummyBuffer(name string, size uint64, usage gputypes.BufferUsage) (*Entry, error) {
	return it.resources.Ensure(name, Descriptor{Op: "placeholder", Buffer: &BufferSpec{Size: size, Usage: usage}})
}

// bindGroupsFor returns the bind group for every group of p, creating new
// ones for groups whose bindings changed. Created groups count against the
// frame's heap budget and are handed to the frame slot.
func (it *Interpreter) bindGroupsFor(p *Pipeline, res [groupCount][]resolvedBinding) ([groupCount]hal.BindGroup, error) {
	t := it.bindings
	if t.builtFor != p {
		t.builtFor = p
		for g := range t.dirty {
			t.dirty[g] = true
		}
	}

	var out [groupCount]hal.BindGroup
	var build []int
	for g := range p.ngroups {
		if s := p.groups[g].static; s != nil {
			out[g] = s
			continue
		}
		if !t.dirty[g] && t.groups[g] != nil {
			out[g] = t.groups[g]
			continue
		}
		build = append(build, g)
	}

	if limit := it.frame.heapCapacity; limit > 0 && it.frame.heapUsed+len(build) > limit {
		return out, fmt.Errorf("%w: %d bind groups used, %d more needed, capacity %d",
			ErrHeapExhausted, it.frame.heapUsed, len(build), limit)
	}

	for _, g := range build {
		entries := make([]gputypes.BindGroupEntry, len(res[g]))
		for i, rb := range res[g] {
			entries[i] = gputypes.BindGroupEntry{Binding: rb.decl.Binding}
			if rb.buffer != nil {
				entries[i].Resource = gputypes.BufferBinding{Buffer: rb.buffer.NativeHandle(), Size: rb.size}
			} else {
				entries[i].Resource = gputypes.TextureViewBinding{TextureView: rb.view.NativeHandle()}
			}
		}
		bg, err := it.gpu.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("%s/group%d", p.Name, g),
			Layout:  p.groups[g].layout,
			Entries: entries,
		})
		if err != nil {
			return out, fmt.Errorf("%w: bind group %d of %s: %w", ErrAllocation, g, p.Name, err)
		}
		it.frame.slot.AddBindGroup(bg)
		it.frame.heapUsed++
		it.frame.stats.BindGroups++
		t.groups[g] = bg
		t.dirty[g] = false
		out[g] = bg
	}
	return out, nil
}

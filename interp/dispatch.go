package interp

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framecmd"
)

// frameState is everything the dispatcher tracks while one command list is
// recorded. It is reset at the start of every frame.
type frameState struct {
	slot          *Slot
	width, height uint32
	heapCapacity  int
	slotCapacity  int
	heapUsed      int

	rt, depth  *Entry
	rect       framecmd.Rect
	clearColor *gputypes.Color
	clearDepth *float32

	pass        hal.RenderPassEncoder
	passFor     *Pipeline
	passGroups  bool
	passVertex  *Entry
	passIndex   *Entry
	pipeline    *Pipeline
	shaderError bool

	present string
	stats   FrameStats
}

// runFrame records, submits and presents one command list.
func (it *Interpreter) runFrame(f Frame) error {
	if f.BufferCount > 0 && f.BufferCount != it.ring.Len() {
		it.log.Warn("buffer count change ignored", "requested", f.BufferCount, "frames_in_flight", it.ring.Len())
	}
	if err := it.gpu.configure(f.Width, f.Height); err != nil {
		it.log.Error("surface configuration failed", "err", err)
	}
	it.applyReloads()
	it.collect()
	if err := it.gpu.status(); err != nil {
		return err
	}

	slot, wait, err := it.ring.Acquire()
	if err != nil {
		return classify(err)
	}
	base := it.tracker.Emitted()
	it.beginFrame(f, slot, wait)

	for i, c := range f.Commands {
		err := it.exec(c)
		if err == nil {
			continue
		}
		if recoverable(err) {
			it.frame.stats.Skipped++
			it.log.Error("command skipped", "index", i, "kind", c.Kind(), "name", c.ResourceName(), "err", err)
			continue
		}
		it.abandon()
		return fmt.Errorf("%s %q: %w", c.Kind(), c.ResourceName(), err)
	}

	if err := it.endFrame(); err != nil {
		it.abandon()
		return err
	}
	it.frame.stats.Transitions = it.tracker.Emitted() - base
	it.frames++
	it.lastFrame = it.frame.stats
	it.log.Debug("frame submitted", "slot", slot.Index, "commands", len(f.Commands),
		"passes", it.frame.stats.Passes, "draws", it.frame.stats.Draws,
		"dispatches", it.frame.stats.Dispatches, "skipped", it.frame.stats.Skipped)
	return nil
}

func (it *Interpreter) beginFrame(f Frame, slot *Slot, wait WaitResult) {
	it.frame = frameState{
		slot:         slot,
		width:        f.Width,
		height:       f.Height,
		heapCapacity: f.HeapCapacity,
		slotCapacity: f.SlotCapacity,
		stats:        FrameStats{Wait: wait, Slot: slot.Index},
	}
	it.bindings.reset()
	it.tracker.Reset()
	it.phase = PhaseRecording
}

// applyReloads invalidates the pipelines whose source changed on disk.
func (it *Interpreter) applyReloads() {
	if it.watcher == nil {
		return
	}
	for _, path := range it.watcher.Drain() {
		if names := it.pipelines.InvalidatePath(path); len(names) > 0 {
			it.log.Info("shader source changed", "path", path, "pipelines", names)
		}
	}
}

// collect destroys invalidated pipelines and resources whose last possible
// use has completed. Objects invalidated since the previous frame are
// stamped with the newest submission, which covers every frame that could
// have recorded them.
func (it *Interpreter) collect() {
	if !it.pipelines.HasPending() && !it.resources.HasRetired() {
		return
	}
	last, done := it.ring.LastSubmission(), it.ring.Completed()
	n := it.pipelines.DestroyCompleted(last, done) + it.resources.DestroyRetired(last, done)
	if it.pipelines.HasPending() || it.resources.HasRetired() {
		it.log.Debug("deferred destruction waits for the GPU", "destroyed", n,
			"completed", done, "outstanding", it.ring.Outstanding())
	}
}

// abandon drops the frame being recorded.
func (it *Interpreter) abandon() {
	if it.frame.pass != nil {
		it.frame.pass.End()
		it.frame.pass = nil
	}
	if it.frame.slot != nil {
		it.ring.Abandon(it.frame.slot)
	}
	it.phase = PhaseIdle
}

func (it *Interpreter) exec(c framecmd.Command) error {
	switch c := c.(type) {
	case framecmd.BarrierCommand:
		return it.barrier(c)
	case framecmd.SetRenderTargetCommand:
		return it.setRenderTarget(c)
	case framecmd.SetTextureCommand:
		return it.setTexture(c)
	case framecmd.SetTextureUavCommand:
		return it.setTextureUav(c)
	case framecmd.SetVertexCommand:
		return it.setVertex(c)
	case framecmd.SetIndexCommand:
		return it.setIndex(c)
	case framecmd.SetConstantCommand:
		return it.setConstant(c)
	case framecmd.SetShaderCommand:
		return it.setShader(c)
	case framecmd.ClearCommand:
		return it.clear(c)
	case framecmd.ClearDepthCommand:
		return it.clearDepth(c)
	case framecmd.DrawIndexedCommand:
		return it.draw(true, c.Count, c.Start, c.InstanceID)
	case framecmd.DrawCommand:
		return it.draw(false, c.VertexCount, 0, c.InstanceID)
	case framecmd.DispatchCommand:
		return it.dispatch(c)
	case framecmd.GenerateMipmapCommand:
		return it.generateMipmap(c)
	case framecmd.PresentCommand:
		it.frame.present = c.Name
		return nil
	default:
		return fmt.Errorf("%w: unknown command %T", ErrMissingResource, c)
	}
}

// require moves e into s, ending the open render pass first when a
// transition is needed. A clear still pending on e is recorded before e is
// used outside its attachment role.
func (it *Interpreter) require(e *Entry, s ResourceState) error {
	fr := &it.frame
	if (e == fr.rt && fr.clearColor != nil && s != StateRenderTarget) ||
		(e == fr.depth && fr.clearDepth != nil && s != StateDepthTarget) {
		if err := it.flushClears(); err != nil {
			return err
		}
	}
	if it.tracker.Needs(e, s) {
		it.closePass()
	}
	it.tracker.Require(fr.slot.Encoder, e, s)
	return nil
}

func (it *Interpreter) closePass() {
	fr := &it.frame
	if fr.pass == nil {
		return
	}
	fr.pass.End()
	fr.pass = nil
	fr.passFor = nil
	fr.passGroups = false
	fr.passVertex = nil
	fr.passIndex = nil
	it.phase = PhaseRecording
}

// viewport returns the frame rect clamped to the current render target. An
// empty rect covers the whole target.
func (it *Interpreter) viewport() framecmd.Rect {
	fr := &it.frame
	r := fr.rect
	if r.W == 0 || r.H == 0 {
		return framecmd.Rect{W: fr.rt.Width, H: fr.rt.Height}
	}
	r.X = min(r.X, fr.rt.Width)
	r.Y = min(r.Y, fr.rt.Height)
	r.W = min(r.W, fr.rt.Width-r.X)
	r.H = min(r.H, fr.rt.Height-r.Y)
	return r
}

// openPass begins a render pass on the current target, applying pending
// clears as load operations.
func (it *Interpreter) openPass() error {
	fr := &it.frame
	if fr.pass != nil {
		return nil
	}
	if fr.rt == nil {
		return fmt.Errorf("%w: no render target set", ErrMissingResource)
	}
	if err := it.require(fr.rt, StateRenderTarget); err != nil {
		return err
	}
	if err := it.require(fr.depth, StateDepthTarget); err != nil {
		return err
	}

	color, err := it.resources.View(fr.rt, ViewKey{Purpose: ViewTarget})
	if err != nil {
		return err
	}
	depth, err := it.resources.View(fr.depth, ViewKey{Purpose: ViewDepth})
	if err != nil {
		return err
	}

	ca := hal.RenderPassColorAttachment{View: color, LoadOp: gputypes.LoadOpLoad, StoreOp: gputypes.StoreOpStore}
	if fr.clearColor != nil {
		ca.LoadOp = gputypes.LoadOpClear
		ca.ClearValue = *fr.clearColor
	}
	da := &hal.RenderPassDepthStencilAttachment{
		View:         depth,
		DepthLoadOp:  gputypes.LoadOpLoad,
		DepthStoreOp: gputypes.StoreOpStore,
	}
	if fr.clearDepth != nil {
		da.DepthLoadOp = gputypes.LoadOpClear
		da.DepthClearValue = *fr.clearDepth
	}
	fr.clearColor, fr.clearDepth = nil, nil

	fr.pass = fr.slot.Encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:                  fr.rt.Name,
		ColorAttachments:       []hal.RenderPassColorAttachment{ca},
		DepthStencilAttachment: da,
	})
	r := it.viewport()
	fr.pass.SetViewport(float32(r.X), float32(r.Y), float32(r.W), float32(r.H), 0, 1)
	fr.pass.SetScissorRect(r.X, r.Y, r.W, r.H)
	fr.stats.Passes++
	it.phase = PhaseRenderPassOpen
	return nil
}

// flushClears records a pass that only clears when the current target has
// a clear no draw consumed.
func (it *Interpreter) flushClears() error {
	fr := &it.frame
	if fr.pass != nil || (fr.clearColor == nil && fr.clearDepth == nil) {
		return nil
	}
	if err := it.openPass(); err != nil {
		return err
	}
	it.closePass()
	return nil
}

func (it *Interpreter) barrier(c framecmd.BarrierCommand) error {
	s, ok := BarrierState(c)
	if !ok {
		it.log.Debug("barrier without target state ignored", "name", c.Name)
		return nil
	}
	it.tracker.Request(c.Name, s)
	return nil
}

func (it *Interpreter) setRenderTarget(c framecmd.SetRenderTargetCommand) error {
	fr := &it.frame
	w, h := c.Rect.W, c.Rect.H
	if w == 0 || h == 0 {
		w, h = fr.width, fr.height
	}

	rt, ok := it.resources.Lookup(c.Name)
	if !ok {
		if w == 0 || h == 0 {
			return fmt.Errorf("%w: render target %q has no size", ErrMissingResource, c.Name)
		}
		it.closePass()
		var err error
		rt, err = it.resources.Ensure(c.Name, Descriptor{Op: "SetRenderTarget", Texture: &TextureSpec{
			Width: w, Height: h,
			MipLevels: max(framecmd.MipCount(w, h), 1),
			Format:    colorFormat,
			Usage: gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding |
				gputypes.TextureUsageStorageBinding | gputypes.TextureUsageCopySrc,
		}})
		if err != nil {
			return err
		}
	}
	if rt.Kind != EntryTexture || rt.IsDepth() {
		return fmt.Errorf("%w: %q is not a color texture", ErrMissingResource, c.Name)
	}

	depth, ok := it.resources.Lookup(framecmd.DepthName(c.Name))
	if !ok {
		it.closePass()
		var err error
		depth, err = it.resources.Ensure(framecmd.DepthName(c.Name), Descriptor{Op: "SetRenderTarget", Texture: &TextureSpec{
			Width: rt.Width, Height: rt.Height, MipLevels: 1,
			Format: depthFormat,
			Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
		}})
		if err != nil {
			return err
		}
	}

	if fr.rt != rt {
		if err := it.flushClears(); err != nil {
			return err
		}
		it.closePass()
		fr.rt, fr.depth, fr.rect = rt, depth, c.Rect
		return nil
	}
	if fr.rect != c.Rect {
		fr.rect = c.Rect
		if fr.pass != nil {
			r := it.viewport()
			fr.pass.SetViewport(float32(r.X), float32(r.Y), float32(r.W), float32(r.H), 0, 1)
			fr.pass.SetScissorRect(r.X, r.Y, r.W, r.H)
		}
	}
	return nil
}

func (it *Interpreter) clear(c framecmd.ClearCommand) error {
	color := gputypes.Color{R: float64(c.Color[0]), G: float64(c.Color[1]), B: float64(c.Color[2]), A: float64(c.Color[3])}
	fr := &it.frame
	if fr.rt != nil && fr.rt.Name == c.Name {
		it.closePass()
		fr.clearColor = &color
		return nil
	}

	e, ok := it.resources.Lookup(c.Name)
	if !ok || e.Kind != EntryTexture || e.IsDepth() || e.Usage&gputypes.TextureUsageRenderAttachment == 0 {
		return fmt.Errorf("%w: clear of %q, not a render target", ErrMissingResource, c.Name)
	}
	it.closePass()
	if err := it.require(e, StateRenderTarget); err != nil {
		return err
	}
	v, err := it.resources.View(e, ViewKey{Purpose: ViewTarget})
	if err != nil {
		return err
	}
	pass := fr.slot.Encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: e.Name + "/clear",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View: v, LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore, ClearValue: color,
		}},
	})
	pass.End()
	fr.stats.Passes++
	return nil
}

func (it *Interpreter) clearDepth(c framecmd.ClearDepthCommand) error {
	fr := &it.frame
	value := c.Value
	if fr.rt != nil && (fr.rt.Name == c.Name || fr.depth.Name == c.Name) {
		it.closePass()
		fr.clearDepth = &value
		return nil
	}

	e, ok := it.resources.Lookup(c.Name)
	if ok && !e.IsDepth() {
		e, ok = it.resources.Lookup(framecmd.DepthName(c.Name))
	}
	if !ok || !e.IsDepth() {
		return fmt.Errorf("%w: depth clear of %q, no depth target", ErrMissingResource, c.Name)
	}
	it.closePass()
	if err := it.require(e, StateDepthTarget); err != nil {
		return err
	}
	v, err := it.resources.View(e, ViewKey{Purpose: ViewDepth})
	if err != nil {
		return err
	}
	pass := fr.slot.Encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: e.Name + "/clear",
		DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
			View:            v,
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    gputypes.StoreOpStore,
			DepthClearValue: value,
		},
	})
	pass.End()
	fr.stats.Passes++
	return nil
}

func (it *Interpreter) checkSlot(slot uint32) error {
	if c := it.frame.slotCapacity; c > 0 && int(slot) >= c {
		return fmt.Errorf("%w: slot %d, capacity %d", ErrSlotRange, slot, c)
	}
	return nil
}

func (it *Interpreter) setTexture(c framecmd.SetTextureCommand) error {
	if err := it.checkSlot(c.Slot); err != nil {
		return err
	}
	e, ok := it.resources.Lookup(c.Name)
	if !ok {
		if c.Data == nil {
			return fmt.Errorf("%w: texture %q was never created and carries no data", ErrMissingResource, c.Name)
		}
		if c.Rect.W == 0 || c.Rect.H == 0 {
			return fmt.Errorf("%w: texture %q has no size", ErrMissingResource, c.Name)
		}
		it.closePass()
		var err error
		e, err = it.resources.Ensure(c.Name, Descriptor{Op: "SetTexture", Texture: &TextureSpec{
			Width: c.Rect.W, Height: c.Rect.H, MipLevels: 1,
			Format: gputypes.TextureFormatRGBA8Unorm,
			Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
		}})
		if err != nil {
			return err
		}
		if err := it.upload(e, c.Data, c.Stride, 4); err != nil {
			return err
		}
	}
	if e.Kind != EntryTexture {
		return fmt.Errorf("%w: %q is not a texture", ErrMissingResource, c.Name)
	}
	key := ViewKey{Purpose: ViewSampled}
	v, err := it.resources.View(e, key)
	if err != nil {
		return err
	}
	it.bindings.setTexture(c.Slot, boundView{entry: e, key: key, view: v})
	return nil
}

func (it *Interpreter) setTextureUav(c framecmd.SetTextureUavCommand) error {
	if err := it.checkSlot(c.Slot); err != nil {
		return err
	}
	// A mip name selects its level itself; MipLevel applies to base names.
	if _, _, isMip := framecmd.ParseMipName(c.Name); isMip {
		if e, key, ok := it.resources.LookupView(c.Name); ok {
			v, _ := e.CachedView(key)
			it.bindings.setStorage(c.Slot, boundView{entry: e, key: key, view: v})
			return nil
		}
	}

	e, ok := it.resources.Lookup(c.Name)
	if !ok {
		w, h := c.Rect.W, c.Rect.H
		if w == 0 || h == 0 {
			w, h = it.frame.width, it.frame.height
		}
		if w == 0 || h == 0 {
			return fmt.Errorf("%w: storage texture %q has no size", ErrMissingResource, c.Name)
		}
		it.closePass()
		var err error
		e, err = it.resources.Ensure(c.Name, Descriptor{Op: "SetTextureUav", Texture: &TextureSpec{
			Width: w, Height: h,
			MipLevels: max(framecmd.MipCount(w, h), 1),
			Format:    colorFormat,
			Usage: gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding |
				gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
		}})
		if err != nil {
			return err
		}
		if c.Data != nil {
			if err := it.upload(e, c.Data, c.Stride, 8); err != nil {
				return err
			}
		}
	}
	if e.Kind != EntryTexture || e.Usage&gputypes.TextureUsageStorageBinding == 0 {
		return fmt.Errorf("%w: %q is not a storage texture", ErrMissingResource, c.Name)
	}

	views, err := it.resources.MipViews(e)
	if err != nil {
		return err
	}
	if int(c.MipLevel) >= len(views) {
		return fmt.Errorf("%w: %q has %d mip levels, level %d bound", ErrMissingResource, c.Name, len(views), c.MipLevel)
	}
	key := ViewKey{Purpose: ViewStorage, Level: c.MipLevel}
	it.bindings.setStorage(c.Slot, boundView{entry: e, key: key, view: views[c.MipLevel]})
	return nil
}

// upload copies tightly or stride packed rows of data into level 0 of e
// through a staging buffer owned by the frame slot.
func (it *Interpreter) upload(e *Entry, data []byte, stride, bpp uint32) error {
	row := e.Width * bpp
	if stride == 0 {
		stride = row
	}
	if stride < row {
		it.log.Warn("texture stride shorter than a row", "name", e.Name, "stride", stride, "row", row)
	}
	if need := uint64(stride)*uint64(e.Height-1) + uint64(row); uint64(len(data)) < need {
		it.log.Warn("short texture data, missing rows left zero", "name", e.Name, "len", len(data), "want", need)
	}

	pitch := uint32(alignUp(uint64(row), 256))
	packed := make([]byte, uint64(pitch)*uint64(e.Height))
	for y := range e.Height {
		off := uint64(y) * uint64(stride)
		if off >= uint64(len(data)) {
			break
		}
		end := min(off+uint64(row), uint64(len(data)))
		copy(packed[y*pitch:], data[off:end])
	}

	scratch, err := it.gpu.device.CreateBuffer(&hal.BufferDescriptor{
		Label: e.Name + "/upload",
		Size:  uint64(len(packed)),
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: staging buffer for %q: %w", ErrAllocation, e.Name, err)
	}
	it.frame.slot.AddScratch(scratch)
	if err := it.gpu.queue.WriteBuffer(scratch, 0, packed); err != nil {
		return classify(fmt.Errorf("upload %q: %w", e.Name, err))
	}

	if err := it.require(e, StateTransferDestination); err != nil {
		return err
	}
	it.frame.slot.Encoder.CopyBufferToTexture(scratch, e.Texture, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: e.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: e.Texture, Aspect: gputypes.TextureAspectAll},
		Size:         hal.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: 1},
	}})
	it.log.Debug("uploaded texture", "name", e.Name, "bytes", len(data))
	return nil
}

// pad4 returns data extended with zeros to a multiple of four bytes.
func pad4(data []byte) []byte {
	if len(data)%4 == 0 {
		return data
	}
	out := make([]byte, alignUp(uint64(len(data)), 4))
	copy(out, data)
	return out
}

// staticBuffer returns the buffer name, creating and filling it on first
// use. Later data for an existing name is ignored.
func (it *Interpreter) staticBuffer(op, name string, data []byte, usage gputypes.BufferUsage) (*Entry, error) {
	e, ok := it.resources.Lookup(name)
	if !ok {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: buffer %q was never created and carries no data", ErrMissingResource, name)
		}
		it.closePass()
		padded := pad4(data)
		var err error
		e, err = it.resources.Ensure(name, Descriptor{Op: op, Buffer: &BufferSpec{Size: uint64(len(padded)), Usage: usage}})
		if err != nil {
			return nil, err
		}
		if err := it.gpu.queue.WriteBuffer(e.Buffer, 0, padded); err != nil {
			return nil, classify(fmt.Errorf("upload %q: %w", name, err))
		}
	}
	if e.Kind != EntryBuffer {
		return nil, fmt.Errorf("%w: %q is not a buffer", ErrMissingResource, name)
	}
	return e, nil
}

func (it *Interpreter) setVertex(c framecmd.SetVertexCommand) error {
	if c.Stride != 0 && c.Stride != vertexStride {
		it.log.Warn("vertex stride differs from the fixed layout", "name", c.Name, "stride", c.Stride, "layout", vertexStride)
	}
	e, err := it.staticBuffer("SetVertex", c.Name, c.Data, gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	it.bindings.vertex = e
	return nil
}

func (it *Interpreter) setIndex(c framecmd.SetIndexCommand) error {
	if c.Data == nil {
		if _, ok := it.resources.Lookup(c.Name); !ok {
			it.bindings.index = nil
			return nil
		}
	}
	e, err := it.staticBuffer("SetIndex", c.Name, c.Data, gputypes.BufferUsageIndex|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	it.bindings.index = e
	return nil
}

func (it *Interpreter) setConstant(c framecmd.SetConstantCommand) error {
	if err := it.checkSlot(c.Slot); err != nil {
		return err
	}
	e, ok := it.resources.Lookup(c.Name)
	if !ok {
		it.closePass()
		var err error
		e, err = it.resources.Ensure(c.Name, Descriptor{Op: "SetConstant", Buffer: &BufferSpec{
			Size:  alignUp(uint64(max(len(c.Data), 1)), constantAlign),
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		}})
		if err != nil {
			return err
		}
	}
	if e.Kind != EntryBuffer {
		return fmt.Errorf("%w: %q is not a buffer", ErrMissingResource, c.Name)
	}
	if uint64(len(c.Data)) > e.Size {
		return fmt.Errorf("%w: constant %q holds %d bytes, %d written", ErrMissingResource, c.Name, e.Size, len(c.Data))
	}
	if len(c.Data) > 0 {
		if err := it.gpu.queue.WriteBuffer(e.Buffer, 0, pad4(c.Data)); err != nil {
			return classify(fmt.Errorf("write constant %q: %w", c.Name, err))
		}
	}
	it.bindings.setConstant(c.Slot, e)
	return nil
}

func (it *Interpreter) setShader(c framecmd.SetShaderCommand) error {
	fr := &it.frame
	flags := PipelineFlags{Cull: c.IsCull, Depth: c.IsEnableDepth}
	p, _, err := it.pipelines.Resolve(c.Name, flags, c.IsUpdate)
	if err != nil {
		fr.pipeline = nil
		if !isCompileFailure(err) {
			return err
		}
		fr.shaderError = true
		fr.stats.Skipped++
		it.log.Error("shader compile failed", "name", c.Name, "path", ShaderPath(c.Name), "err", err)
		it.sleep(it.opts.CompileFailureDelay)
		return nil
	}
	fr.pipeline = p
	fr.shaderError = false
	return nil
}

// pipelineFor returns the bound pipeline if it has bind point bp. A nil
// pipeline with a nil error means the work is skipped because the shader
// failed to build.
func (it *Interpreter) pipelineFor(bp BindPoint) (*Pipeline, error) {
	fr := &it.frame
	p := fr.pipeline
	switch {
	case p == nil && fr.shaderError:
		fr.stats.Skipped++
		return nil, nil
	case p == nil:
		return nil, fmt.Errorf("%w: no shader set", ErrMissingResource)
	case p.BindPoint != bp:
		return nil, fmt.Errorf("%w: %s pipeline %q bound for %s work", ErrMissingResource, p.BindPoint, p.Name, bp)
	}
	return p, nil
}

// prepare resolves the bindings of p, moves their textures into the states
// the shader uses them in and returns the bind groups to set.
func (it *Interpreter) prepare(p *Pipeline) ([groupCount]hal.BindGroup, error) {
	res, err := it.resolveBindings(p)
	if err != nil {
		return [groupCount]hal.BindGroup{}, err
	}
	for g := range res {
		for _, rb := range res[g] {
			if rb.entry.Kind != EntryTexture {
				continue
			}
			if err := it.require(rb.entry, rb.state); err != nil {
				return [groupCount]hal.BindGroup{}, err
			}
		}
	}
	before := it.frame.stats.BindGroups
	groups, err := it.bindGroupsFor(p, res)
	if err != nil {
		return groups, err
	}
	if it.frame.stats.BindGroups != before {
		it.frame.passGroups = false
	}
	return groups, nil
}

func (it *Interpreter) draw(indexed bool, count, first, instance uint32) error {
	p, err := it.pipelineFor(BindGraphics)
	if p == nil {
		return err
	}
	fr := &it.frame
	if fr.rt == nil {
		return fmt.Errorf("%w: draw with no render target", ErrMissingResource)
	}

	vb := it.bindings.vertex
	if p.VertexInputs && vb == nil {
		if vb, err = it.dummyBuffer(dummyVertex, vertexStride, gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst); err != nil {
			return err
		}
	}
	ib := it.bindings.index
	if indexed && ib == nil {
		return fmt.Errorf("%w: indexed draw with no index buffer", ErrMissingResource)
	}

	groups, err := it.prepare(p)
	if err != nil {
		return err
	}
	if err := it.openPass(); err != nil {
		return err
	}

	pass := fr.pass
	if fr.passFor != p {
		pass.SetPipeline(p.render)
		fr.passFor = p
		fr.passGroups = false
	}
	if !fr.passGroups {
		for g := range p.ngroups {
			pass.SetBindGroup(uint32(g), groups[g], nil)
		}
		fr.passGroups = true
	}
	if p.VertexInputs && fr.passVertex != vb {
		pass.SetVertexBuffer(0, vb.Buffer, 0)
		fr.passVertex = vb
	}
	if indexed {
		if fr.passIndex != ib {
			pass.SetIndexBuffer(ib.Buffer, gputypes.IndexFormatUint32, 0)
			fr.passIndex = ib
		}
		pass.DrawIndexed(count, 1, first, 0, instance)
	} else {
		pass.Draw(count, 1, 0, instance)
	}
	fr.stats.Draws++
	return nil
}

func (it *Interpreter) dispatch(c framecmd.DispatchCommand) error {
	p, err := it.pipelineFor(BindCompute)
	if p == nil {
		return err
	}
	fr := &it.frame
	it.closePass()
	groups, err := it.prepare(p)
	if err != nil {
		return err
	}
	cp := fr.slot.Encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: p.Name})
	cp.SetPipeline(p.compute)
	for g := range p.ngroups {
		cp.SetBindGroup(uint32(g), groups[g], nil)
	}
	cp.Dispatch(c.X, c.Y, c.Z)
	cp.End()
	fr.stats.Dispatches++
	return nil
}

// generateMipmap fills levels 1.. of a texture by blitting each level into
// the next one. The texture ends shader readable.
func (it *Interpreter) generateMipmap(c framecmd.GenerateMipmapCommand) error {
	e, ok := it.resources.Lookup(c.Name)
	if !ok || e.Kind != EntryTexture {
		return fmt.Errorf("%w: mipmaps of %q", ErrMissingResource, c.Name)
	}
	if e.MipLevels < 2 {
		it.log.Debug("mipmap generation on a single level texture", "name", c.Name)
		return nil
	}
	const need = gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding
	if e.Usage&need != need {
		return fmt.Errorf("%w: %q cannot be rendered and sampled", ErrMissingResource, c.Name)
	}

	fr := &it.frame
	if e == fr.rt || e == fr.depth {
		if err := it.flushClears(); err != nil {
			return err
		}
	}
	it.closePass()
	if err := it.require(e, StateRenderTarget); err != nil {
		return err
	}
	enc := fr.slot.Encoder
	for i := uint32(0); i+1 < e.MipLevels; i++ {
		it.tracker.TransitionLevels(enc, e, i, 1, StateRenderTarget, StateShaderReadable)
		src, err := it.resources.View(e, ViewKey{Purpose: ViewSampledLevel, Level: i})
		if err != nil {
			return err
		}
		dst, err := it.resources.View(e, ViewKey{Purpose: ViewTarget, Level: i + 1})
		if err != nil {
			return err
		}
		if err := it.blit.blit(fr.slot, src, dst, e.Format, fmt.Sprintf("%s/mip%d", e.Name, i+1)); err != nil {
			return err
		}
		fr.stats.Passes++
	}
	it.tracker.TransitionLevels(enc, e, e.MipLevels-1, 1, StateRenderTarget, StateShaderReadable)
	it.tracker.Assume(e, StateShaderReadable)
	return nil
}

// endFrame closes the recording, submits it and presents the chosen
// texture.
func (it *Interpreter) endFrame() error {
	fr := &it.frame
	if err := it.flushClears(); err != nil {
		return err
	}
	it.closePass()
	it.tracker.Flush(fr.slot.Encoder, it.resources.Lookup)

	name := fr.present
	if name == "" {
		if _, ok := it.resources.Lookup(framecmd.BackbufferName(fr.slot.Index)); ok {
			name = framecmd.BackbufferName(fr.slot.Index)
		}
	}

	var acquired *hal.AcquiredSurfaceTexture
	if name != "" {
		e, ok := it.resources.Lookup(name)
		if !ok || e.Kind != EntryTexture || e.IsDepth() {
			it.log.Error("present source missing", "name", name, "err", ErrMissingResource)
		} else {
			if err := it.require(e, StatePresentSource); err != nil {
				return err
			}
			fr.stats.Presented = name
			var err error
			if acquired, err = it.acquireSurface(); err != nil {
				return err
			}
			if acquired != nil {
				if err := it.blitToSurface(e, acquired); err != nil {
					it.gpu.surface.DiscardTexture(acquired.Texture)
					return err
				}
			}
		}
	}

	if err := it.ring.Submit(fr.slot); err != nil {
		if acquired != nil {
			it.gpu.surface.DiscardTexture(acquired.Texture)
		}
		return classify(err)
	}
	it.phase = PhaseSubmitted

	if acquired == nil {
		return nil
	}
	err := it.gpu.queue.Present(it.gpu.surface, acquired.Texture, nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrSurfaceOutdated), errors.Is(err, hal.ErrSurfaceLost):
		it.log.Warn("surface outdated at present", "err", err)
		it.gpu.reconfigure()
		return nil
	default:
		return classify(fmt.Errorf("present: %w", err))
	}
}

// acquireSurface returns the next surface texture, or nil when there is no
// configured surface or the frame cannot be presented.
func (it *Interpreter) acquireSurface() (*hal.AcquiredSurfaceTexture, error) {
	g := it.gpu
	if g.surface == nil || !g.configured {
		return nil, nil
	}
	at, err := g.surface.AcquireTexture(nil)
	switch {
	case err == nil:
		if at.Suboptimal {
			it.log.Debug("suboptimal surface texture")
		}
		return at, nil
	case errors.Is(err, hal.ErrSurfaceOutdated), errors.Is(err, hal.ErrSurfaceLost):
		it.log.Warn("surface outdated, frame not presented", "err", err)
		g.reconfigure()
		return nil, nil
	case errors.Is(err, hal.ErrTimeout), errors.Is(err, hal.ErrNotReady):
		it.log.Warn("surface texture not ready, frame not presented", "err", err)
		return nil, nil
	default:
		return nil, classify(fmt.Errorf("acquire surface texture: %w", err))
	}
}

func (it *Interpreter) blitToSurface(e *Entry, at *hal.AcquiredSurfaceTexture) error {
	fr := &it.frame
	src, err := it.resources.View(e, ViewKey{Purpose: ViewSampledLevel})
	if err != nil {
		return err
	}
	dst, err := it.gpu.device.CreateTextureView(at.Texture, &hal.TextureViewDescriptor{
		Label:           "surface",
		Format:          surfaceFormat,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		return fmt.Errorf("%w: surface view: %w", ErrAllocation, err)
	}
	fr.slot.AddView(dst)
	if err := it.blit.blit(fr.slot, src, dst, surfaceFormat, "present/"+e.Name); err != nil {
		return err
	}
	fr.stats.Passes++
	return nil
}

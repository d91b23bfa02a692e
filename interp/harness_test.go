package interp

import (
	"fmt"
	"image"
	"log/slog"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/framecmd"
)

// basicShader samples one texture tinted by a constant and reads the fixed
// vertex layout.
const basicShader = `
struct VertexInput {
    @location(0) position: vec4<f32>,
    @location(1) normal: vec3<f32>,
    @location(2) uv: vec2<f32>,
}

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) uv: vec2<f32>,
}

@group(0) @binding(0) var albedo: texture_2d<f32>;
@group(1) @binding(0) var<uniform> tint: vec4<f32>;
@group(3) @binding(1) var linear_sampler: sampler;

@vertex
fn vs_main(in: VertexInput) -> VertexOutput {
    var out: VertexOutput;
    out.position = in.position;
    out.uv = in.uv;
    return out;
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    return textureSample(albedo, linear_sampler, in.uv) * tint;
}
`

// fullscreenShader has no vertex inputs and no bindings.
const fullscreenShader = `
@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    let x = f32((i << 1u) & 2u);
    let y = f32(i & 2u);
    return vec4<f32>(x * 2.0 - 1.0, y * 2.0 - 1.0, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.0, 1.0, 1.0);
}
`

// computeShader writes a storage texture.
const computeShader = `
@group(2) @binding(0) var dst: texture_storage_2d<rgba16float, write>;

@compute @workgroup_size(8, 8, 1)
fn cs_main(@builtin(global_invocation_id) id: vec3<u32>) {
    textureStore(dst, vec2<i32>(id.xy), vec4<f32>(1.0, 0.0, 0.0, 1.0));
}
`

const brokenShader = `
@vertex
fn vs_main( -> @builtin(position) vec4<f32> {
`

func testShaders() fstest.MapFS {
	return fstest.MapFS{
		"basic.wgsl":          {Data: []byte(basicShader)},
		"fullscreen.wgsl":     {Data: []byte(fullscreenShader)},
		"effects/blur.wgsl":   {Data: []byte(computeShader)},
		"broken.wgsl":         {Data: []byte(brokenShader)},
		"notes/readme.txt":    {Data: []byte("not a shader")},
		"effects/tonemap.txt": {Data: []byte("not a shader")},
	}
}

// recorder collects the native calls made through the wrapped noop backend.
type recorder struct {
	calls    []string
	creates  map[string]int
	destroys map[string]int

	// lagging keeps submissions incomplete until WaitIdle.
	lagging   bool
	submitted uint64
	completed uint64

	lost     bool
	pipeline *hal.RenderPipelineDescriptor

	// outdated fails that many surface acquisitions.
	outdated int
}

func newRecorder() *recorder {
	return &recorder{creates: make(map[string]int), destroys: make(map[string]int)}
}

func (r *recorder) log(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) create(kind, label string) {
	r.creates[kind]++
	r.log("create %s %s", kind, label)
}

func (r *recorder) destroy(kind, label string) {
	r.destroys[kind]++
	r.log("destroy %s %s", kind, label)
}

// count returns the number of calls starting with prefix.
func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// index returns the position of the first call starting with prefix at or
// after from, or -1.
func (r *recorder) index(prefix string, from int) int {
	for i := max(from, 0); i < len(r.calls); i++ {
		if strings.HasPrefix(r.calls[i], prefix) {
			return i
		}
	}
	return -1
}

// last returns the position of the last call starting with prefix, or -1.
func (r *recorder) last(prefix string) int {
	for i := len(r.calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(r.calls[i], prefix) {
			return i
		}
	}
	return -1
}

func (r *recorder) reset() {
	r.calls = nil
	clear(r.creates)
	clear(r.destroys)
}

type recBackend struct {
	hal.Backend
	r *recorder
}

func (b recBackend) CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error) {
	inst, err := b.Backend.CreateInstance(desc)
	if err != nil {
		return nil, err
	}
	return &recInstance{Instance: inst, r: b.r}, nil
}

type recInstance struct {
	hal.Instance
	r *recorder
}

func (i *recInstance) EnumerateAdapters(s hal.Surface) []hal.ExposedAdapter {
	adapters := i.Instance.EnumerateAdapters(s)
	for k := range adapters {
		adapters[k].Adapter = &recAdapter{Adapter: adapters[k].Adapter, r: i.r}
	}
	return adapters
}

func (i *recInstance) CreateSurface(display, window uintptr) (hal.Surface, error) {
	s, err := i.Instance.CreateSurface(display, window)
	if err != nil {
		return nil, err
	}
	return &recSurface{Surface: s, r: i.r}, nil
}

func (i *recInstance) Destroy() {
	i.r.log("destroy instance")
	i.Instance.Destroy()
}

type recSurface struct {
	hal.Surface
	r *recorder
}

func (s *recSurface) Configure(d hal.Device, cfg *hal.SurfaceConfiguration) error {
	s.r.log("configure %dx%d", cfg.Width, cfg.Height)
	return s.Surface.Configure(d, cfg)
}

func (s *recSurface) AcquireTexture(f hal.Fence) (*hal.AcquiredSurfaceTexture, error) {
	if s.r.outdated > 0 {
		s.r.outdated--
		return nil, hal.ErrSurfaceOutdated
	}
	return s.Surface.AcquireTexture(f)
}

func (s *recSurface) Destroy() {
	s.r.log("destroy surface")
	s.Surface.Destroy()
}

type recAdapter struct {
	hal.Adapter
	r *recorder
}

func (a *recAdapter) Open(f gputypes.Features, l gputypes.Limits) (hal.OpenDevice, error) {
	od, err := a.Adapter.Open(f, l)
	if err != nil {
		return od, err
	}
	od.Device = &recDevice{Device: od.Device, r: a.r, buffers: make(map[hal.Buffer]string)}
	od.Queue = &recQueue{Queue: od.Queue, r: a.r}
	return od, nil
}

func (a *recAdapter) Destroy() {
	a.r.log("destroy adapter")
	a.Adapter.Destroy()
}

// recTexture and recView give the zero-size noop objects an identity.
type recTexture struct {
	hal.Texture
	label string
}

type recView struct {
	hal.TextureView
	label, parent string
}

func textureLabel(t hal.Texture) string {
	if rt, ok := t.(*recTexture); ok {
		return rt.label
	}
	return "surface"
}

type recDevice struct {
	hal.Device
	r       *recorder
	buffers map[hal.Buffer]string
}

func (d *recDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	b, err := d.Device.CreateBuffer(desc)
	if err == nil {
		d.buffers[b] = desc.Label
		d.r.create("buffer", desc.Label)
	}
	return b, err
}

func (d *recDevice) DestroyBuffer(b hal.Buffer) {
	d.r.destroy("buffer", d.buffers[b])
	delete(d.buffers, b)
	d.Device.DestroyBuffer(b)
}

func (d *recDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	t, err := d.Device.CreateTexture(desc)
	if err != nil {
		return nil, err
	}
	d.r.create("texture", desc.Label)
	return &recTexture{Texture: t, label: desc.Label}, nil
}

func (d *recDevice) DestroyTexture(t hal.Texture) {
	d.r.destroy("texture", textureLabel(t))
	d.Device.DestroyTexture(t.(*recTexture).Texture)
}

func (d *recDevice) CreateTextureView(t hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	v, err := d.Device.CreateTextureView(t, desc)
	if err != nil {
		return nil, err
	}
	d.r.create("view", desc.Label)
	return &recView{TextureView: v, label: desc.Label, parent: textureLabel(t)}, nil
}

func (d *recDevice) DestroyTextureView(v hal.TextureView) {
	rv := v.(*recView)
	d.r.destroy("view", rv.parent+" "+rv.label)
	d.Device.DestroyTextureView(rv.TextureView)
}

func (d *recDevice) CreateSampler(desc *hal.SamplerDescriptor) (hal.Sampler, error) {
	d.r.create("sampler", desc.Label)
	return d.Device.CreateSampler(desc)
}

func (d *recDevice) DestroySampler(s hal.Sampler) {
	d.r.destroy("sampler", "")
	d.Device.DestroySampler(s)
}

func (d *recDevice) CreateBindGroupLayout(desc *hal.BindGroupLayoutDescriptor) (hal.BindGroupLayout, error) {
	d.r.create("group layout", desc.Label)
	return d.Device.CreateBindGroupLayout(desc)
}

func (d *recDevice) DestroyBindGroupLayout(l hal.BindGroupLayout) {
	d.r.destroy("group layout", "")
	d.Device.DestroyBindGroupLayout(l)
}

type recBindGroup struct {
	hal.BindGroup
	label string
}

func (d *recDevice) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	d.r.create("bind group", desc.Label)
	g, err := d.Device.CreateBindGroup(desc)
	if err != nil {
		return nil, err
	}
	return &recBindGroup{BindGroup: g, label: desc.Label}, nil
}

func (d *recDevice) DestroyBindGroup(g hal.BindGroup) {
	rg := g.(*recBindGroup)
	d.r.destroy("bind group", rg.label)
	d.Device.DestroyBindGroup(rg.BindGroup)
}

func (d *recDevice) CreatePipelineLayout(desc *hal.PipelineLayoutDescriptor) (hal.PipelineLayout, error) {
	d.r.create("pipeline layout", desc.Label)
	return d.Device.CreatePipelineLayout(desc)
}

func (d *recDevice) DestroyPipelineLayout(l hal.PipelineLayout) {
	d.r.destroy("pipeline layout", "")
	d.Device.DestroyPipelineLayout(l)
}

func (d *recDevice) CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	d.r.create("shader module", desc.Label)
	return d.Device.CreateShaderModule(desc)
}

func (d *recDevice) DestroyShaderModule(m hal.ShaderModule) {
	d.r.destroy("shader module", "")
	d.Device.DestroyShaderModule(m)
}

func (d *recDevice) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	d.r.create("render pipeline", desc.Label)
	d.r.pipeline = desc
	return d.Device.CreateRenderPipeline(desc)
}

func (d *recDevice) DestroyRenderPipeline(p hal.RenderPipeline) {
	d.r.destroy("render pipeline", "")
	d.Device.DestroyRenderPipeline(p)
}

func (d *recDevice) CreateComputePipeline(desc *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	d.r.create("compute pipeline", desc.Label)
	return d.Device.CreateComputePipeline(desc)
}

func (d *recDevice) DestroyComputePipeline(p hal.ComputePipeline) {
	d.r.destroy("compute pipeline", "")
	d.Device.DestroyComputePipeline(p)
}

func (d *recDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	d.r.create("encoder", desc.Label)
	return &recEncoder{CommandEncoder: enc, r: d.r}, nil
}

func (d *recDevice) GetFenceStatus(f hal.Fence) (bool, error) {
	if d.r.lost {
		return false, hal.ErrDeviceLost
	}
	return d.Device.GetFenceStatus(f)
}

func (d *recDevice) WaitIdle() error {
	d.r.log("wait idle")
	d.r.completed = d.r.submitted
	return d.Device.WaitIdle()
}

func (d *recDevice) Destroy() {
	d.r.log("destroy device")
	d.Device.Destroy()
}

type recQueue struct {
	hal.Queue
	r *recorder
}

func (q *recQueue) Submit(cbs []hal.CommandBuffer) (uint64, error) {
	idx, err := q.Queue.Submit(cbs)
	if err != nil {
		return idx, err
	}
	q.r.log("submit %d", idx)
	q.r.submitted = idx
	if !q.r.lagging {
		q.r.completed = idx
	}
	return idx, nil
}

func (q *recQueue) PollCompleted() uint64 { return q.r.completed }

func (q *recQueue) Present(s hal.Surface, t hal.SurfaceTexture, damage []image.Rectangle) error {
	q.r.log("present")
	return q.Queue.Present(s, t, damage)
}

type recEncoder struct {
	hal.CommandEncoder
	r *recorder
}

func (e *recEncoder) Destroy() {
	e.r.destroy("encoder", "")
	e.CommandEncoder.Destroy()
}

func (e *recEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	for _, b := range barriers {
		e.r.log("transition %s %d->%d levels %d+%d", textureLabel(b.Texture),
			b.Usage.OldUsage, b.Usage.NewUsage, b.Range.BaseMipLevel, b.Range.MipLevelCount)
	}
	e.CommandEncoder.TransitionTextures(barriers)
}

func (e *recEncoder) CopyBufferToTexture(src hal.Buffer, dst hal.Texture, regions []hal.BufferTextureCopy) {
	e.r.log("copy to texture %s", textureLabel(dst))
	e.CommandEncoder.CopyBufferToTexture(src, dst, regions)
}

func (e *recEncoder) CopyTextureToBuffer(src hal.Texture, dst hal.Buffer, regions []hal.BufferTextureCopy) {
	e.r.log("copy from texture %s", textureLabel(src))
	e.CommandEncoder.CopyTextureToBuffer(src, dst, regions)
}

func (e *recEncoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	load := "load"
	if len(desc.ColorAttachments) > 0 && desc.ColorAttachments[0].LoadOp == gputypes.LoadOpClear {
		c := desc.ColorAttachments[0].ClearValue
		load = fmt.Sprintf("clear(%g,%g,%g,%g)", c.R, c.G, c.B, c.A)
	}
	if ds := desc.DepthStencilAttachment; ds != nil && ds.DepthLoadOp == gputypes.LoadOpClear {
		load += fmt.Sprintf(" depth(%g)", ds.DepthClearValue)
	}
	e.r.log("begin pass %s %s", desc.Label, load)
	return &recPass{RenderPassEncoder: e.CommandEncoder.BeginRenderPass(desc), r: e.r}
}

func (e *recEncoder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	e.r.log("begin compute %s", desc.Label)
	return &recCompute{ComputePassEncoder: e.CommandEncoder.BeginComputePass(desc), r: e.r}
}

type recPass struct {
	hal.RenderPassEncoder
	r *recorder
}

func (p *recPass) End() {
	p.r.log("end pass")
	p.RenderPassEncoder.End()
}

func (p *recPass) SetPipeline(rp hal.RenderPipeline) {
	p.r.log("set pipeline")
	p.RenderPassEncoder.SetPipeline(rp)
}

func (p *recPass) SetBindGroup(i uint32, g hal.BindGroup, offsets []uint32) {
	p.r.log("set bind group %d", i)
	p.RenderPassEncoder.SetBindGroup(i, g, offsets)
}

func (p *recPass) SetVertexBuffer(slot uint32, b hal.Buffer, off uint64) {
	p.r.log("set vertex buffer")
	p.RenderPassEncoder.SetVertexBuffer(slot, b, off)
}

func (p *recPass) SetIndexBuffer(b hal.Buffer, f gputypes.IndexFormat, off uint64) {
	p.r.log("set index buffer")
	p.RenderPassEncoder.SetIndexBuffer(b, f, off)
}

func (p *recPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	p.r.log("draw %d inst %d", vertexCount, firstInstance)
	p.RenderPassEncoder.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

func (p *recPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	p.r.log("draw indexed %d first %d inst %d", indexCount, firstIndex, firstInstance)
	p.RenderPassEncoder.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
}

type recCompute struct {
	hal.ComputePassEncoder
	r *recorder
}

func (c *recCompute) End() {
	c.r.log("end compute")
	c.ComputePassEncoder.End()
}

func (c *recCompute) Dispatch(x, y, z uint32) {
	c.r.log("dispatch %d %d %d", x, y, z)
	c.ComputePassEncoder.Dispatch(x, y, z)
}

// harness drives an Interpreter over the recording noop backend.
type harness struct {
	t      *testing.T
	r      *recorder
	it     *Interpreter
	fatal  []error
	sleeps []time.Duration
	target *Target
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, r: newRecorder(), target: &Target{}}
	opts := Options{
		Backend: recBackend{Backend: noop.API{}, r: h.r},
		Shaders: testShaders(),
		Logger:  slog.New(slog.DiscardHandler),
		Fatal: func(msg string, err error) {
			h.fatal = append(h.fatal, fmt.Errorf("%s: %w", msg, err))
		},
	}
	for _, f := range configure {
		f(&opts)
	}
	h.it = New(opts)
	h.it.sleep = func(d time.Duration) { h.sleeps = append(h.sleeps, d) }
	t.Cleanup(h.it.Close)
	return h
}

func (h *harness) frame(cmds []framecmd.Command) Frame {
	return Frame{
		AppName:     h.t.Name(),
		Commands:    cmds,
		Target:      h.target,
		Width:       64,
		Height:      64,
		BufferCount: 2,
	}
}

// present runs one frame and fails the test on a fatal error.
func (h *harness) present(cmds ...framecmd.Command) {
	h.t.Helper()
	h.it.Present(h.frame(cmds))
	if len(h.fatal) > 0 {
		h.t.Fatalf("fatal: %v", h.fatal)
	}
}

// presentList runs l as one frame.
func (h *harness) presentList(l *framecmd.List) {
	h.t.Helper()
	h.present(l.Commands()...)
}

// newTestDevice opens a recording noop device for tests of a single
// component.
func newTestDevice(t *testing.T, r *recorder) (hal.Device, hal.Queue) {
	t.Helper()
	inst, err := recBackend{Backend: noop.API{}, r: r}.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("no adapters")
	}
	od, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		od.Device.Destroy()
		inst.Destroy()
	})
	return od.Device, od.Queue
}

func newTestEncoder(t *testing.T, r *recorder) hal.CommandEncoder {
	t.Helper()
	dev, _ := newTestDevice(t, r)
	enc, err := dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "test"})
	if err != nil {
		t.Fatalf("CreateCommandEncoder: %v", err)
	}
	return enc
}

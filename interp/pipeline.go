package interp

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framecmd/internal/spvcache"
)

// BindPoint tells whether a pipeline is bound to render or compute passes.
type BindPoint uint8

const (
	BindGraphics BindPoint = iota
	BindCompute
)

func (b BindPoint) String() string {
	if b == BindCompute {
		return "compute"
	}
	return "graphics"
}

// PipelineFlags are the fixed-function switches captured when a pipeline is
// built. They change only through an update request.
type PipelineFlags struct {
	Cull  bool
	Depth bool
}

// PipelineState is the lifecycle position of a pipeline.
type PipelineState uint8

const (
	PipelineLive PipelineState = iota
	PipelinePendingInvalidation
	PipelineDestroyed
)

func (s PipelineState) String() string {
	switch s {
	case PipelineLive:
		return "live"
	case PipelinePendingInvalidation:
		return "pending_invalidation"
	case PipelineDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Fixed vertex input: position float32x4, normal float32x3, uv float32x2.
const vertexStride = 36

func vertexLayout() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{{
		ArrayStride: vertexStride,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x4, Offset: 0, ShaderLocation: 0},
			{Format: gputypes.VertexFormatFloat32x3, Offset: 16, ShaderLocation: 1},
			{Format: gputypes.VertexFormatFloat32x2, Offset: 28, ShaderLocation: 2},
		},
	}}
}

// Formats every user pipeline renders into.
const (
	colorFormat = gputypes.TextureFormatRGBA16Float
	depthFormat = gputypes.TextureFormatDepth32Float
)

// pipelineTarget describes the attachments a render pipeline draws into.
type pipelineTarget struct {
	Color gputypes.TextureFormat
	Depth bool
}

var userTarget = pipelineTarget{Color: colorFormat, Depth: true}

// Pipeline is one compiled shader bound into a native pipeline together with
// the layouts derived from its declared resources.
type Pipeline struct {
	Name      string
	BindPoint BindPoint
	Flags     PipelineFlags
	Version   uint64
	ModTime   time.Time

	// VertexInputs is set when the vertex stage reads the vertex buffer.
	VertexInputs bool
	Workgroup    [3]uint32

	target  pipelineTarget
	state   PipelineState
	module  hal.ShaderModule
	layout  hal.PipelineLayout
	render  hal.RenderPipeline
	compute hal.ComputePipeline

	groups [groupCount]pipelineGroup
	// ngroups is one past the highest group in the layout.
	ngroups int

	retire retirement
}

type pipelineGroup struct {
	layout   hal.BindGroupLayout
	bindings []shaderBinding
	// static is created with the pipeline for groups whose contents never
	// change: the sampler group and empty filler groups.
	static hal.BindGroup
}

// State returns the pipeline's lifecycle state.
func (p *Pipeline) State() PipelineState { return p.state }

// PipelineStats counts pipeline cache activity.
type PipelineStats struct {
	Live       int
	Pending    int
	Builds     int
	Failures   int
	Invalidate int
	Destroyed  int
}

// PipelineCache resolves shader names to pipelines, building each at most
// once until it is invalidated. Invalidated pipelines are destroyed once
// the last submission that could use them has completed.
type PipelineCache struct {
	device   hal.Device
	compiler *shaderCompiler
	log      *slog.Logger

	samplers [2]hal.Sampler
	live     map[string]*Pipeline
	pending  []*Pipeline
	internal map[string]*Pipeline
	stats    PipelineStats
}

func newPipelineCache(device hal.Device, compiler *shaderCompiler, log *slog.Logger) *PipelineCache {
	return &PipelineCache{
		device:   device,
		compiler: compiler,
		log:      log,
		live:     make(map[string]*Pipeline),
		internal: make(map[string]*Pipeline),
	}
}

// Lookup returns the live pipeline for name without building it.
func (c *PipelineCache) Lookup(name string) (*Pipeline, bool) {
	p, ok := c.live[name]
	return p, ok
}

// Resolve returns the live pipeline for name, building it on first use.
// With isUpdate set, an existing pipeline is invalidated first and the
// source is read again. flags only apply when a pipeline is built.
func (c *PipelineCache) Resolve(name string, flags PipelineFlags, isUpdate bool) (*Pipeline, BindPoint, error) {
	if isUpdate {
		c.Invalidate(name)
	}
	if p, ok := c.live[name]; ok {
		if p.Flags != flags {
			c.log.Debug("pipeline flags ignored until update", "name", name, "built", p.Flags, "requested", flags)
		}
		return p, p.BindPoint, nil
	}

	p, err := c.build(name, flags)
	if err != nil {
		c.stats.Failures++
		return nil, BindGraphics, err
	}
	c.live[name] = p
	c.stats.Builds++
	c.log.Info("created pipeline", "name", name, "bind_point", p.BindPoint,
		"cull", flags.Cull, "depth", flags.Depth, "version", p.Version)
	return p, p.BindPoint, nil
}

// Internal returns a built-in pipeline compiled from text for target. It is
// built once per name and lives until Destroy.
func (c *PipelineCache) Internal(name, text string, target pipelineTarget) (*Pipeline, error) {
	if p, ok := c.internal[name]; ok {
		return p, nil
	}
	src := &shaderSource{Name: name, Path: name, Text: text, Version: spvcache.Key(text)}
	p, err := c.create(src, PipelineFlags{}, target)
	if err != nil {
		return nil, err
	}
	c.internal[name] = p
	c.log.Info("created pipeline", "name", name, "bind_point", p.BindPoint, "format", target.Color)
	return p, nil
}

// Invalidate moves the live pipeline for name to pending invalidation.
func (c *PipelineCache) Invalidate(name string) bool {
	p, ok := c.live[name]
	if !ok {
		return false
	}
	delete(c.live, name)
	p.state = PipelinePendingInvalidation
	c.pending = append(c.pending, p)
	c.stats.Invalidate++
	c.log.Info("pipeline pending invalidation", "name", name)
	return true
}

// InvalidatePath invalidates every live pipeline whose source is path, a
// slash separated path relative to the shader root. It returns the names
// invalidated.
func (c *PipelineCache) InvalidatePath(path string) []string {
	var names []string
	for _, p := range sortedPipelines(c.live) {
		if ShaderPath(p.Name) == path {
			names = append(names, p.Name)
		}
	}
	for _, name := range names {
		c.Invalidate(name)
	}
	return names
}

// HasPending reports whether invalidated pipelines await destruction.
func (c *PipelineCache) HasPending() bool { return len(c.pending) > 0 }

// DestroyCompleted destroys the invalidated pipelines no longer referenced
// by incomplete work and returns how many it destroyed. last is the newest
// submission and completed the newest finished one.
func (c *PipelineCache) DestroyCompleted(last, completed uint64) int {
	kept := c.pending[:0]
	n := 0
	for _, p := range c.pending {
		if !p.retire.done(last, completed) {
			kept = append(kept, p)
			continue
		}
		c.destroyPipeline(p)
		n++
	}
	clear(c.pending[len(kept):])
	c.pending = kept
	return n
}

// Destroy destroys every pipeline and the shared samplers. Objects are
// released by kind across all pipelines: pipelines, then layouts, then
// shader modules.
func (c *PipelineCache) Destroy() {
	all := slices.Concat(c.pending, sortedPipelines(c.live), sortedPipelines(c.internal))

	for _, p := range all {
		c.destroyBindGroups(p)
	}
	for _, p := range all {
		c.destroyNative(p)
	}
	for _, p := range all {
		c.destroyLayouts(p)
	}
	for _, p := range all {
		c.destroyModule(p)
	}
	for i, s := range c.samplers {
		if s != nil {
			c.device.DestroySampler(s)
			c.samplers[i] = nil
		}
	}
	c.pending = nil
	clear(c.live)
	clear(c.internal)
}

func sortedPipelines(m map[string]*Pipeline) []*Pipeline {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]*Pipeline, len(names))
	for i, name := range names {
		out[i] = m[name]
	}
	return out
}

func (c *PipelineCache) destroyPipeline(p *Pipeline) {
	c.destroyBindGroups(p)
	c.destroyNative(p)
	c.destroyLayouts(p)
	c.destroyModule(p)
}

func (c *PipelineCache) destroyBindGroups(p *Pipeline) {
	for i := range p.groups {
		if g := p.groups[i].static; g != nil {
			c.device.DestroyBindGroup(g)
			p.groups[i].static = nil
		}
	}
}

func (c *PipelineCache) destroyNative(p *Pipeline) {
	if p.render != nil {
		c.device.DestroyRenderPipeline(p.render)
		p.render = nil
	}
	if p.compute != nil {
		c.device.DestroyComputePipeline(p.compute)
		p.compute = nil
	}
	p.state = PipelineDestroyed
	c.stats.Destroyed++
	c.log.Info("destroyed pipeline", "name", p.Name)
}

func (c *PipelineCache) destroyLayouts(p *Pipeline) {
	if p.layout != nil {
		c.device.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	for i := range p.groups {
		if l := p.groups[i].layout; l != nil {
			c.device.DestroyBindGroupLayout(l)
			p.groups[i].layout = nil
		}
	}
}

func (c *PipelineCache) destroyModule(p *Pipeline) {
	if p.module != nil {
		c.device.DestroyShaderModule(p.module)
		p.module = nil
	}
}

// Stats returns pipeline cache counters.
func (c *PipelineCache) Stats() PipelineStats {
	s := c.stats
	s.Live = len(c.live)
	s.Pending = len(c.pending)
	return s
}

func (c *PipelineCache) build(name string, flags PipelineFlags) (*Pipeline, error) {
	src, err := c.compiler.Load(name)
	if err != nil {
		return nil, err
	}
	return c.create(src, flags, userTarget)
}

func (c *PipelineCache) create(src *shaderSource, flags PipelineFlags, target pipelineTarget) (*Pipeline, error) {
	m, err := c.compiler.Compile(src)
	if err != nil {
		return nil, err
	}
	if m.HasGeometry {
		c.log.Warn("geometry stage is not supported and is ignored", "name", src.Name)
	}

	p := &Pipeline{
		Name:         src.Name,
		target:       target,
		Flags:        flags,
		Version:      src.Version,
		ModTime:      src.ModTime,
		VertexInputs: m.VertexInputs,
		Workgroup:    m.Workgroup,
	}
	if !m.HasGraphics() {
		p.BindPoint = BindCompute
	}

	if err := c.createNative(p, m, src); err != nil {
		c.destroyPipeline(p)
		return nil, err
	}
	return p, nil
}

func (c *PipelineCache) createNative(p *Pipeline, m *shaderModule, src *shaderSource) error {
	source := hal.ShaderSource{WGSL: src.Text}
	if m.SPIRV != nil {
		source = hal.ShaderSource{SPIRV: m.SPIRV}
	}
	module, err := c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: p.Name, Source: source})
	if err != nil {
		return fmt.Errorf("%w: shader module %s: %w", ErrCompile, p.Name, err)
	}
	p.module = module

	if err := c.createLayouts(p, m.Bindings); err != nil {
		return err
	}

	if p.BindPoint == BindCompute {
		cp, err := c.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:   p.Name,
			Layout:  p.layout,
			Compute: hal.ComputeState{Module: module, EntryPoint: m.Compute},
		})
		if err != nil {
			return fmt.Errorf("%w: compute pipeline %s: %w", ErrCompile, p.Name, err)
		}
		p.compute = cp
		return nil
	}

	desc := &hal.RenderPipelineDescriptor{
		Label:  p.Name,
		Layout: p.layout,
		Vertex: hal.VertexState{
			Module:     module,
			EntryPoint: m.Vertex,
		},
		Fragment: &hal.FragmentState{
			Module:     module,
			EntryPoint: m.Fragment,
			Targets: []gputypes.ColorTargetState{{
				Format:    p.target.Color,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.DefaultMultisampleState(),
	}
	if p.target.Depth {
		desc.DepthStencil = &hal.DepthStencilState{
			Format:       depthFormat,
			DepthCompare: gputypes.CompareFunctionAlways,
		}
	}
	if m.VertexInputs {
		desc.Vertex.Buffers = vertexLayout()
	}
	if p.Flags.Cull {
		desc.Primitive.CullMode = gputypes.CullModeBack
	}
	if p.Flags.Depth && desc.DepthStencil != nil {
		desc.DepthStencil.DepthWriteEnabled = true
		desc.DepthStencil.DepthCompare = gputypes.CompareFunctionLess
	}
	rp, err := c.device.CreateRenderPipeline(desc)
	if err != nil {
		return fmt.Errorf("%w: render pipeline %s: %w", ErrCompile, p.Name, err)
	}
	p.render = rp
	return nil
}

// createLayouts builds one bind group layout per group up to the highest
// declared group, the pipeline layout over them, and the static groups.
func (c *PipelineCache) createLayouts(p *Pipeline, bindings []shaderBinding) error {
	for _, b := range bindings {
		p.groups[b.Group].bindings = append(p.groups[b.Group].bindings, b)
		p.ngroups = max(p.ngroups, int(b.Group)+1)
	}

	layouts := make([]hal.BindGroupLayout, p.ngroups)
	for g := range p.ngroups {
		grp := &p.groups[g]
		slices.SortFunc(grp.bindings, func(a, b shaderBinding) int { return int(a.Binding) - int(b.Binding) })

		entries := make([]gputypes.BindGroupLayoutEntry, len(grp.bindings))
		for i, b := range grp.bindings {
			entries[i] = layoutEntry(b, p.BindPoint)
		}
		l, err := c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s/group%d", p.Name, g),
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("%w: bind group layout %d of %s: %w", ErrAllocation, g, p.Name, err)
		}
		grp.layout = l
		layouts[g] = l
	}

	pl, err := c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.Name,
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return fmt.Errorf("%w: pipeline layout %s: %w", ErrAllocation, p.Name, err)
	}
	p.layout = pl

	for g := range p.ngroups {
		grp := &p.groups[g]
		if g != GroupSamplers && len(grp.bindings) > 0 {
			continue
		}
		entries := make([]gputypes.BindGroupEntry, 0, len(grp.bindings))
		for _, b := range grp.bindings {
			s, err := c.sampler(int(b.Binding))
			if err != nil {
				return err
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding:  b.Binding,
				Resource: gputypes.SamplerBinding{Sampler: s.NativeHandle()},
			})
		}
		bg, err := c.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("%s/static%d", p.Name, g),
			Layout:  grp.layout,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("%w: static bind group %d of %s: %w", ErrAllocation, g, p.Name, err)
		}
		grp.static = bg
	}
	return nil
}

// sampler returns the shared sampler at binding i: 0 nearest, 1 linear.
func (c *PipelineCache) sampler(i int) (hal.Sampler, error) {
	if s := c.samplers[i]; s != nil {
		return s, nil
	}
	filter := gputypes.FilterModeNearest
	label := "sampler_point"
	if i == 1 {
		filter = gputypes.FilterModeLinear
		label = "sampler_linear"
	}
	s, err := c.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        label,
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    filter,
		MinFilter:    filter,
		MipmapFilter: filter,
		LodMaxClamp:  32,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAllocation, label, err)
	}
	c.samplers[i] = s
	c.log.Info("created sampler", "name", label)
	return s, nil
}

func layoutEntry(b shaderBinding, bp BindPoint) gputypes.BindGroupLayoutEntry {
	vis := gputypes.ShaderStagesVertexFragment
	if bp == BindCompute {
		vis = gputypes.ShaderStageCompute
	} else if b.Class == bindStorageTexture {
		vis = gputypes.ShaderStageFragment
	}
	e := gputypes.BindGroupLayoutEntry{Binding: b.Binding, Visibility: vis}
	switch b.Class {
	case bindTexture:
		e.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case bindDepthTexture:
		e.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeDepth,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case bindUniform:
		e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case bindStorageTexture:
		e.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        b.Access,
			Format:        b.Format,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case bindSampler:
		e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	}
	return e
}

// isCompileFailure reports whether err came from loading or compiling a
// shader rather than from native allocation.
func isCompileFailure(err error) bool {
	return errors.Is(err, ErrCompile) || errors.Is(err, ErrNoEntryPoint) || errors.Is(err, ErrBindingLayout)
}

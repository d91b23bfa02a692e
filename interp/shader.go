package interp

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"

	"github.com/gogpu/framecmd/internal/spvcache"
)

// Bind group conventions shared by every user shader. A shader declares
// only the bindings it uses; the binding number is the command slot.
//
//	@group(0) @binding(slot)  texture_2d<f32> or texture_depth_2d  (SetTexture)
//	@group(1) @binding(slot)  var<uniform>                         (SetConstant)
//	@group(2) @binding(slot)  texture_storage_2d<format, access>    (SetTextureUav)
//	@group(3) @binding(0)     sampler, nearest filtering
//	@group(3) @binding(1)     sampler, linear filtering
const (
	GroupTextures  = 0
	GroupConstants = 1
	GroupStorage   = 2
	GroupSamplers  = 3
	groupCount     = 4
)

// Preferred entry point names. When absent, the first entry point of each
// stage is used.
const (
	entryVertex   = "vs_main"
	entryFragment = "fs_main"
	entryCompute  = "cs_main"
	entryGeometry = "gs_main"
)

type bindingClass uint8

const (
	bindTexture bindingClass = iota
	bindDepthTexture
	bindUniform
	bindStorageTexture
	bindSampler
)

func (c bindingClass) String() string {
	switch c {
	case bindTexture:
		return "texture"
	case bindDepthTexture:
		return "depth_texture"
	case bindUniform:
		return "uniform"
	case bindStorageTexture:
		return "storage_texture"
	case bindSampler:
		return "sampler"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// shaderBinding is one resource declared by a shader.
type shaderBinding struct {
	Group, Binding uint32
	Class          bindingClass
	Format         gputypes.TextureFormat
	Access         gputypes.StorageTextureAccess
}

// shaderModule is the backend-independent result of compiling one source.
// It is shared between names whose sources are identical.
type shaderModule struct {
	Vertex, Fragment, Compute string
	Workgroup                 [3]uint32
	HasGeometry               bool
	VertexInputs              bool
	Bindings                  []shaderBinding
	SPIRV                     []uint32
}

// HasGraphics reports whether the module has a vertex and fragment pair.
func (m *shaderModule) HasGraphics() bool { return m.Vertex != "" && m.Fragment != "" }

// shaderSource is one loaded shader file.
type shaderSource struct {
	Name    string
	Path    string
	Text    string
	ModTime time.Time
	Version uint64
}

// ShaderPath maps a shader name to its file path in the shader filesystem.
// Names may carry a leading "./" or "/".
func ShaderPath(name string) string {
	p := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	return p + ".wgsl"
}

// shaderCompiler loads WGSL sources and compiles them through naga.
type shaderCompiler struct {
	fsys     fs.FS
	validate bool
	spirv    bool
	cache    *spvcache.Cache[*shaderModule]
}

func newShaderCompiler(fsys fs.FS, validate, useSPIRV bool) *shaderCompiler {
	return &shaderCompiler{
		fsys:     fsys,
		validate: validate,
		spirv:    useSPIRV,
		cache:    spvcache.New[*shaderModule](64),
	}
}

// Load reads the source of shader name.
func (c *shaderCompiler) Load(name string) (*shaderSource, error) {
	p := ShaderPath(name)
	data, err := fs.ReadFile(c.fsys, p)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCompile, p, err)
	}
	src := &shaderSource{Name: name, Path: p, Text: string(data), Version: spvcache.Key(string(data))}
	if fi, err := fs.Stat(c.fsys, p); err == nil {
		src.ModTime = fi.ModTime()
	}
	return src, nil
}

// Compile compiles src, reusing an earlier result for identical text.
func (c *shaderCompiler) Compile(src *shaderSource) (*shaderModule, error) {
	return c.cache.GetOrCompile(src.Text, func(text string) (*shaderModule, error) {
		return c.compile(src.Path, text)
	})
}

func (c *shaderCompiler) compile(p, text string) (*shaderModule, error) {
	ast, err := naga.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, p, err)
	}
	module, err := naga.LowerWithSource(ast, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, p, err)
	}
	if c.validate {
		verrs, err := naga.Validate(module)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompile, p, err)
		}
		if len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompile, p, verrs[0])
		}
	}

	m := &shaderModule{}
	reflectEntryPoints(module, m)
	if !m.HasGraphics() && m.Compute == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, p)
	}
	if m.Bindings, err = reflectBindings(module); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}

	if c.spirv {
		code, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompile, p, err)
		}
		m.SPIRV = spirvWords(code)
	}
	return m, nil
}

// spirvWords converts SPIR-V bytes into little-endian 32-bit words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}

func reflectEntryPoints(module *ir.Module, m *shaderModule) {
	for i := range module.EntryPoints {
		ep := &module.EntryPoints[i]
		switch ep.Stage {
		case ir.StageVertex:
			if m.Vertex == "" || ep.Name == entryVertex {
				m.Vertex = ep.Name
				m.VertexInputs = hasLocationInputs(module, &ep.Function)
			}
		case ir.StageFragment:
			if m.Fragment == "" || ep.Name == entryFragment {
				m.Fragment = ep.Name
			}
		case ir.StageCompute:
			if m.Compute == "" || ep.Name == entryCompute {
				m.Compute = ep.Name
				m.Workgroup = ep.Workgroup
			}
		}
	}
	// WGSL has no geometry stage; a function carrying the conventional
	// name is reported so the caller can warn about it.
	for i := range module.Functions {
		if module.Functions[i].Name == entryGeometry {
			m.HasGeometry = true
		}
	}
}

// hasLocationInputs reports whether a vertex entry point reads any
// @location input, directly or through a struct argument.
func hasLocationInputs(module *ir.Module, fn *ir.Function) bool {
	for _, arg := range fn.Arguments {
		if isLocation(arg.Binding) {
			return true
		}
		if int(arg.Type) >= len(module.Types) {
			continue
		}
		if st, ok := module.Types[arg.Type].Inner.(ir.StructType); ok {
			for _, mem := range st.Members {
				if isLocation(mem.Binding) {
					return true
				}
			}
		}
	}
	return false
}

func isLocation(b *ir.Binding) bool {
	if b == nil || *b == nil {
		return false
	}
	switch (*b).(type) {
	case ir.LocationBinding, *ir.LocationBinding:
		return true
	}
	return false
}

func reflectBindings(module *ir.Module) ([]shaderBinding, error) {
	var out []shaderBinding
	for i := range module.GlobalVariables {
		gv := &module.GlobalVariables[i]
		if gv.Binding == nil {
			continue
		}
		b := shaderBinding{Group: gv.Binding.Group, Binding: gv.Binding.Binding}
		if int(gv.Type) >= len(module.Types) {
			return nil, fmt.Errorf("%w: %s has an unknown type", ErrBindingLayout, gv.Name)
		}
		inner := module.Types[gv.Type].Inner

		switch {
		case gv.Space == ir.SpaceUniform:
			b.Class = bindUniform
		case gv.Space == ir.SpaceHandle:
			switch t := inner.(type) {
			case ir.SamplerType:
				b.Class = bindSampler
			case ir.ImageType:
				switch t.Class {
				case ir.ImageClassSampled:
					b.Class = bindTexture
				case ir.ImageClassDepth:
					b.Class = bindDepthTexture
				case ir.ImageClassStorage:
					b.Class = bindStorageTexture
					f, ok := storageFormat(t.StorageFormat)
					if !ok {
						return nil, fmt.Errorf("%w: %s uses an unsupported storage format", ErrBindingLayout, gv.Name)
					}
					b.Format = f
					b.Access = storageAccess(t.StorageAccess)
				default:
					return nil, fmt.Errorf("%w: %s has an unsupported image class", ErrBindingLayout, gv.Name)
				}
			default:
				return nil, fmt.Errorf("%w: %s is not a texture or sampler", ErrBindingLayout, gv.Name)
			}
		default:
			return nil, fmt.Errorf("%w: %s uses an unsupported address space", ErrBindingLayout, gv.Name)
		}

		if want := groupFor(b.Class); b.Group != want {
			return nil, fmt.Errorf("%w: %s (%s) must be in @group(%d), found @group(%d)",
				ErrBindingLayout, gv.Name, b.Class, want, b.Group)
		}
		if b.Class == bindSampler && b.Binding > 1 {
			return nil, fmt.Errorf("%w: sampler %s must use @binding(0) or @binding(1)", ErrBindingLayout, gv.Name)
		}
		out = append(out, b)
	}
	return out, nil
}

func groupFor(c bindingClass) uint32 {
	switch c {
	case bindUniform:
		return GroupConstants
	case bindStorageTexture:
		return GroupStorage
	case bindSampler:
		return GroupSamplers
	default:
		return GroupTextures
	}
}

func storageFormat(f ir.StorageFormat) (gputypes.TextureFormat, bool) {
	switch f {
	case ir.StorageFormatRgba16Float:
		return gputypes.TextureFormatRGBA16Float, true
	case ir.StorageFormatRgba8Unorm:
		return gputypes.TextureFormatRGBA8Unorm, true
	case ir.StorageFormatRgba32Float:
		return gputypes.TextureFormatRGBA32Float, true
	case ir.StorageFormatR32Float:
		return gputypes.TextureFormatR32Float, true
	}
	return gputypes.TextureFormatUndefined, false
}

func storageAccess(a ir.StorageAccess) gputypes.StorageTextureAccess {
	switch a {
	case ir.StorageAccessRead:
		return gputypes.StorageTextureAccessReadOnly
	case ir.StorageAccessWrite:
		return gputypes.StorageTextureAccessWriteOnly
	default:
		return gputypes.StorageTextureAccessReadWrite
	}
}

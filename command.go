package framecmd

// Kind identifies the operation a command performs.
type Kind uint8

const (
	KindBarrier Kind = iota
	KindSetRenderTarget
	KindSetTexture
	KindSetTextureUav
	KindSetVertex
	KindSetIndex
	KindSetConstant
	KindSetShader
	KindClear
	KindClearDepth
	KindDrawIndexed
	KindDraw
	KindDispatch
	KindGenerateMipmap
	KindPresent
)

var kindNames = [...]string{
	KindBarrier:         "Barrier",
	KindSetRenderTarget: "SetRenderTarget",
	KindSetTexture:      "SetTexture",
	KindSetTextureUav:   "SetTextureUav",
	KindSetVertex:       "SetVertex",
	KindSetIndex:        "SetIndex",
	KindSetConstant:     "SetConstant",
	KindSetShader:       "SetShader",
	KindClear:           "Clear",
	KindClearDepth:      "ClearDepth",
	KindDrawIndexed:     "DrawIndexed",
	KindDraw:            "Draw",
	KindDispatch:        "Dispatch",
	KindGenerateMipmap:  "GenerateMipmap",
	KindPresent:         "Present",
}

// String returns the command kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// ParseKind returns the Kind whose String form is s.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// Command is implemented by every command struct. A command's resource name
// is the cache key of every resource it touches.
type Command interface {
	// Kind returns the operation this command performs.
	Kind() Kind
	// ResourceName returns the symbolic name the command refers to.
	ResourceName() string
}

// Rect is an integer rectangle in pixels.
type Rect struct {
	X, Y uint32
	W, H uint32
}

// BarrierCommand requests a state transition ahead of the operation that
// needs it. At most one flag is meaningful; with none set nothing happens.
type BarrierCommand struct {
	Name                string
	ToPresent           bool
	ToRenderTarget      bool
	ToTexture           bool
	ToDepthRenderTarget bool
}

func (BarrierCommand) Kind() Kind             { return KindBarrier }
func (c BarrierCommand) ResourceName() string { return c.Name }

// SetRenderTargetCommand makes Name the active color target, creating it
// with a depth companion on first use.
type SetRenderTargetCommand struct {
	Name         string
	Rect         Rect
	IsBackbuffer bool
}

func (SetRenderTargetCommand) Kind() Kind             { return KindSetRenderTarget }
func (c SetRenderTargetCommand) ResourceName() string { return c.Name }

// SetTextureCommand binds Name for sampling at Slot. Data uploads the
// initial contents the first time the texture is created.
type SetTextureCommand struct {
	Name   string
	Rect   Rect
	Slot   uint32
	Data   []byte
	Stride uint32
}

func (SetTextureCommand) Kind() Kind             { return KindSetTexture }
func (c SetTextureCommand) ResourceName() string { return c.Name }

// SetTextureUavCommand binds one mip level of Name for read-write access.
type SetTextureUavCommand struct {
	Name     string
	Rect     Rect
	Slot     uint32
	Data     []byte
	Stride   uint32
	MipLevel uint32
}

func (SetTextureUavCommand) Kind() Kind             { return KindSetTextureUav }
func (c SetTextureUavCommand) ResourceName() string { return c.Name }

// SetVertexCommand binds vertex data laid out as position, normal, uv.
type SetVertexCommand struct {
	Name   string
	Data   []byte
	Stride uint32
}

func (SetVertexCommand) Kind() Kind             { return KindSetVertex }
func (c SetVertexCommand) ResourceName() string { return c.Name }

// SetIndexCommand binds 32-bit index data. Nil Data clears the binding.
type SetIndexCommand struct {
	Name string
	Data []byte
}

func (SetIndexCommand) Kind() Kind             { return KindSetIndex }
func (c SetIndexCommand) ResourceName() string { return c.Name }

// SetConstantCommand writes Data into the uniform buffer Name bound at Slot.
type SetConstantCommand struct {
	Name string
	Slot uint32
	Data []byte
}

func (SetConstantCommand) Kind() Kind             { return KindSetConstant }
func (c SetConstantCommand) ResourceName() string { return c.Name }

// SetShaderCommand selects the pipeline built from shader Name.
type SetShaderCommand struct {
	Name          string
	IsUpdate      bool
	IsCull        bool
	IsEnableDepth bool
}

func (SetShaderCommand) Kind() Kind             { return KindSetShader }
func (c SetShaderCommand) ResourceName() string { return c.Name }

// ClearCommand clears color target Name.
type ClearCommand struct {
	Name  string
	Color [4]float32
}

func (ClearCommand) Kind() Kind             { return KindClear }
func (c ClearCommand) ResourceName() string { return c.Name }

// ClearDepthCommand clears the depth companion of Name.
type ClearDepthCommand struct {
	Name  string
	Value float32
}

func (ClearDepthCommand) Kind() Kind             { return KindClearDepth }
func (c ClearDepthCommand) ResourceName() string { return c.Name }

// DrawIndexedCommand draws Count indices starting at Start.
type DrawIndexedCommand struct {
	Name       string
	Start      uint32
	Count      uint32
	InstanceID uint32
}

func (DrawIndexedCommand) Kind() Kind             { return KindDrawIndexed }
func (c DrawIndexedCommand) ResourceName() string { return c.Name }

// DrawCommand draws VertexCount vertices.
type DrawCommand struct {
	Name        string
	VertexCount uint32
	InstanceID  uint32
}

func (DrawCommand) Kind() Kind             { return KindDraw }
func (c DrawCommand) ResourceName() string { return c.Name }

// DispatchCommand runs the bound compute pipeline over X*Y*Z groups.
type DispatchCommand struct {
	Name    string
	X, Y, Z uint32
}

func (DispatchCommand) Kind() Kind             { return KindDispatch }
func (c DispatchCommand) ResourceName() string { return c.Name }

// GenerateMipmapCommand fills every mip level of Name from level 0.
type GenerateMipmapCommand struct {
	Name string
}

func (GenerateMipmapCommand) Kind() Kind             { return KindGenerateMipmap }
func (c GenerateMipmapCommand) ResourceName() string { return c.Name }

// PresentCommand selects Name as the image shown at the end of the frame.
type PresentCommand struct {
	Name string
}

func (PresentCommand) Kind() Kind             { return KindPresent }
func (c PresentCommand) ResourceName() string { return c.Name }

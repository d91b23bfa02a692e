package framecmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// List builds a command stream. The helpers mirror how producers are expected
// to emit commands: binding a render target or texture first queues the
// barrier that moves it into the matching role.
//
// The zero value is an empty list ready to use. A List is not safe for
// concurrent use.
type List struct {
	cmds []Command
}

// Commands returns the recorded commands. The slice is owned by the List
// until Reset is called.
func (l *List) Commands() []Command { return l.cmds }

// Len returns the number of recorded commands.
func (l *List) Len() int { return len(l.cmds) }

// Reset clears the list, keeping its capacity.
func (l *List) Reset() {
	clear(l.cmds)
	l.cmds = l.cmds[:0]
}

// Append adds raw commands.
func (l *List) Append(cmds ...Command) {
	l.cmds = append(l.cmds, cmds...)
}

// BarrierToPresent queues a transition of name to the present role.
func (l *List) BarrierToPresent(name string) {
	l.Append(BarrierCommand{Name: name, ToPresent: true})
}

// BarrierToRenderTarget queues a transition of name to the render target role.
func (l *List) BarrierToRenderTarget(name string) {
	l.Append(BarrierCommand{Name: name, ToRenderTarget: true})
}

// BarrierToTexture queues a transition of name to the shader-readable role.
func (l *List) BarrierToTexture(name string) {
	l.Append(BarrierCommand{Name: name, ToTexture: true})
}

// BarrierToDepthRenderTarget queues a transition of name to the depth role.
func (l *List) BarrierToDepthRenderTarget(name string) {
	l.Append(BarrierCommand{Name: name, ToDepthRenderTarget: true})
}

// SetRenderTarget binds a w x h color target.
func (l *List) SetRenderTarget(name string, w, h uint32) {
	l.BarrierToRenderTarget(name)
	l.Append(SetRenderTargetCommand{Name: name, Rect: Rect{W: w, H: h}})
}

// SetBackbuffer binds back buffer n as the color target.
func (l *List) SetBackbuffer(n int, w, h uint32) {
	name := BackbufferName(n)
	l.BarrierToRenderTarget(name)
	l.Append(SetRenderTargetCommand{Name: name, Rect: Rect{W: w, H: h}, IsBackbuffer: true})
}

// SetTexture binds a w x h texture at slot. data may be nil when the texture
// is produced on the GPU.
func (l *List) SetTexture(name string, slot, w, h uint32, data []byte, stride uint32) {
	l.BarrierToTexture(name)
	l.Append(SetTextureCommand{Name: name, Rect: Rect{W: w, H: h}, Slot: slot, Data: data, Stride: stride})
}

// SetTextureUav binds mip level of a w x h storage texture at slot.
func (l *List) SetTextureUav(name string, slot, w, h, level uint32, data []byte, stride uint32) {
	l.BarrierToTexture(name)
	l.Append(SetTextureUavCommand{
		Name: name, Rect: Rect{W: w, H: h}, Slot: slot,
		Data: data, Stride: stride, MipLevel: level,
	})
}

// SetVertex binds vertex data with the given stride.
func (l *List) SetVertex(name string, data []byte, stride uint32) {
	l.Append(SetVertexCommand{Name: name, Data: data, Stride: stride})
}

// SetVertices binds float32 vertex data.
func (l *List) SetVertices(name string, v []float32, stride uint32) {
	l.SetVertex(name, Float32Bytes(v), stride)
}

// SetIndex binds 32-bit indices.
func (l *List) SetIndex(name string, indices []uint32) {
	l.Append(SetIndexCommand{Name: name, Data: Uint32Bytes(indices)})
}

// SetConstant writes raw bytes into the uniform buffer bound at slot.
func (l *List) SetConstant(name string, slot uint32, data []byte) {
	l.Append(SetConstantCommand{Name: name, Slot: slot, Data: data})
}

// SetConstantValue encodes v little-endian and binds it at slot.
// v must be a fixed-size value accepted by encoding/binary.
func (l *List) SetConstantValue(name string, slot uint32, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("framecmd: encode constant %q: %w", name, err)
	}
	l.SetConstant(name, slot, buf.Bytes())
	return nil
}

// SetShader selects shader name.
func (l *List) SetShader(name string, isUpdate, isCull, isEnableDepth bool) {
	l.Append(SetShaderCommand{Name: name, IsUpdate: isUpdate, IsCull: isCull, IsEnableDepth: isEnableDepth})
}

// Clear clears color target name.
func (l *List) Clear(name string, r, g, b, a float32) {
	l.Append(ClearCommand{Name: name, Color: [4]float32{r, g, b, a}})
}

// ClearDepth clears the depth companion of name.
func (l *List) ClearDepth(name string, value float32) {
	l.Append(ClearDepthCommand{Name: name, Value: value})
}

// DrawIndexed draws count indices from start.
func (l *List) DrawIndexed(name string, start, count, instanceID uint32) {
	l.Append(DrawIndexedCommand{Name: name, Start: start, Count: count, InstanceID: instanceID})
}

// Draw draws vertexCount vertices.
func (l *List) Draw(name string, vertexCount, instanceID uint32) {
	l.Append(DrawCommand{Name: name, VertexCount: vertexCount, InstanceID: instanceID})
}

// Dispatch runs x*y*z workgroups of the bound compute shader.
func (l *List) Dispatch(name string, x, y, z uint32) {
	l.Append(DispatchCommand{Name: name, X: x, Y: y, Z: z})
}

// GenerateMipmap fills the mip chain of name.
func (l *List) GenerateMipmap(name string) {
	l.Append(GenerateMipmapCommand{Name: name})
}

// Present selects name as the presented image.
func (l *List) Present(name string) {
	l.BarrierToPresent(name)
	l.Append(PresentCommand{Name: name})
}

// Dump writes a one-line description of every command to w.
func (l *List) Dump(w io.Writer) error {
	return Dump(w, l.cmds)
}

// Dump writes a one-line description of every command in cmds to w.
func Dump(w io.Writer, cmds []Command) error {
	for i, c := range cmds {
		if _, err := fmt.Fprintf(w, "%4d %-16s %-24q %s\n", i, c.Kind(), c.ResourceName(), describe(c)); err != nil {
			return err
		}
	}
	return nil
}

func describe(c Command) string {
	switch c := c.(type) {
	case BarrierCommand:
		switch {
		case c.ToPresent:
			return "to=present"
		case c.ToRenderTarget:
			return "to=render_target"
		case c.ToTexture:
			return "to=texture"
		case c.ToDepthRenderTarget:
			return "to=depth_render_target"
		}
		return "to=none"
	case SetRenderTargetCommand:
		return fmt.Sprintf("rect=%dx%d+%d+%d backbuffer=%t", c.Rect.W, c.Rect.H, c.Rect.X, c.Rect.Y, c.IsBackbuffer)
	case SetTextureCommand:
		return fmt.Sprintf("slot=%d size=%dx%d bytes=%d stride=%d", c.Slot, c.Rect.W, c.Rect.H, len(c.Data), c.Stride)
	case SetTextureUavCommand:
		return fmt.Sprintf("slot=%d size=%dx%d mip=%d bytes=%d", c.Slot, c.Rect.W, c.Rect.H, c.MipLevel, len(c.Data))
	case SetVertexCommand:
		return fmt.Sprintf("bytes=%d stride=%d", len(c.Data), c.Stride)
	case SetIndexCommand:
		return fmt.Sprintf("indices=%d", len(c.Data)/4)
	case SetConstantCommand:
		return fmt.Sprintf("slot=%d bytes=%d", c.Slot, len(c.Data))
	case SetShaderCommand:
		return fmt.Sprintf("update=%t cull=%t depth=%t", c.IsUpdate, c.IsCull, c.IsEnableDepth)
	case ClearCommand:
		return fmt.Sprintf("color=%v", c.Color)
	case ClearDepthCommand:
		return fmt.Sprintf("depth=%g", c.Value)
	case DrawIndexedCommand:
		return fmt.Sprintf("start=%d count=%d instance=%d", c.Start, c.Count, c.InstanceID)
	case DrawCommand:
		return fmt.Sprintf("vertices=%d instance=%d", c.VertexCount, c.InstanceID)
	case DispatchCommand:
		return fmt.Sprintf("groups=%dx%dx%d", c.X, c.Y, c.Z)
	}
	return ""
}

// Uint32Bytes encodes v as little-endian bytes.
func Uint32Bytes(v []uint32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 0, len(v)*4)
	for _, x := range v {
		b = binary.LittleEndian.AppendUint32(b, x)
	}
	return b
}

// Float32Bytes encodes v as little-endian bytes.
func Float32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 0, len(v)*4)
	for _, x := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(x))
	}
	return b
}

package interp

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/blit.wgsl
var blitSource string

// blitter copies one texture view into another with a fullscreen triangle
// and linear filtering. It serves present, mipmap generation and capture.
type blitter struct {
	device    hal.Device
	pipelines *PipelineCache
}

func blitPipelineName(f gputypes.TextureFormat) string {
	return "__blit__/" + f.String()
}

// blit records a render pass drawing src into dst. dst must be a single
// level view in format and in the render target state; src must be
// shader readable. The bind group is handed to s.
func (b *blitter) blit(s *Slot, src, dst hal.TextureView, format gputypes.TextureFormat, label string) error {
	p, err := b.pipelines.Internal(blitPipelineName(format), blitSource, pipelineTarget{Color: format})
	if err != nil {
		return fmt.Errorf("blit pipeline %s: %w", format, err)
	}

	bg, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  label,
		Layout: p.groups[GroupTextures].layout,
		Entries: []gputypes.BindGroupEntry{{
			Binding:  0,
			Resource: gputypes.TextureViewBinding{TextureView: src.NativeHandle()},
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: blit bind group %s: %w", ErrAllocation, label, err)
	}
	s.AddBindGroup(bg)

	pass := s.Encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: label,
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:    dst,
			LoadOp:  gputypes.LoadOpClear,
			StoreOp: gputypes.StoreOpStore,
		}},
	})
	pass.SetPipeline(p.render)
	for g := range p.ngroups {
		group := p.groups[g].static
		if g == GroupTextures {
			group = bg
		}
		pass.SetBindGroup(uint32(g), group, nil)
	}
	pass.Draw(3, 1, 0, 0)
	pass.End()
	return nil
}

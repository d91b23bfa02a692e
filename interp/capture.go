package interp

import (
	"fmt"
	"image"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

func captureNames(w, h uint32) (target, readback string) {
	size := fmt.Sprintf("%dx%d", w, h)
	return "__capture_" + size + "__", "__readback_" + size + "__"
}

// Capture reads level 0 of the color texture name back to the CPU. The
// texture is converted to RGBA8 by a blit, so floating point targets are
// clamped. Capture waits for the GPU and must be called between frames.
func (it *Interpreter) Capture(name string) (*image.NRGBA, error) {
	if it.gpu == nil {
		if it.phase == PhaseShutdown {
			return nil, ErrShutdown
		}
		return nil, fmt.Errorf("%w: capture of %q before the first frame", ErrMissingResource, name)
	}
	e, ok := it.resources.Lookup(name)
	if !ok || e.Kind != EntryTexture || e.IsDepth() || e.Usage&gputypes.TextureUsageTextureBinding == 0 {
		return nil, fmt.Errorf("%w: capture of %q, not a sampled color texture", ErrMissingResource, name)
	}

	targetName, readbackName := captureNames(e.Width, e.Height)
	target, err := it.resources.Ensure(targetName, Descriptor{Op: "Capture", Texture: &TextureSpec{
		Width: e.Width, Height: e.Height, MipLevels: 1,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	}})
	if err != nil {
		return nil, err
	}
	pitch := uint32(alignUp(uint64(e.Width)*4, 256))
	size := uint64(pitch) * uint64(e.Height)
	readback, err := it.resources.Ensure(readbackName, Descriptor{Op: "Capture", Buffer: &BufferSpec{
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	}})
	if err != nil {
		return nil, err
	}

	src, err := it.resources.View(e, ViewKey{Purpose: ViewSampledLevel})
	if err != nil {
		return nil, err
	}
	dst, err := it.resources.View(target, ViewKey{Purpose: ViewTarget})
	if err != nil {
		return nil, err
	}

	enc, err := it.gpu.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "capture"})
	if err != nil {
		return nil, fmt.Errorf("%w: capture encoder: %w", ErrAllocation, err)
	}
	s := &Slot{Index: -1, Encoder: enc}
	defer func() {
		it.ring.releaseBindGroups(s)
		enc.Destroy()
	}()

	if err := enc.BeginEncoding("capture/" + name); err != nil {
		return nil, fmt.Errorf("capture %q: %w", name, err)
	}
	it.tracker.Require(enc, e, StateShaderReadable)
	it.tracker.Require(enc, target, StateRenderTarget)
	if err := it.blit.blit(s, src, dst, target.Format, "capture/"+name); err != nil {
		enc.DiscardEncoding()
		return nil, err
	}
	it.tracker.Require(enc, target, StateTransferSource)
	enc.CopyTextureToBuffer(target.Texture, readback.Buffer, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: e.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: target.Texture, Aspect: gputypes.TextureAspectAll},
		Size:         hal.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: 1},
	}})

	cb, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("capture %q: %w", name, err)
	}
	defer it.gpu.device.FreeCommandBuffer(cb)
	if _, err := it.gpu.queue.Submit([]hal.CommandBuffer{cb}); err != nil {
		return nil, classify(fmt.Errorf("capture %q: submit: %w", name, err))
	}
	if err := it.gpu.device.WaitIdle(); err != nil {
		return nil, classify(fmt.Errorf("capture %q: wait: %w", name, err))
	}

	m, err := it.gpu.device.MapBuffer(readback.Buffer, 0, size)
	if err != nil {
		return nil, fmt.Errorf("capture %q: map readback: %w", name, err)
	}
	defer func() {
		if err := it.gpu.device.UnmapBuffer(readback.Buffer); err != nil {
			it.log.Warn("unmap readback buffer", "name", readbackName, "err", err)
		}
	}()
	mapped := unsafe.Slice((*byte)(m.Ptr), size)

	img := image.NewNRGBA(image.Rect(0, 0, int(e.Width), int(e.Height)))
	row := int(e.Width) * 4
	for y := range int(e.Height) {
		copy(img.Pix[y*img.Stride:y*img.Stride+row], mapped[y*int(pitch):])
	}
	it.log.Info("captured texture", "name", name, "width", e.Width, "height", e.Height)
	return img, nil
}

package interp

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// ResourceState is the access role a texture is currently prepared for.
type ResourceState uint8

const (
	StateUndefined ResourceState = iota
	StateRenderTarget
	StateDepthTarget
	StateShaderReadable
	StateStorageReadWrite
	StateTransferSource
	StateTransferDestination
	StatePresentSource
)

var stateNames = [...]string{
	StateUndefined:           "Undefined",
	StateRenderTarget:        "RenderTarget",
	StateDepthTarget:         "DepthTarget",
	StateShaderReadable:      "ShaderReadable",
	StateStorageReadWrite:    "StorageReadWrite",
	StateTransferSource:      "TransferSource",
	StateTransferDestination: "TransferDestination",
	StatePresentSource:       "PresentSource",
}

func (s ResourceState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// Usage returns the texture usage the native layer derives its layout and
// access masks from. The present source is read by the present blit, so it
// shares the sampled usage.
func (s ResourceState) Usage() gputypes.TextureUsage {
	switch s {
	case StateRenderTarget, StateDepthTarget:
		return gputypes.TextureUsageRenderAttachment
	case StateShaderReadable, StatePresentSource:
		return gputypes.TextureUsageTextureBinding
	case StateStorageReadWrite:
		return gputypes.TextureUsageStorageBinding
	case StateTransferSource:
		return gputypes.TextureUsageCopySrc
	case StateTransferDestination:
		return gputypes.TextureUsageCopyDst
	default:
		return 0
	}
}

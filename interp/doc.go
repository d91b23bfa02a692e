// Package interp executes framecmd command lists against a native GPU
// device through the gogpu/wgpu HAL.
//
// # Architecture Overview
//
// One [Interpreter] owns every native object it creates:
//
//   - ResourceCache: textures and buffers keyed by name, created lazily
//     exactly once, with their views
//   - StateTracker: moves textures between roles with minimal transitions
//   - FrameRing: N slots of command encoders and per-frame transients
//   - PipelineCache: WGSL sources compiled through naga into render or
//     compute pipelines, with deferred invalidation
//
// Present runs one frame: acquire a slot, record every command, submit and
// present. Render passes open lazily on the first draw after a target
// change and close whenever a transition, copy or dispatch needs the
// encoder outside a pass.
//
// # Shader Bindings
//
// Pipeline layouts are reflected from the shader source. Groups follow a
// fixed convention:
//
//	@group(0) @binding(slot)  textures set by SetTexture
//	@group(1) @binding(slot)  uniform buffers set by SetConstant
//	@group(2) @binding(slot)  storage textures set by SetTextureUav
//	@group(3) @binding(0)     nearest sampler
//	@group(3) @binding(1)     linear sampler
//
// Entry points are vs_main and fs_main for graphics, cs_main for compute.
// Declared slots the command list leaves empty see placeholder resources.
//
// # Errors
//
// A command naming a missing resource, an out of range slot or a shader
// that fails to build is logged and skipped. Allocation failures and a lost
// device go to [Options.Fatal].
package interp

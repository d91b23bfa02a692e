package interp

import (
	"log/slog"
	"slices"

	"github.com/gogpu/framecmd"
	"github.com/gogpu/wgpu/hal"
)

// BarrierState maps the flags of an explicit barrier command to the state
// it requests. ok is false when no flag is set.
func BarrierState(c framecmd.BarrierCommand) (s ResourceState, ok bool) {
	switch {
	case c.ToPresent:
		return StatePresentSource, true
	case c.ToRenderTarget:
		return StateRenderTarget, true
	case c.ToTexture:
		return StateShaderReadable, true
	case c.ToDepthRenderTarget:
		return StateDepthTarget, true
	}
	return StateUndefined, false
}

// StateTracker emits the transitions that move textures between roles.
// A transition is recorded only when the required state differs from the
// entry's current one.
//
// Explicit barrier commands are held as pending requests and materialized
// when the resource is consumed or, failing that, when the frame ends.
type StateTracker struct {
	log     *slog.Logger
	pending map[string]ResourceState
	emitted uint64
}

func newStateTracker(log *slog.Logger) *StateTracker {
	return &StateTracker{log: log, pending: make(map[string]ResourceState)}
}

// Request records an explicit transition request for name.
func (t *StateTracker) Request(name string, s ResourceState) {
	t.pending[name] = s
}

// Pending returns the outstanding request for name.
func (t *StateTracker) Pending(name string) (ResourceState, bool) {
	s, ok := t.pending[name]
	return s, ok
}

// Needs reports whether consuming e in state s requires a transition.
func (t *StateTracker) Needs(e *Entry, s ResourceState) bool {
	return e.Kind == EntryTexture && e.State != s
}

// Require moves e into state s, emitting at most one barrier into enc.
// Any pending request for e is consumed: the role the resource is used in
// decides its state. It reports whether a barrier was emitted.
func (t *StateTracker) Require(enc hal.CommandEncoder, e *Entry, s ResourceState) bool {
	if p, ok := t.pending[e.Name]; ok {
		delete(t.pending, e.Name)
		if p != s {
			t.log.Debug("barrier request superseded", "name", e.Name, "requested", p, "used_as", s)
		}
	}
	if !t.Needs(e, s) {
		return false
	}
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: e.Texture,
		Range: hal.TextureRange{
			Aspect:          e.aspect(),
			MipLevelCount:   e.MipLevels,
			ArrayLayerCount: 1,
		},
		Usage: hal.TextureUsageTransition{OldUsage: e.State.Usage(), NewUsage: s.Usage()},
	}})
	t.log.Debug("transition", "name", e.Name, "from", e.State, "to", s)
	e.State = s
	t.emitted++
	return true
}

// TransitionLevels emits a barrier for count mip levels of e starting at
// base without touching e.State. Callers that split a texture across
// states must restore a uniform state with Assume afterwards.
func (t *StateTracker) TransitionLevels(enc hal.CommandEncoder, e *Entry, base, count uint32, from, to ResourceState) {
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: e.Texture,
		Range: hal.TextureRange{
			Aspect:          e.aspect(),
			BaseMipLevel:    base,
			MipLevelCount:   count,
			ArrayLayerCount: 1,
		},
		Usage: hal.TextureUsageTransition{OldUsage: from.Usage(), NewUsage: to.Usage()},
	}})
	t.emitted++
}

// Assume records that every level of e is now in state s.
func (t *StateTracker) Assume(e *Entry, s ResourceState) {
	e.State = s
}

// Flush materializes every pending request in name order. Names without an
// entry are dropped. It returns the number of barriers emitted.
func (t *StateTracker) Flush(enc hal.CommandEncoder, lookup func(string) (*Entry, bool)) int {
	names := make([]string, 0, len(t.pending))
	for name := range t.pending {
		names = append(names, name)
	}
	slices.Sort(names)

	n := 0
	for _, name := range names {
		s := t.pending[name]
		e, ok := lookup(name)
		if !ok {
			delete(t.pending, name)
			t.log.Debug("barrier request for unknown resource dropped", "name", name, "state", s)
			continue
		}
		if t.Require(enc, e, s) {
			n++
		}
	}
	return n
}

// Reset drops every pending request.
func (t *StateTracker) Reset() {
	clear(t.pending)
}

// Emitted returns the number of barriers recorded so far.
func (t *StateTracker) Emitted() uint64 { return t.emitted }

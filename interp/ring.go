package interp

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gogpu/wgpu/hal"
)

// WaitResult tells how Acquire obtained a slot.
type WaitResult uint8

const (
	// WaitNone means the slot had never been submitted.
	WaitNone WaitResult = iota
	// WaitAlreadySignaled means the slot's previous work had completed.
	WaitAlreadySignaled
	// WaitBlocked means Acquire had to block until the GPU caught up.
	WaitBlocked
)

func (w WaitResult) String() string {
	switch w {
	case WaitNone:
		return "none"
	case WaitAlreadySignaled:
		return "already_signaled"
	case WaitBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("Unknown(%d)", w)
	}
}

// SlotState is the lifecycle position of a frame slot.
type SlotState uint8

const (
	SlotIdle SlotState = iota
	SlotRecording
	SlotSubmitted
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotRecording:
		return "recording"
	case SlotSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Slot is one frame in flight: a command encoder plus the transient
// objects its recorded work references. Transient objects are released
// only after the slot's submission has completed.
type Slot struct {
	Index   int
	Encoder hal.CommandEncoder

	state      SlotState
	submission uint64
	cmdBufs    []hal.CommandBuffer

	scratch    []hal.Buffer
	bindGroups []hal.BindGroup
	views      []hal.TextureView
}

// State returns the slot's lifecycle state.
func (s *Slot) State() SlotState { return s.state }

// Submission returns the queue submission index of the slot's last frame.
func (s *Slot) Submission() uint64 { return s.submission }

// AddScratch hands a staging buffer to the slot. It is destroyed once the
// slot's work is known complete.
func (s *Slot) AddScratch(b hal.Buffer) { s.scratch = append(s.scratch, b) }

// AddBindGroup hands a per-frame bind group to the slot.
func (s *Slot) AddBindGroup(g hal.BindGroup) { s.bindGroups = append(s.bindGroups, g) }

// AddView hands a per-frame texture view to the slot.
func (s *Slot) AddView(v hal.TextureView) { s.views = append(s.views, v) }

// BindGroups returns the number of bind groups created this frame.
func (s *Slot) BindGroups() int { return len(s.bindGroups) }

// retirement gates the destruction of an invalidated object on the
// submission that last could have used it.
type retirement struct {
	at      uint64
	stamped bool
}

// done stamps r with last on first use and reports whether that submission
// has completed.
func (r *retirement) done(last, completed uint64) bool {
	if !r.stamped {
		r.at, r.stamped = last, true
	}
	return completed >= r.at
}

// FrameRing recycles a fixed number of frame slots round-robin. Acquire
// blocks until the chosen slot's previous submission has completed, which
// caps the work in flight at the ring size.
type FrameRing struct {
	device hal.Device
	queue  hal.Queue
	log    *slog.Logger

	slots []*Slot
	frame uint64
	// last is the newest submission index.
	last uint64
}

func newFrameRing(device hal.Device, queue hal.Queue, n int, log *slog.Logger) (*FrameRing, error) {
	if n < 1 {
		n = 1
	}
	r := &FrameRing{device: device, queue: queue, log: log, slots: make([]*Slot, n)}
	for i := range r.slots {
		enc, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
			Label: "frame_slot_" + strconv.Itoa(i),
		})
		if err != nil {
			r.Destroy()
			return nil, fmt.Errorf("%w: command encoder for slot %d: %w", ErrAllocation, i, err)
		}
		r.slots[i] = &Slot{Index: i, Encoder: enc}
		log.Info("created frame slot", "slot", i)
	}
	return r, nil
}

// Len returns the number of slots.
func (r *FrameRing) Len() int { return len(r.slots) }

// Frame returns the number of slots acquired so far.
func (r *FrameRing) Frame() uint64 { return r.frame }

// Slot returns slot i.
func (r *FrameRing) Slot(i int) *Slot { return r.slots[i] }

// Acquire returns the next slot ready for recording. It waits for the slot's
// previous submission, frees its transient objects, resets its command
// buffers and begins encoding.
func (r *FrameRing) Acquire() (*Slot, WaitResult, error) {
	s := r.slots[r.frame%uint64(len(r.slots))]
	r.frame++

	wait := WaitNone
	if s.state == SlotSubmitted {
		var err error
		if wait, err = r.waitFor(s); err != nil {
			return nil, wait, err
		}
	}
	r.release(s)

	if err := s.Encoder.BeginEncoding("frame_" + strconv.FormatUint(r.frame-1, 10)); err != nil {
		return nil, wait, fmt.Errorf("begin encoding slot %d: %w", s.Index, err)
	}
	s.state = SlotRecording
	r.log.Debug("acquired frame slot", "slot", s.Index, "wait", wait, "frame", r.frame-1)
	return s, wait, nil
}

// waitFor blocks until the submission recorded in s has completed.
func (r *FrameRing) waitFor(s *Slot) (WaitResult, error) {
	if r.queue.PollCompleted() >= s.submission {
		return WaitAlreadySignaled, nil
	}
	if err := r.device.WaitIdle(); err != nil {
		return WaitBlocked, fmt.Errorf("wait for slot %d: %w", s.Index, err)
	}
	if done := r.queue.PollCompleted(); done < s.submission {
		return WaitBlocked, fmt.Errorf("%w: slot %d submission %d still pending after idle wait (completed %d)",
			ErrDeviceLost, s.Index, s.submission, done)
	}
	return WaitBlocked, nil
}

// release frees the transient objects of a slot whose work has completed.
func (r *FrameRing) release(s *Slot) {
	if n := len(s.scratch) + len(s.bindGroups) + len(s.views); n > 0 {
		r.log.Debug("released frame slot transients", "slot", s.Index,
			"scratch", len(s.scratch), "bind_groups", len(s.bindGroups), "views", len(s.views))
	}
	r.releaseBindGroups(s)
	r.releaseViews(s)
	r.releaseScratch(s)
	r.resetCommandBuffers(s)
	s.state = SlotIdle
}

func (r *FrameRing) releaseViews(s *Slot) {
	for _, v := range s.views {
		r.device.DestroyTextureView(v)
	}
	clear(s.views)
	s.views = s.views[:0]
}

func (r *FrameRing) releaseScratch(s *Slot) {
	for _, b := range s.scratch {
		r.device.DestroyBuffer(b)
	}
	clear(s.scratch)
	s.scratch = s.scratch[:0]
}

func (r *FrameRing) releaseBindGroups(s *Slot) {
	for _, g := range s.bindGroups {
		r.device.DestroyBindGroup(g)
	}
	clear(s.bindGroups)
	s.bindGroups = s.bindGroups[:0]
}

func (r *FrameRing) resetCommandBuffers(s *Slot) {
	if len(s.cmdBufs) > 0 {
		s.Encoder.ResetAll(s.cmdBufs)
		s.cmdBufs = s.cmdBufs[:0]
	}
}

// Submit ends encoding of s and submits its command buffer.
func (r *FrameRing) Submit(s *Slot) error {
	cb, err := s.Encoder.EndEncoding()
	if err != nil {
		s.state = SlotIdle
		return fmt.Errorf("end encoding slot %d: %w", s.Index, err)
	}
	s.cmdBufs = append(s.cmdBufs, cb)
	idx, err := r.queue.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		// The command buffer never reached the GPU; it can be reset on the
		// next acquire without waiting.
		s.state = SlotIdle
		return fmt.Errorf("submit slot %d: %w", s.Index, err)
	}
	s.submission = idx
	s.state = SlotSubmitted
	r.last = max(r.last, idx)
	return nil
}

// LastSubmission returns the index of the newest submission.
func (r *FrameRing) LastSubmission() uint64 { return r.last }

// Completed returns the index of the newest submission known complete.
func (r *FrameRing) Completed() uint64 { return r.queue.PollCompleted() }

// Outstanding returns the number of slots whose work may still be running.
func (r *FrameRing) Outstanding() int {
	done := r.queue.PollCompleted()
	n := 0
	for _, s := range r.slots {
		switch s.state {
		case SlotRecording:
			n++
		case SlotSubmitted:
			if s.submission > done {
				n++
			}
		}
	}
	return n
}

// Idle reports whether every submitted slot has completed.
func (r *FrameRing) Idle() bool {
	done := r.queue.PollCompleted()
	for _, s := range r.slots {
		if s.state == SlotRecording || (s.state == SlotSubmitted && s.submission > done) {
			return false
		}
	}
	return true
}

// Abandon discards the recording in s. Its transient objects are kept
// until the slot is acquired again.
func (r *FrameRing) Abandon(s *Slot) {
	if s.state == SlotRecording {
		s.Encoder.DiscardEncoding()
		s.state = SlotIdle
	}
}

// Drain discards any open recording and waits until every submitted slot
// has completed. Transient objects are left for the Release methods.
func (r *FrameRing) Drain() error {
	var waitErr error
	for _, s := range r.slots {
		r.Abandon(s)
		if s.state == SlotSubmitted {
			if _, err := r.waitFor(s); err != nil && waitErr == nil {
				waitErr = err
			}
			s.state = SlotIdle
		}
	}
	return waitErr
}

// ReleaseBindGroups destroys the per-frame bind groups of every slot and
// resets their command buffers. It runs before the views and buffers the
// groups reference are destroyed.
func (r *FrameRing) ReleaseBindGroups() {
	for _, s := range r.slots {
		r.releaseBindGroups(s)
		r.resetCommandBuffers(s)
	}
}

// ReleaseViews destroys the per-frame views of every slot.
func (r *FrameRing) ReleaseViews() {
	for _, s := range r.slots {
		r.releaseViews(s)
	}
}

// ReleaseScratch destroys the staging buffers of every slot.
func (r *FrameRing) ReleaseScratch() {
	for _, s := range r.slots {
		r.releaseScratch(s)
	}
}

// Destroy destroys every slot encoder. Drain must have run first.
func (r *FrameRing) Destroy() {
	for _, s := range r.slots {
		if s == nil {
			continue
		}
		s.Encoder.Destroy()
		r.log.Info("destroyed frame slot", "slot", s.Index)
	}
}

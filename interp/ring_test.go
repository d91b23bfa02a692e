package interp

import (
	"log/slog"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

func newTestRing(t *testing.T, n int) (*FrameRing, *recorder) {
	t.Helper()
	r := newRecorder()
	dev, queue := newTestDevice(t, r)
	ring, err := newFrameRing(dev, queue, n, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newFrameRing: %v", err)
	}
	t.Cleanup(ring.Destroy)
	return ring, r
}

func TestRingRoundRobin(t *testing.T) {
	ring, _ := newTestRing(t, 3)
	for i := range 7 {
		s, _, err := ring.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if s.Index != i%3 {
			t.Errorf("frame %d got slot %d, want %d", i, s.Index, i%3)
		}
		if s.State() != SlotRecording {
			t.Errorf("slot state = %v, want %v", s.State(), SlotRecording)
		}
		if err := ring.Submit(s); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if s.Submission() != uint64(i+1) {
			t.Errorf("submission = %d, want %d", s.Submission(), i+1)
		}
	}
	if got := ring.Frame(); got != 7 {
		t.Errorf("Frame = %d, want 7", got)
	}
}

func TestRingZeroSlotsMeansOne(t *testing.T) {
	ring, r := newTestRing(t, 0)
	if ring.Len() != 1 {
		t.Errorf("Len = %d, want 1", ring.Len())
	}
	if n := r.creates["encoder"]; n != 1 {
		t.Errorf("encoders = %d, want 1", n)
	}
}

func TestRingWaitsForLaggingSlot(t *testing.T) {
	ring, r := newTestRing(t, 2)
	r.lagging = true

	want := []WaitResult{WaitNone, WaitNone, WaitBlocked, WaitAlreadySignaled}
	for i, w := range want {
		s, wait, err := ring.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if wait != w {
			t.Errorf("frame %d wait = %v, want %v", i, wait, w)
		}
		if err := ring.Submit(s); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if out := ring.Outstanding(); out > ring.Len() {
			t.Errorf("outstanding = %d, want <= %d", out, ring.Len())
		}
	}
	if ring.Idle() {
		t.Error("Idle with a lagging submission")
	}
	if err := ring.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !ring.Idle() || ring.Outstanding() != 0 {
		t.Errorf("after Drain idle %v outstanding %d", ring.Idle(), ring.Outstanding())
	}
}

func TestRetirementFollowsSubmissions(t *testing.T) {
	ring, r := newTestRing(t, 2)
	r.lagging = true
	for range 2 {
		s, _, err := ring.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := ring.Submit(s); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if ring.LastSubmission() != 2 || ring.Completed() != 0 {
		t.Fatalf("last %d completed %d, want 2 and 0", ring.LastSubmission(), ring.Completed())
	}

	var ret retirement
	if ret.done(ring.LastSubmission(), ring.Completed()) {
		t.Error("done before its submission completed")
	}
	r.completed = 1
	if ret.done(5, ring.Completed()) {
		t.Error("done with submission 2 still running")
	}
	r.completed = 2
	if !ret.done(9, ring.Completed()) {
		t.Error("not done after submission 2 completed")
	}
}

func TestRingReleasesTransients(t *testing.T) {
	ring, r := newTestRing(t, 1)
	dev := ring.device

	s, _, err := ring.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	buf, err := dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "scratch", Size: 16, Usage: gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	s.AddScratch(buf)
	tex, err := dev.CreateTexture(&hal.TextureDescriptor{
		Label: "target", Size: hal.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		MipLevelCount: 1, SampleCount: 1, Dimension: gputypes.TextureDimension2D,
		Format: gputypes.TextureFormatRGBA8Unorm, Usage: gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	defer dev.DestroyTexture(tex)
	view, err := dev.CreateTextureView(tex, &hal.TextureViewDescriptor{Label: "target level 0"})
	if err != nil {
		t.Fatalf("CreateTextureView: %v", err)
	}
	s.AddView(view)
	bg, err := dev.CreateBindGroup(&hal.BindGroupDescriptor{Label: "frame/group1"})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}
	s.AddBindGroup(bg)
	if err := ring.Submit(s); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := r.destroys["buffer"]; n != 0 {
		t.Fatalf("scratch destroyed before the slot was reused")
	}
	if _, _, err := ring.Acquire(); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if n := r.destroys["buffer"]; n != 1 {
		t.Errorf("scratch buffers destroyed = %d, want 1", n)
	}
	// Bind groups reference the views and buffers, so they go first.
	group := r.index("destroy bind group frame/group1", 0)
	if group < 0 {
		t.Fatal("per-frame bind group not destroyed")
	}
	for _, after := range []string{"destroy view", "destroy buffer"} {
		if i := r.index(after, 0); i < group {
			t.Errorf("%q at %d, want after the bind group at %d", after, i, group)
		}
	}
}

func TestRingAbandon(t *testing.T) {
	ring, _ := newTestRing(t, 2)
	s, _, err := ring.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ring.Abandon(s)
	if s.State() != SlotIdle {
		t.Errorf("state = %v, want %v", s.State(), SlotIdle)
	}
	if !ring.Idle() {
		t.Error("ring not idle after abandoning the only recording")
	}
}

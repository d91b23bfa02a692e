package interp

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framecmd"
	"github.com/gogpu/framecmd/internal/watch"
)

// DefaultCompileFailureDelay is how long a frame stalls after a shader
// fails to compile, so a broken source being edited does not spin.
const DefaultCompileFailureDelay = 500 * time.Millisecond

// FatalFunc is called for unrecoverable failures: native allocation
// failures and a lost device. The default logs and exits the process.
// If it returns, the current frame is abandoned.
type FatalFunc func(msg string, err error)

// Target identifies the native window to present into. A Target with both
// handles zero renders headless: frames are recorded and submitted but
// nothing is presented.
type Target struct {
	Display uintptr
	Window  uintptr
}

// Headless reports whether t has no window to present into.
func (t *Target) Headless() bool { return t == nil || (t.Display == 0 && t.Window == 0) }

// Frame is one call to Present.
type Frame struct {
	AppName  string
	Commands []framecmd.Command
	// Target is the presentation target. A nil Target tears the
	// interpreter down.
	Target *Target

	Width, Height uint32
	// BufferCount is the number of frames in flight. It is read on the
	// first frame only.
	BufferCount int
	// HeapCapacity bounds the bind groups one frame may create. Zero means
	// no bound.
	HeapCapacity int
	// SlotCapacity bounds the slot index of binding commands. Zero means
	// no bound.
	SlotCapacity int
}

// Options configures an Interpreter.
type Options struct {
	// Backend is used as is when set. Otherwise BackendName selects a
	// registered backend, or the best registered one is used.
	Backend     hal.Backend
	BackendName string
	// InstanceFlags are passed to the backend instance.
	InstanceFlags gputypes.InstanceFlags

	// Shaders holds the "<name>.wgsl" sources. It defaults to
	// os.DirFS(ShaderDir).
	Shaders   fs.FS
	ShaderDir string
	// Watch reloads pipelines whose source in ShaderDir changes.
	Watch bool
	// Validate runs naga IR validation on every shader.
	Validate bool
	// SPIRV hands SPIR-V instead of WGSL to the backend. It is implied by
	// the Vulkan backend.
	SPIRV bool

	CompileFailureDelay time.Duration
	Logger              *slog.Logger
	Fatal               FatalFunc
}

// Phase is the position of the interpreter in its frame cycle.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseRenderPassOpen
	PhaseSubmitted
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRecording:
		return "recording"
	case PhaseRenderPassOpen:
		return "render_pass_open"
	case PhaseSubmitted:
		return "submitted"
	case PhaseShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// FrameStats counts the work recorded for one frame.
type FrameStats struct {
	Wait        WaitResult
	Slot        int
	Passes      int
	Draws       int
	Dispatches  int
	BindGroups  int
	Transitions uint64
	Skipped     int
	Presented   string
}

// Stats is a snapshot of interpreter counters.
type Stats struct {
	Frames    uint64
	Phase     Phase
	Resources CacheStats
	Pipelines PipelineStats
	Barriers  uint64
	LastFrame FrameStats
}

// Interpreter executes command lists against a native device. It owns every
// native object it creates. All methods must be called from one goroutine.
type Interpreter struct {
	opts  Options
	log   *slog.Logger
	fatal FatalFunc
	sleep func(time.Duration)

	phase   Phase
	gpu     *gpu
	ring    *FrameRing
	tracker *StateTracker

	resources *ResourceCache
	compiler  *shaderCompiler
	pipelines *PipelineCache
	blit      *blitter
	bindings  *bindingTable
	watcher   *watch.Watcher

	frame     frameState
	frames    uint64
	lastFrame FrameStats
}

// New returns an Interpreter. Native objects are created on the first
// frame.
func New(opts Options) *Interpreter {
	if opts.Logger == nil {
		opts.Logger = slogger()
	}
	if opts.CompileFailureDelay == 0 {
		opts.CompileFailureDelay = DefaultCompileFailureDelay
	}
	if opts.ShaderDir == "" {
		opts.ShaderDir = "."
	}
	if opts.Shaders == nil {
		opts.Shaders = os.DirFS(opts.ShaderDir)
	}
	it := &Interpreter{
		opts:     opts,
		log:      opts.Logger,
		fatal:    opts.Fatal,
		sleep:    time.Sleep,
		bindings: newBindingTable(),
	}
	if it.fatal == nil {
		it.fatal = func(msg string, err error) {
			it.log.Error(msg, "err", err)
			os.Exit(1)
		}
	}
	return it
}

// Phase returns the current phase.
func (it *Interpreter) Phase() Phase { return it.phase }

// Present executes f.Commands as one frame and presents the result. A
// Frame with a nil Target tears the interpreter down. Failures are logged;
// unrecoverable ones go to the fatal hook.
func (it *Interpreter) Present(f Frame) {
	if f.Target == nil {
		it.Close()
		return
	}
	if it.phase == PhaseShutdown {
		it.log.Error("frame presented after shutdown", "app", f.AppName, "err", ErrShutdown)
		return
	}
	if it.gpu == nil {
		if err := it.init(f); err != nil {
			it.fail("interpreter initialization failed", err)
			return
		}
	}
	if err := it.runFrame(f); err != nil {
		it.fail("frame failed", err)
	}
}

// Close drains the GPU and destroys every native object. Later frames are
// rejected. Close is idempotent.
func (it *Interpreter) Close() {
	if it.phase == PhaseShutdown {
		return
	}
	if it.gpu != nil {
		it.teardown()
	}
	it.phase = PhaseShutdown
}

func (it *Interpreter) init(f Frame) error {
	g, err := openGPU(&it.opts, f.Target, it.log)
	if err != nil {
		return err
	}
	it.gpu = g

	useSPIRV := it.opts.SPIRV || g.backend.Variant() == gputypes.BackendVulkan
	it.compiler = newShaderCompiler(it.opts.Shaders, it.opts.Validate, useSPIRV)
	it.resources = newResourceCache(g.device, it.log)
	it.pipelines = newPipelineCache(g.device, it.compiler, it.log)
	it.blit = &blitter{device: g.device, pipelines: it.pipelines}
	it.tracker = newStateTracker(it.log)

	if it.ring, err = newFrameRing(g.device, g.queue, f.BufferCount, it.log); err != nil {
		g.destroy()
		it.gpu = nil
		return err
	}

	if it.opts.Watch {
		w, err := watch.New(it.opts.ShaderDir, it.log)
		if err != nil {
			it.log.Warn("shader hot reload disabled", "dir", it.opts.ShaderDir, "err", err)
		} else {
			it.watcher = w
		}
	}
	it.log.Info("interpreter ready", "app", f.AppName, "frames_in_flight", it.ring.Len(),
		"width", f.Width, "height", f.Height)
	return nil
}

// fail routes an unrecoverable error to the fatal hook.
func (it *Interpreter) fail(msg string, err error) {
	it.log.Error(msg, "err", err, "phase", it.phase)
	it.fatal(msg, err)
}

// recoverable reports whether err only skips the failing command.
func recoverable(err error) bool {
	return errors.Is(err, ErrMissingResource) ||
		errors.Is(err, ErrSlotRange) ||
		errors.Is(err, ErrHeapExhausted) ||
		isCompileFailure(err)
}

// Adapter describes the adapter the device was opened on. It is zero
// before the first frame.
func (it *Interpreter) Adapter() gpucontext.AdapterInfo {
	if it.gpu == nil {
		return gpucontext.AdapterInfo{Type: gpucontext.AdapterTypeUnknown}
	}
	return it.gpu.info()
}

// InvalidateResource drops the cached resource name. It is recreated by
// the next command that names it. Native objects are destroyed once the
// frames that used them have completed.
func (it *Interpreter) InvalidateResource(name string) bool {
	if it.resources == nil {
		return false
	}
	return it.resources.Invalidate(name)
}

// InvalidateShader drops the pipeline built from shader name, as an update
// request would.
func (it *Interpreter) InvalidateShader(name string) bool {
	if it.pipelines == nil {
		return false
	}
	return it.pipelines.Invalidate(name)
}

// Stats returns a snapshot of the interpreter counters.
func (it *Interpreter) Stats() Stats {
	s := Stats{Frames: it.frames, Phase: it.phase, LastFrame: it.lastFrame}
	if it.resources != nil {
		s.Resources = it.resources.Stats()
	}
	if it.pipelines != nil {
		s.Pipelines = it.pipelines.Stats()
	}
	if it.tracker != nil {
		s.Barriers = it.tracker.Emitted()
	}
	return s
}

package interp

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// backendPriority orders backend selection when no backend is requested.
// The CPU backends come last.
var backendPriority = []string{"vulkan", "dx12", "metal", "gl", "software"}

// BackendName returns the registry name of a backend variant. Both CPU
// backends (software and noop) register as the empty variant and are
// reported as "software".
func BackendName(v gputypes.Backend) string {
	if v == gputypes.BackendEmpty {
		return "software"
	}
	return strings.ToLower(v.String())
}

// Backends returns a registry of every backend registered with hal,
// ordered by the default priority. Backends are registered by importing
// their packages, typically through hal/allbackends.
func Backends() *gpucontext.Registry[hal.Backend] {
	reg := gpucontext.NewRegistry[hal.Backend](gpucontext.WithPriority(backendPriority...))
	for _, v := range hal.AvailableBackends() {
		b, ok := hal.GetBackend(v)
		if !ok {
			continue
		}
		reg.Register(BackendName(v), func() hal.Backend { return b })
	}
	return reg
}

// BackendNames lists the registered backends in selection order.
func BackendNames() []string {
	reg := Backends()
	var names []string
	for _, n := range backendPriority {
		if reg.Has(n) {
			names = append(names, n)
		}
	}
	var rest []string
	for _, n := range reg.Available() {
		if !slices.Contains(backendPriority, n) {
			rest = append(rest, n)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}

// gpu owns the native objects below the caches: instance, adapter, device,
// queue and the optional surface.
type gpu struct {
	log *slog.Logger

	backend  hal.Backend
	instance hal.Instance
	adapter  hal.ExposedAdapter
	device   hal.Device
	queue    hal.Queue

	surface    hal.Surface
	configured bool
	width      uint32
	height     uint32

	liveness hal.Fence
}

func selectBackend(opts *Options) (hal.Backend, error) {
	if opts.Backend != nil {
		return opts.Backend, nil
	}
	reg := Backends()
	if opts.BackendName != "" {
		if !reg.Has(opts.BackendName) {
			return nil, fmt.Errorf("%w: %q (available: %s)", ErrNoBackend,
				opts.BackendName, strings.Join(BackendNames(), ", "))
		}
		return reg.Get(opts.BackendName), nil
	}
	if b := reg.Best(); b != nil {
		return b, nil
	}
	return nil, ErrNoBackend
}

// openGPU creates the instance, the surface for target when it has window
// handles, and opens a device on the preferred adapter.
func openGPU(opts *Options, target *Target, log *slog.Logger) (*gpu, error) {
	backend, err := selectBackend(opts)
	if err != nil {
		return nil, err
	}
	g := &gpu{log: log, backend: backend}

	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{
		Backends: gputypes.BackendsAll,
		Flags:    opts.InstanceFlags,
	})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	g.instance = instance

	if !target.Headless() {
		surface, err := instance.CreateSurface(target.Display, target.Window)
		if err != nil {
			g.destroy()
			return nil, fmt.Errorf("create surface: %w", err)
		}
		g.surface = surface
	}

	adapters := instance.EnumerateAdapters(g.surface)
	if len(adapters) == 0 {
		g.destroy()
		return nil, ErrNoAdapter
	}
	g.adapter = pickAdapter(adapters)

	open, err := g.adapter.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		g.destroy()
		return nil, fmt.Errorf("open device on %s: %w", g.adapter.Info.Name, err)
	}
	g.device = open.Device
	g.queue = open.Queue

	if g.liveness, err = g.device.CreateFence(); err != nil {
		g.destroy()
		return nil, fmt.Errorf("%w: status fence: %w", ErrAllocation, err)
	}

	log.Info("opened device",
		"backend", BackendName(backend.Variant()),
		"adapter", g.adapter.Info.Name,
		"type", g.adapter.Info.DeviceType,
		"driver", g.adapter.Info.Driver,
		"headless", target.Headless())
	return g, nil
}

// pickAdapter prefers a discrete GPU, then an integrated one, then the first.
func pickAdapter(adapters []hal.ExposedAdapter) hal.ExposedAdapter {
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return adapters[i]
			}
		}
	}
	return adapters[0]
}

// surfaceFormat is the presentable format the backbuffers are blitted to.
const surfaceFormat = gputypes.TextureFormatBGRA8Unorm

// configure (re)configures the surface for the frame size. It is a no-op
// for headless targets and when the size is unchanged.
func (g *gpu) configure(w, h uint32) error {
	if g.surface == nil || w == 0 || h == 0 {
		return nil
	}
	if g.configured && g.width == w && g.height == h {
		return nil
	}
	err := g.surface.Configure(g.device, &hal.SurfaceConfiguration{
		Width:       w,
		Height:      h,
		Format:      surfaceFormat,
		Usage:       gputypes.TextureUsageRenderAttachment,
		PresentMode: gputypes.PresentModeFifo,
		AlphaMode:   gputypes.CompositeAlphaModeOpaque,
	})
	if err != nil {
		g.configured = false
		return fmt.Errorf("configure surface %dx%d: %w", w, h, err)
	}
	g.configured = true
	g.width, g.height = w, h
	g.log.Info("configured surface", "width", w, "height", h, "format", surfaceFormat)
	return nil
}

// reconfigure forces the next configure call to reapply the configuration.
func (g *gpu) reconfigure() { g.configured = false }

// status checks the device. A lost device is reported as ErrDeviceLost.
func (g *gpu) status() error {
	if _, err := g.device.GetFenceStatus(g.liveness); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps native errors that mean the device is gone to ErrDeviceLost.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrDeviceLost) {
		return err
	}
	if errors.Is(err, hal.ErrDeviceLost) {
		return fmt.Errorf("%w: %w", ErrDeviceLost, err)
	}
	return err
}

func (g *gpu) info() gpucontext.AdapterInfo {
	t := gpucontext.AdapterTypeUnknown
	switch g.adapter.Info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		t = gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		t = gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		t = gpucontext.AdapterTypeSoftware
	}
	if g.backend != nil && g.backend.Variant() == gputypes.BackendEmpty {
		t = gpucontext.AdapterTypeSoftware
	}
	return gpucontext.AdapterInfo{Name: g.adapter.Info.Name, Type: t}
}

// destroy releases the surface, device and instance in that order.
func (g *gpu) destroy() {
	if g.liveness != nil {
		g.device.DestroyFence(g.liveness)
		g.liveness = nil
	}
	if g.surface != nil {
		if g.configured && g.device != nil {
			g.surface.Unconfigure(g.device)
		}
		g.surface.Destroy()
		g.surface = nil
		g.log.Info("destroyed surface")
	}
	if g.device != nil {
		g.device.Destroy()
		g.device = nil
		g.log.Info("destroyed device")
	}
	if g.adapter.Adapter != nil {
		g.adapter.Adapter.Destroy()
		g.adapter.Adapter = nil
	}
	if g.instance != nil {
		g.instance.Destroy()
		g.instance = nil
		g.log.Info("destroyed instance")
	}
}

package interp

import "errors"

var (
	// ErrMissingResource is reported when a command refers to a name that
	// has no cache entry and the command cannot create one.
	ErrMissingResource = errors.New("interp: missing resource")

	// ErrCompile wraps shader parse and lowering failures.
	ErrCompile = errors.New("interp: shader compile failed")

	// ErrNoEntryPoint is returned when a shader has neither a vertex and
	// fragment pair nor a compute entry point.
	ErrNoEntryPoint = errors.New("interp: no usable entry point")

	// ErrBindingLayout is returned for shader resources outside the
	// supported group and binding conventions.
	ErrBindingLayout = errors.New("interp: unsupported shader binding")

	// ErrAllocation wraps native object creation failures.
	ErrAllocation = errors.New("interp: native allocation failed")

	// ErrDeviceLost is reported when the device stops responding.
	ErrDeviceLost = errors.New("interp: device lost")

	// ErrHeapExhausted is reported when a frame creates more bind groups
	// than the heap capacity allows.
	ErrHeapExhausted = errors.New("interp: bind group budget exhausted")

	// ErrSlotRange is returned for a binding slot at or beyond the slot capacity.
	ErrSlotRange = errors.New("interp: slot out of range")

	// ErrNoBackend is returned when no graphics backend is registered.
	ErrNoBackend = errors.New("interp: no graphics backend available")

	// ErrNoAdapter is returned when the backend exposes no adapter.
	ErrNoAdapter = errors.New("interp: no adapter found")

	// ErrShutdown is returned by operations on an interpreter after teardown.
	ErrShutdown = errors.New("interp: interpreter is shut down")
)

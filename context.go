package rtas

import (
	"time"

	"github.com/gogpu/rtas/gpucore"
)

// DeviceContext is the immutable device handle passed to every constructor.
//
// It is a small value: copy it freely. The zero value is not usable.
type DeviceContext struct {
	device       gpucore.Device
	limits       gpucore.Limits
	fenceTimeout time.Duration
}

// NewDeviceContext wraps a device. It panics with a *ProgrammingError if dev
// is nil. A device implementing SetLogger(*slog.Logger) receives the rtas
// logger now and on every later SetLogger call.
func NewDeviceContext(dev gpucore.Device, opts ...ContextOption) DeviceContext {
	if dev == nil {
		programmingError("NewDeviceContext", "nil device")
	}

	o := defaultContextOptions()
	for _, opt := range opts {
		opt(&o)
	}

	limits := dev.Limits()
	if o.limits != nil {
		limits = *o.limits
	}
	if limits.ScratchAlignment == 0 {
		limits.ScratchAlignment = 1
	}
	registerBackend(dev)

	return DeviceContext{
		device:       dev,
		limits:       limits,
		fenceTimeout: o.fenceTimeout,
	}
}

// Device returns the wrapped device.
func (c DeviceContext) Device() gpucore.Device { return c.device }

// Limits returns the effective device limits.
func (c DeviceContext) Limits() gpucore.Limits { return c.limits }

// FenceTimeout returns the bound on blocking fence waits.
func (c DeviceContext) FenceTimeout() time.Duration { return c.fenceTimeout }

// valid reports whether the context was created by NewDeviceContext.
func (c DeviceContext) valid() bool { return c.device != nil }

package native

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
)

// halProvider is implemented by device providers that share their HAL
// device and queue, such as a gogpu application.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider creates a Device on the HAL device and queue of an
// existing provider so structure builds share the application's GPU.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, ErrNoHAL
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, ErrNoHAL
	}
	return New(device, queue, opts...)
}

package native

import (
	"time"

	"github.com/gogpu/rtas/gpucore"
)

// DefaultReadbackTimeout bounds blocking readbacks through the HAL queue.
const DefaultReadbackTimeout = 5 * time.Second

// Option configures a Device during creation.
//
// Example:
//
//	dev, err := native.New(halDevice, halQueue,
//	    native.WithRayTracing(ext),
//	    native.WithMaxBufferSize(256<<20),
//	)
type Option func(*options)

// options holds optional configuration for Device creation.
type options struct {
	limits          gpucore.Limits
	rayTracing      RayTracingExtension
	maxBufferSize   uint64
	readbackTimeout time.Duration
}

// defaultOptions returns the default device options.
func defaultOptions() options {
	return options{
		limits:          gpucore.DefaultLimits(),
		readbackTimeout: DefaultReadbackTimeout,
	}
}

// WithLimits overrides the limits reported by the device.
func WithLimits(l gpucore.Limits) Option {
	return func(o *options) {
		o.limits = l
	}
}

// WithRayTracing installs the extension that builds acceleration structures.
// Without one every RayTracer method fails with gpucore.ErrRayTracingUnsupported.
func WithRayTracing(ext RayTracingExtension) Option {
	return func(o *options) {
		o.rayTracing = ext
	}
}

// WithMaxBufferSize rejects buffers larger than n bytes before they reach
// the HAL. Zero means no limit.
func WithMaxBufferSize(n uint64) Option {
	return func(o *options) {
		o.maxBufferSize = n
	}
}

// WithReadbackTimeout sets how long mapped-range invalidation waits for
// the GPU. Non-positive values are ignored.
func WithReadbackTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readbackTimeout = d
		}
	}
}

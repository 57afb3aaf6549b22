package software

import (
	"github.com/gogpu/rtas/gpucore"
)

// Option configures a Device during creation.
//
// Example:
//
//	dev := software.New(
//	    software.WithDeviceLocalBudget(64<<20),
//	    software.WithCompactionRatio(0.5),
//	)
type Option func(*options)

// SizeModel computes the build sizes reported by Device.BuildSizes.
type SizeModel func(typ gpucore.AccelerationStructureType, flags gpucore.BuildFlags, geometries []gpucore.Geometry, primitiveCounts []uint32) gpucore.BuildSizes

// options holds optional configuration for Device creation.
type options struct {
	limits            gpucore.Limits
	sizeModel         SizeModel
	compactionRatio   float64
	deviceLocalBudget uint64
	deferred          bool
}

// defaultOptions returns the default device options.
func defaultOptions() options {
	return options{
		limits:          gpucore.DefaultLimits(),
		sizeModel:       DefaultSizeModel,
		compactionRatio: DefaultCompactionRatio,
	}
}

// WithLimits overrides the limits reported by the device.
func WithLimits(l gpucore.Limits) Option {
	return func(o *options) {
		o.limits = l
	}
}

// WithSizeModel replaces the build size estimator.
// Tests use it to pin structure sizes to exact values.
func WithSizeModel(m SizeModel) Option {
	return func(o *options) {
		if m != nil {
			o.sizeModel = m
		}
	}
}

// WithCompactionRatio sets the fraction of a structure's conservative size
// reported as its compacted size. Values outside (0, 1] are ignored.
func WithCompactionRatio(r float64) Option {
	return func(o *options) {
		if r > 0 && r <= 1 {
			o.compactionRatio = r
		}
	}
}

// WithDeviceLocalBudget caps the bytes of live device-local buffers.
// Allocations beyond the budget fail with gpucore.ErrOutOfDeviceMemory.
// Zero means unlimited.
func WithDeviceLocalBudget(bytes uint64) Option {
	return func(o *options) {
		o.deviceLocalBudget = bytes
	}
}

// WithDeferredCompletion makes submissions stay pending until a fence wait,
// a blocking query readback, or Complete. Without it every submission
// executes and signals immediately.
func WithDeferredCompletion() Option {
	return func(o *options) {
		o.deferred = true
	}
}

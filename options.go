package rtas

import (
	"time"

	"github.com/gogpu/rtas/gpucore"
)

// DefaultFenceTimeout bounds every blocking fence wait.
const DefaultFenceTimeout = 5 * time.Second

// DefaultBatchThreshold is the cumulative backing size, in bytes, at which a
// bottom-level batch is flushed.
const DefaultBatchThreshold uint64 = 256_000_000

// ContextOption configures a DeviceContext during creation.
//
// Example:
//
//	ctx := rtas.NewDeviceContext(dev, rtas.WithFenceTimeout(time.Second))
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for DeviceContext creation.
type contextOptions struct {
	fenceTimeout time.Duration
	limits       *gpucore.Limits
}

// defaultContextOptions returns the default context options.
func defaultContextOptions() contextOptions {
	return contextOptions{
		fenceTimeout: DefaultFenceTimeout,
	}
}

// WithFenceTimeout sets how long blocking submissions wait for their fence.
// Non-positive values are ignored.
func WithFenceTimeout(d time.Duration) ContextOption {
	return func(o *contextOptions) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}

// WithLimits overrides the limits reported by the device.
// Use it to impose stricter alignment or instance limits than the driver.
func WithLimits(l gpucore.Limits) ContextOption {
	return func(o *contextOptions) {
		o.limits = &l
	}
}

// BuilderOption configures a Builder during creation.
//
// Example:
//
//	b := rtas.NewBuilder(ctx, exec, rtas.WithBatchThreshold(64<<20))
type BuilderOption func(*builderOptions)

// builderOptions holds optional configuration for Builder creation.
type builderOptions struct {
	batchThreshold uint64
	label          string
}

// defaultBuilderOptions returns the default builder options.
func defaultBuilderOptions() builderOptions {
	return builderOptions{
		batchThreshold: DefaultBatchThreshold,
		label:          "rtas",
	}
}

// WithBatchThreshold sets the cumulative structure size at which a
// bottom-level batch is submitted. Zero is ignored.
func WithBatchThreshold(bytes uint64) BuilderOption {
	return func(o *builderOptions) {
		if bytes > 0 {
			o.batchThreshold = bytes
		}
	}
}

// WithLabel sets the prefix of the debug labels given to every resource the
// builder allocates.
func WithLabel(label string) BuilderOption {
	return func(o *builderOptions) {
		if label != "" {
			o.label = label
		}
	}
}

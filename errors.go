package rtas

import (
	"errors"
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// Sentinel errors. Typed errors match their category sentinel with errors.Is.
var (
	// ErrAllocation matches every *AllocationError.
	ErrAllocation = errors.New("rtas: allocation failed")

	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("rtas: invalid build configuration")

	// ErrRange matches every *RangeError.
	ErrRange = errors.New("rtas: range out of bounds")

	// ErrResourceDestroyed is returned when a destroyed resource or executor is used.
	ErrResourceDestroyed = errors.New("rtas: resource destroyed")

	// ErrAddressNotExportable is returned by Address for resources created
	// without gpucore.BufferUsageDeviceAddress.
	ErrAddressNotExportable = errors.New("rtas: resource address not exportable")

	// ErrMissingUsage is returned when a transfer needs a usage flag the
	// resource was not created with.
	ErrMissingUsage = errors.New("rtas: resource usage does not permit operation")

	// ErrNoExecutor is returned by device-local transfers on a resource
	// created without an executor.
	ErrNoExecutor = errors.New("rtas: device-local transfer needs an executor")

	// ErrFenceTimeout is returned when a blocking submission does not complete
	// within the context's fence timeout.
	ErrFenceTimeout = errors.New("rtas: fence wait timed out")

	// ErrInvalidGeometry is returned for malformed geometry descriptions.
	ErrInvalidGeometry = errors.New("rtas: invalid geometry")

	// ErrInvalidInstance is returned for instance fields that do not fit the
	// instance record layout.
	ErrInvalidInstance = errors.New("rtas: invalid instance")

	// ErrNoBottomLevel is returned when an instance references a bottom-level
	// structure index that does not exist.
	ErrNoBottomLevel = errors.New("rtas: instance references unknown bottom-level structure")
)

// AllocationError reports a failed backing-resource allocation.
// When the host-visible fallback was attempted, Err is the fallback failure.
type AllocationError struct {
	Label     string
	Size      uint64
	Usage     gpucore.BufferUsage
	Residency gpucore.Residency
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("rtas: allocate %q (%d bytes, %s, %s): %v", e.Label, e.Size, e.Usage, e.Residency, e.Err)
}

// Unwrap returns the device error.
func (e *AllocationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrAllocation.
func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// ConfigurationError reports an inconsistent set of build flags within one
// build call. Nothing has been submitted when it is returned.
type ConfigurationError struct {
	// Compacted is the number of inputs requesting compaction.
	Compacted int
	// Total is the number of inputs in the call.
	Total int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rtas: %d of %d bottom-level inputs request compaction; compaction must be requested for all or none",
		e.Compacted, e.Total)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// RangeError reports a host transfer outside a resource.
type RangeError struct {
	Offset uint64
	Length uint64
	Size   uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("rtas: range [%d, %d) exceeds resource size %d", e.Offset, e.Offset+e.Length, e.Size)
}

// Is reports whether target is ErrRange.
func (e *RangeError) Is(target error) bool { return target == ErrRange }

// ProgrammingError is the panic value for contract violations by the caller,
// such as updating a top-level structure that was built without
// gpucore.BuildFlagAllowUpdate. It is never returned as an error.
type ProgrammingError struct {
	Op  string
	Msg string
}

func (e *ProgrammingError) Error() string {
	return "rtas: " + e.Op + ": " + e.Msg
}

// programmingError panics with a *ProgrammingError.
func programmingError(op, format string, args ...any) {
	panic(&ProgrammingError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

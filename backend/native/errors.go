package native

import "errors"

// Package errors for the native backend.
var (
	// ErrNilDevice is returned when New is called without a HAL device or queue.
	ErrNilDevice = errors.New("native: HAL device or queue is nil")

	// ErrNoHAL is returned when a device provider does not expose HAL types.
	ErrNoHAL = errors.New("native: provider does not expose HAL device and queue")

	// ErrInvalidState is returned when an object is used in the wrong state.
	ErrInvalidState = errors.New("native: object in invalid state")

	// ErrOutOfRange is returned when a mapped range exceeds its buffer.
	ErrOutOfRange = errors.New("native: range exceeds buffer")

	// ErrFenceTimeout is returned when a blocking wait gives up.
	ErrFenceTimeout = errors.New("native: fence wait timed out")
)

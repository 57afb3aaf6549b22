package gpucore

import (
	"errors"
	"time"
)

// Device errors.
var (
	// ErrOutOfDeviceMemory is returned when a device-local allocation cannot be satisfied.
	ErrOutOfDeviceMemory = errors.New("gpucore: out of device memory")

	// ErrOutOfHostMemory is returned when a host-visible allocation cannot be satisfied.
	ErrOutOfHostMemory = errors.New("gpucore: out of host memory")

	// ErrNotMappable is returned when mapping a buffer that is not host-visible.
	ErrNotMappable = errors.New("gpucore: buffer is not host-visible")

	// ErrUnknownResource is returned when an ID does not name a live object.
	ErrUnknownResource = errors.New("gpucore: unknown resource")

	// ErrInvalidUsage is returned when an operation needs a usage flag the buffer lacks.
	ErrInvalidUsage = errors.New("gpucore: buffer usage does not permit operation")

	// ErrRayTracingUnsupported is returned by backends without acceleration structure support.
	ErrRayTracingUnsupported = errors.New("gpucore: ray tracing is not supported by this device")

	// ErrQueryNotReady is returned by a non-waiting query readback before results are available.
	ErrQueryNotReady = errors.New("gpucore: query results not ready")

	// ErrDeviceLost is returned after an unrecoverable device failure.
	ErrDeviceLost = errors.New("gpucore: device lost")
)

// BufferAllocator creates buffers and gives the host access to them.
type BufferAllocator interface {
	// CreateBuffer allocates a buffer. Allocation failures wrap
	// ErrOutOfDeviceMemory or ErrOutOfHostMemory.
	CreateBuffer(desc *BufferDescriptor) (BufferID, error)

	// DestroyBuffer releases a buffer. Unknown IDs are ignored.
	DestroyBuffer(id BufferID)

	// MapBuffer returns a persistent host view of a host-visible buffer.
	// Device-local buffers return ErrNotMappable.
	MapBuffer(id BufferID) ([]byte, error)

	// UnmapBuffer invalidates the view returned by MapBuffer.
	UnmapBuffer(id BufferID)

	// FlushMappedRange makes host writes to the mapping visible to the GPU.
	FlushMappedRange(id BufferID, offset, size uint64) error

	// InvalidateMappedRange makes GPU writes visible to the mapping.
	InvalidateMappedRange(id BufferID, offset, size uint64) error

	// BufferAddress returns the GPU address of a buffer created with
	// BufferUsageDeviceAddress.
	BufferAddress(id BufferID) (DeviceAddress, error)
}

// CommandQueue records and submits command buffers.
type CommandQueue interface {
	// CreateCommandBuffer allocates a command buffer.
	CreateCommandBuffer(label string) (CommandBufferID, error)

	// FreeCommandBuffer releases a command buffer that is not pending.
	FreeCommandBuffer(id CommandBufferID)

	// BeginCommandBuffer discards previous contents and starts recording.
	BeginCommandBuffer(id CommandBufferID) error

	// EndCommandBuffer finishes recording; the buffer becomes submittable.
	EndCommandBuffer(id CommandBufferID) error

	// CmdCopyBuffer records a buffer-to-buffer copy.
	CmdCopyBuffer(cb CommandBufferID, src, dst BufferID, regions []BufferCopy)

	// CmdPipelineBarrier records a memory barrier.
	CmdPipelineBarrier(cb CommandBufferID, barrier Barrier)

	// CreateFence creates a fence, optionally in the signaled state.
	CreateFence(signaled bool) (FenceID, error)

	// DestroyFence releases a fence.
	DestroyFence(id FenceID)

	// ResetFence returns a fence to the unsignaled state.
	ResetFence(id FenceID) error

	// FenceStatus reports whether a fence has signaled. It never blocks.
	FenceStatus(id FenceID) (bool, error)

	// WaitFence blocks until the fence signals or the timeout elapses.
	// It returns false on timeout.
	WaitFence(id FenceID, timeout time.Duration) (bool, error)

	// CreateSemaphore creates a binary semaphore for GPU-side handoff.
	CreateSemaphore() (SemaphoreID, error)

	// DestroySemaphore releases a semaphore.
	DestroySemaphore(id SemaphoreID)

	// Submit enqueues command buffers on the device queue.
	Submit(info *SubmitInfo) error
}

// RayTracer builds and manages acceleration structures.
type RayTracer interface {
	// BuildSizes estimates storage and scratch requirements for a structure
	// built from geometries with the given per-geometry primitive counts.
	BuildSizes(typ AccelerationStructureType, flags BuildFlags, geometries []Geometry, primitiveCounts []uint32) (BuildSizes, error)

	// CreateAccelerationStructure creates a structure object inside a buffer
	// created with BufferUsageAccelerationStructureStorage.
	CreateAccelerationStructure(desc *AccelerationStructureDescriptor) (AccelerationStructureID, error)

	// DestroyAccelerationStructure releases a structure object (not its buffer).
	DestroyAccelerationStructure(id AccelerationStructureID)

	// AccelerationStructureAddress returns the address referenced by instance records.
	AccelerationStructureAddress(id AccelerationStructureID) (DeviceAddress, error)

	// CmdBuildAccelerationStructures records builds; ranges[i] belongs to infos[i].
	CmdBuildAccelerationStructures(cb CommandBufferID, infos []BuildGeometryInfo, ranges [][]BuildRange)

	// CmdCopyAccelerationStructure records a structure-to-structure copy.
	CmdCopyAccelerationStructure(cb CommandBufferID, src, dst AccelerationStructureID, mode CopyMode)

	// CmdResetQueryPool records a reset of count queries starting at first.
	CmdResetQueryPool(cb CommandBufferID, pool QueryPoolID, first, count uint32)

	// CmdWriteCompactedSizes records compacted-size queries, one per structure,
	// into consecutive slots starting at first.
	CmdWriteCompactedSizes(cb CommandBufferID, structures []AccelerationStructureID, pool QueryPoolID, first uint32)

	// CreateQueryPool creates a pool of compacted-size queries.
	CreateQueryPool(count uint32) (QueryPoolID, error)

	// DestroyQueryPool releases a query pool.
	DestroyQueryPool(id QueryPoolID)

	// QueryResults reads count results starting at first. With wait set it
	// blocks until they are available; otherwise it returns ErrQueryNotReady.
	QueryResults(pool QueryPoolID, first, count uint32, wait bool) ([]uint64, error)
}

// Device is the immutable device capability handle threaded through the
// build engine.
type Device interface {
	BufferAllocator
	CommandQueue
	RayTracer

	// Limits returns the device limits relevant to structure builds.
	Limits() Limits
}

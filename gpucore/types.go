package gpucore

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// Resource IDs
//
// These opaque IDs represent GPU objects. Each backend maintains a mapping
// between IDs and actual native objects. IDs are uint64 to accommodate
// various backend handle sizes.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// AccelerationStructureID is an opaque handle to a ray-tracing acceleration structure.
type AccelerationStructureID uint64

// CommandBufferID is an opaque handle to a command buffer.
type CommandBufferID uint64

// FenceID is an opaque handle to a host-waitable fence.
type FenceID uint64

// SemaphoreID is an opaque handle to a GPU-side semaphore.
type SemaphoreID uint64

// QueryPoolID is an opaque handle to a query pool.
type QueryPoolID uint64

// InvalidID is the zero value, representing an invalid/null object.
const InvalidID = 0

// DeviceAddress is a GPU virtual address of a buffer or acceleration structure.
type DeviceAddress uint64

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 0

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 1

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 2

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 3

	// BufferUsageVertex indicates the buffer can be used as a vertex buffer.
	BufferUsageVertex BufferUsage = 1 << 4

	// BufferUsageIndex indicates the buffer can be used as an index buffer.
	BufferUsageIndex BufferUsage = 1 << 5

	// BufferUsageDeviceAddress indicates the buffer's GPU address can be exported.
	BufferUsageDeviceAddress BufferUsage = 1 << 6

	// BufferUsageAccelerationStructureStorage indicates the buffer backs an acceleration structure.
	BufferUsageAccelerationStructureStorage BufferUsage = 1 << 7

	// BufferUsageAccelerationStructureBuildInput indicates the buffer is read by structure builds
	// (vertices, indices, transforms, instances).
	BufferUsageAccelerationStructureBuildInput BufferUsage = 1 << 8

	// BufferUsageShaderBindingTable indicates the buffer holds shader binding table records.
	BufferUsageShaderBindingTable BufferUsage = 1 << 9
)

var bufferUsageNames = []struct {
	flag BufferUsage
	name string
}{
	{BufferUsageCopySrc, "CopySrc"},
	{BufferUsageCopyDst, "CopyDst"},
	{BufferUsageStorage, "Storage"},
	{BufferUsageUniform, "Uniform"},
	{BufferUsageVertex, "Vertex"},
	{BufferUsageIndex, "Index"},
	{BufferUsageDeviceAddress, "DeviceAddress"},
	{BufferUsageAccelerationStructureStorage, "ASStorage"},
	{BufferUsageAccelerationStructureBuildInput, "ASBuildInput"},
	{BufferUsageShaderBindingTable, "SBT"},
}

// Contains reports whether every flag in other is set in u.
func (u BufferUsage) Contains(other BufferUsage) bool {
	return u&other == other
}

// String returns the flags joined with '|'.
func (u BufferUsage) String() string {
	if u == 0 {
		return "None"
	}
	var parts []string
	for _, n := range bufferUsageNames {
		if u&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := u &^ (BufferUsageShaderBindingTable<<1 - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// HAL translates the usage into WebGPU buffer usage flags.
//
// WebGPU has no dedicated ray-tracing usages; structure storage, build input
// and binding table usages are expressed as storage buffers.
func (u BufferUsage) HAL() gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u&BufferUsageCopySrc != 0 {
		out |= gputypes.BufferUsageCopySrc
	}
	if u&BufferUsageCopyDst != 0 {
		out |= gputypes.BufferUsageCopyDst
	}
	if u&BufferUsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	if u&BufferUsageVertex != 0 {
		out |= gputypes.BufferUsageVertex
	}
	if u&BufferUsageIndex != 0 {
		out |= gputypes.BufferUsageIndex
	}
	if u&(BufferUsageStorage|BufferUsageAccelerationStructureStorage|
		BufferUsageAccelerationStructureBuildInput|BufferUsageShaderBindingTable) != 0 {
		out |= gputypes.BufferUsageStorage
	}
	return out
}

// Residency selects the memory heap backing a buffer.
type Residency uint8

const (
	// ResidencyDeviceLocal is fast GPU memory that cannot be mapped by the host.
	ResidencyDeviceLocal Residency = iota
	// ResidencyHostVisible is host-mappable, coherent memory.
	ResidencyHostVisible
)

// String returns the string representation of Residency.
func (r Residency) String() string {
	switch r {
	case ResidencyDeviceLocal:
		return "DeviceLocal"
	case ResidencyHostVisible:
		return "HostVisible"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage specifies how the buffer will be used.
	Usage BufferUsage

	// Residency selects device-local or host-visible memory.
	Residency Residency
}

// BufferCopy describes one region of a buffer-to-buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// AccelerationStructureType distinguishes bottom-level from top-level structures.
type AccelerationStructureType uint8

const (
	// AccelerationStructureBottomLevel is built over triangles or boxes.
	AccelerationStructureBottomLevel AccelerationStructureType = iota
	// AccelerationStructureTopLevel is built over instances of bottom-level structures.
	AccelerationStructureTopLevel
)

// String returns the string representation of AccelerationStructureType.
func (t AccelerationStructureType) String() string {
	switch t {
	case AccelerationStructureBottomLevel:
		return "BottomLevel"
	case AccelerationStructureTopLevel:
		return "TopLevel"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// GeometryType is the primitive kind of one geometry record.
type GeometryType uint8

const (
	// GeometryTriangles is an indexed triangle soup.
	GeometryTriangles GeometryType = iota
	// GeometryAABBs is a list of axis-aligned bounding boxes.
	GeometryAABBs
	// GeometryInstances is an array of instance records (top-level only).
	GeometryInstances
)

// String returns the string representation of GeometryType.
func (t GeometryType) String() string {
	switch t {
	case GeometryTriangles:
		return "Triangles"
	case GeometryAABBs:
		return "AABBs"
	case GeometryInstances:
		return "Instances"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// GeometryFlags controls any-hit behavior of a geometry record.
type GeometryFlags uint32

const (
	// GeometryFlagOpaque disables any-hit invocation for the geometry.
	GeometryFlagOpaque GeometryFlags = 1 << 0
	// GeometryFlagNoDuplicateAnyHit guarantees any-hit runs once per primitive (alpha-tested geometry).
	GeometryFlagNoDuplicateAnyHit GeometryFlags = 1 << 1
)

// BuildFlags are per-structure build preferences.
type BuildFlags uint32

const (
	// BuildFlagAllowUpdate permits later in-place UPDATE builds.
	BuildFlagAllowUpdate BuildFlags = 1 << 0
	// BuildFlagAllowCompaction permits compacted-size queries and compacting copies.
	BuildFlagAllowCompaction BuildFlags = 1 << 1
	// BuildFlagPreferFastTrace trades build time for traversal speed.
	BuildFlagPreferFastTrace BuildFlags = 1 << 2
	// BuildFlagPreferFastBuild trades traversal speed for build time.
	BuildFlagPreferFastBuild BuildFlags = 1 << 3
	// BuildFlagLowMemory minimizes scratch and result sizes.
	BuildFlagLowMemory BuildFlags = 1 << 4
)

// Has reports whether every flag in other is set in f.
func (f BuildFlags) Has(other BuildFlags) bool {
	return f&other == other
}

// BuildMode selects between a full build and an in-place refit.
type BuildMode uint8

const (
	// BuildModeBuild builds the destination structure from scratch.
	BuildModeBuild BuildMode = iota
	// BuildModeUpdate refits an existing structure in place.
	BuildModeUpdate
)

// String returns the string representation of BuildMode.
func (m BuildMode) String() string {
	switch m {
	case BuildModeBuild:
		return "BUILD"
	case BuildModeUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// CopyMode selects the structure-to-structure copy semantics.
type CopyMode uint8

const (
	// CopyModeClone copies a structure verbatim.
	CopyModeClone CopyMode = iota
	// CopyModeCompact copies a structure into a smaller, compacted destination.
	CopyModeCompact
)

// String returns the string representation of CopyMode.
func (m CopyMode) String() string {
	switch m {
	case CopyModeClone:
		return "Clone"
	case CopyModeCompact:
		return "Compact"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// TrianglesData references an indexed triangle soup in GPU memory.
// Vertex positions are three float32 components; indices are uint32.
type TrianglesData struct {
	VertexData   DeviceAddress
	VertexStride uint64
	MaxVertex    uint32
	IndexData    DeviceAddress

	// TransformData is an optional 3x4 row-major transform; zero means identity.
	TransformData DeviceAddress
}

// AABBsData references a list of bounding boxes (six float32 each).
type AABBsData struct {
	Data   DeviceAddress
	Stride uint64
}

// InstancesData references an array of 64-byte instance records.
type InstancesData struct {
	Data DeviceAddress
}

// Geometry is one typed primitive batch consumed by a structure build.
// Only the member matching Type is read.
type Geometry struct {
	Type      GeometryType
	Flags     GeometryFlags
	Triangles TrianglesData
	AABBs     AABBsData
	Instances InstancesData
}

// BuildRange selects the primitives of one geometry taking part in a build.
type BuildRange struct {
	PrimitiveCount  uint32
	PrimitiveOffset uint32
	FirstVertex     uint32
	TransformOffset uint32
}

// BuildSizes is the driver's estimate for building one structure.
type BuildSizes struct {
	AccelerationStructureSize uint64
	UpdateScratchSize         uint64
	BuildScratchSize          uint64
}

// BuildGeometryInfo describes one structure build or update command.
type BuildGeometryInfo struct {
	Type       AccelerationStructureType
	Flags      BuildFlags
	Mode       BuildMode
	Src        AccelerationStructureID // read for BuildModeUpdate
	Dst        AccelerationStructureID
	Geometries []Geometry
	Scratch    DeviceAddress
}

// AccelerationStructureDescriptor places a structure inside a buffer.
type AccelerationStructureDescriptor struct {
	Label  string
	Type   AccelerationStructureType
	Buffer BufferID
	Offset uint64
	Size   uint64
}

// Access is a bitmask of memory access kinds used by pipeline barriers.
type Access uint32

const (
	AccessTransferRead Access = 1 << iota
	AccessTransferWrite
	AccessAccelerationStructureRead
	AccessAccelerationStructureWrite
	AccessShaderRead
	AccessHostRead
	AccessHostWrite
)

// Barrier orders the accesses recorded before it against those recorded after it.
type Barrier struct {
	SrcAccess Access
	DstAccess Access
}

// SubmitInfo is one queue submission.
type SubmitInfo struct {
	CommandBuffers   []CommandBufferID
	WaitSemaphores   []SemaphoreID
	SignalSemaphores []SemaphoreID

	// Fence, if not InvalidID, is signaled when all command buffers complete.
	Fence FenceID
}

// Limits holds the device properties the build engine needs to size buffers.
type Limits struct {
	// ScratchAlignment is the required alignment of scratch buffer addresses.
	ScratchAlignment uint64

	// MaxInstanceCount is the maximum number of instances in one top-level structure.
	MaxInstanceCount uint64

	// MaxPrimitiveCount is the maximum number of primitives in one bottom-level structure.
	MaxPrimitiveCount uint64
}

// DefaultLimits returns conservative limits matching common desktop drivers.
func DefaultLimits() Limits {
	return Limits{
		ScratchAlignment:  128,
		MaxInstanceCount:  1 << 24,
		MaxPrimitiveCount: 1 << 29,
	}
}

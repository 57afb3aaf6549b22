package native

import (
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// RayTracingCommandKind identifies a recorded acceleration structure command.
type RayTracingCommandKind uint8

const (
	RayTracingBuild RayTracingCommandKind = iota
	RayTracingCopy
	RayTracingResetQueries
	RayTracingWriteCompactedSizes
)

// String returns the string representation of RayTracingCommandKind.
func (k RayTracingCommandKind) String() string {
	switch k {
	case RayTracingBuild:
		return "Build"
	case RayTracingCopy:
		return "Copy"
	case RayTracingResetQueries:
		return "ResetQueries"
	case RayTracingWriteCompactedSizes:
		return "WriteCompactedSizes"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// RayTracingCommand is an acceleration structure command recorded into a
// command buffer and handed to the extension at submit time. Fields not
// meaningful for Kind are zero.
type RayTracingCommand struct {
	Kind RayTracingCommandKind

	// Infos and Ranges describe builds; Ranges[i] belongs to Infos[i].
	Infos  []gpucore.BuildGeometryInfo
	Ranges [][]gpucore.BuildRange

	// Src, Dst and Mode describe structure copies.
	Src  gpucore.AccelerationStructureID
	Dst  gpucore.AccelerationStructureID
	Mode gpucore.CopyMode

	// Structures, Pool, First and Count describe query commands.
	Structures []gpucore.AccelerationStructureID
	Pool       gpucore.QueryPoolID
	First      uint32
	Count      uint32
}

// RayTracingExtension builds acceleration structures on behalf of a Device.
//
// WebGPU has no ray-tracing API, so structure work is delegated to an
// extension bound to the same physical queue as the HAL device (for
// example a Vulkan KHR acceleration structure shim). Buffer IDs and
// addresses passed to the extension are the Device's own.
type RayTracingExtension interface {
	BuildSizes(typ gpucore.AccelerationStructureType, flags gpucore.BuildFlags, geometries []gpucore.Geometry, primitiveCounts []uint32) (gpucore.BuildSizes, error)
	CreateAccelerationStructure(desc *gpucore.AccelerationStructureDescriptor) (gpucore.AccelerationStructureID, error)
	DestroyAccelerationStructure(id gpucore.AccelerationStructureID)
	AccelerationStructureAddress(id gpucore.AccelerationStructureID) (gpucore.DeviceAddress, error)
	CreateQueryPool(count uint32) (gpucore.QueryPoolID, error)
	DestroyQueryPool(id gpucore.QueryPoolID)
	QueryResults(pool gpucore.QueryPoolID, first, count uint32, wait bool) ([]uint64, error)

	// Execute enqueues commands after all HAL work submitted so far.
	// It runs with the Device locked and must not call back into it.
	Execute(cmds []RayTracingCommand) error
}

// === gpucore.RayTracer ===

// extension returns the installed extension or ErrRayTracingUnsupported.
func (d *Device) extension() (RayTracingExtension, error) {
	if d.opts.rayTracing == nil {
		return nil, gpucore.ErrRayTracingUnsupported
	}
	return d.opts.rayTracing, nil
}

// BuildSizes forwards the size query to the extension.
func (d *Device) BuildSizes(typ gpucore.AccelerationStructureType, flags gpucore.BuildFlags, geometries []gpucore.Geometry, primitiveCounts []uint32) (gpucore.BuildSizes, error) {
	ext, err := d.extension()
	if err != nil {
		return gpucore.BuildSizes{}, err
	}
	return ext.BuildSizes(typ, flags, geometries, primitiveCounts)
}

// CreateAccelerationStructure checks the backing buffer and forwards to
// the extension.
func (d *Device) CreateAccelerationStructure(desc *gpucore.AccelerationStructureDescriptor) (gpucore.AccelerationStructureID, error) {
	ext, err := d.extension()
	if err != nil {
		return gpucore.InvalidID, err
	}
	if desc == nil {
		return gpucore.InvalidID, fmt.Errorf("%w: nil structure descriptor", ErrInvalidState)
	}

	d.mu.Lock()
	b, ok := d.buffers[desc.Buffer]
	d.mu.Unlock()

	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, desc.Buffer)
	}
	if !b.desc.Usage.Contains(gpucore.BufferUsageAccelerationStructureStorage) {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer %q lacks structure storage usage", gpucore.ErrInvalidUsage, b.desc.Label)
	}
	if desc.Offset+desc.Size > b.desc.Size {
		return gpucore.InvalidID, fmt.Errorf("%w: structure [%d, %d) in %d-byte buffer %q",
			ErrOutOfRange, desc.Offset, desc.Offset+desc.Size, b.desc.Size, b.desc.Label)
	}
	return ext.CreateAccelerationStructure(desc)
}

// DestroyAccelerationStructure forwards to the extension.
func (d *Device) DestroyAccelerationStructure(id gpucore.AccelerationStructureID) {
	if ext, err := d.extension(); err == nil {
		ext.DestroyAccelerationStructure(id)
	}
}

// AccelerationStructureAddress forwards to the extension.
func (d *Device) AccelerationStructureAddress(id gpucore.AccelerationStructureID) (gpucore.DeviceAddress, error) {
	ext, err := d.extension()
	if err != nil {
		return 0, err
	}
	return ext.AccelerationStructureAddress(id)
}

// CreateQueryPool forwards to the extension.
func (d *Device) CreateQueryPool(count uint32) (gpucore.QueryPoolID, error) {
	ext, err := d.extension()
	if err != nil {
		return gpucore.InvalidID, err
	}
	return ext.CreateQueryPool(count)
}

// DestroyQueryPool forwards to the extension.
func (d *Device) DestroyQueryPool(id gpucore.QueryPoolID) {
	if ext, err := d.extension(); err == nil {
		ext.DestroyQueryPool(id)
	}
}

// QueryResults forwards to the extension.
func (d *Device) QueryResults(pool gpucore.QueryPoolID, first, count uint32, wait bool) ([]uint64, error) {
	ext, err := d.extension()
	if err != nil {
		return nil, err
	}
	return ext.QueryResults(pool, first, count, wait)
}

// CmdBuildAccelerationStructures records structure builds.
func (d *Device) CmdBuildAccelerationStructures(cb gpucore.CommandBufferID, infos []gpucore.BuildGeometryInfo, ranges [][]gpucore.BuildRange) {
	cmd := RayTracingCommand{
		Kind:   RayTracingBuild,
		Infos:  append([]gpucore.BuildGeometryInfo(nil), infos...),
		Ranges: make([][]gpucore.BuildRange, len(ranges)),
	}
	for i, r := range ranges {
		cmd.Ranges[i] = append([]gpucore.BuildRange(nil), r...)
	}
	d.recordRayTracing(cb, cmd)
}

// CmdCopyAccelerationStructure records a structure copy.
func (d *Device) CmdCopyAccelerationStructure(cb gpucore.CommandBufferID, src, dst gpucore.AccelerationStructureID, mode gpucore.CopyMode) {
	d.recordRayTracing(cb, RayTracingCommand{Kind: RayTracingCopy, Src: src, Dst: dst, Mode: mode})
}

// CmdResetQueryPool records a query reset.
func (d *Device) CmdResetQueryPool(cb gpucore.CommandBufferID, pool gpucore.QueryPoolID, first, count uint32) {
	d.recordRayTracing(cb, RayTracingCommand{Kind: RayTracingResetQueries, Pool: pool, First: first, Count: count})
}

// CmdWriteCompactedSizes records compacted-size queries.
func (d *Device) CmdWriteCompactedSizes(cb gpucore.CommandBufferID, structures []gpucore.AccelerationStructureID, pool gpucore.QueryPoolID, first uint32) {
	d.recordRayTracing(cb, RayTracingCommand{
		Kind:       RayTracingWriteCompactedSizes,
		Structures: append([]gpucore.AccelerationStructureID(nil), structures...),
		Pool:       pool,
		First:      first,
		Count:      uint32(len(structures)),
	})
}

// recordRayTracing appends a structure command, failing the command buffer
// when no extension is installed.
func (d *Device) recordRayTracing(cb gpucore.CommandBufferID, cmd RayTracingCommand) {
	if _, err := d.extension(); err != nil {
		d.fail(cb, fmt.Errorf("%s: %w", cmd.Kind, err))
		return
	}
	d.record(cb, command{rt: &cmd})
}

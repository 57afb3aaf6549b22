package rtas

import (
	"errors"
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// ResourceDescriptor describes a resource to create.
type ResourceDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the resource size in bytes.
	Size uint64

	// Usage is the immutable usage set.
	Usage gpucore.BufferUsage

	// Residency is the requested memory heap. Device-local acceleration
	// structure storage may end up host-visible; see NewResource.
	Residency gpucore.Residency
}

// Resource exclusively owns one device buffer.
//
// Host-visible resources are persistently mapped. Device-local resources are
// never mapped: Write and Read go through a host-visible staging shadow that
// is created on first use and copied with a blocking submission on the
// resource's executor.
//
// Resource is not safe for concurrent use.
type Resource struct {
	ctx  DeviceContext
	exec *Executor

	desc    ResourceDescriptor // Residency is the effective residency
	id      gpucore.BufferID
	mapping []byte

	staging *Resource

	destroyed bool
}

// NewResource allocates a resource. exec is used for device-local transfers
// and may be nil for resources that are never written or read by the host.
//
// Allocation failures return an *AllocationError. When a device-local
// allocation with gpucore.BufferUsageAccelerationStructureStorage fails
// with gpucore.ErrOutOfDeviceMemory, the allocation is retried once with
// host-visible residency; Residency reports the outcome. No other usage
// falls back.
func NewResource(ctx DeviceContext, exec *Executor, desc *ResourceDescriptor) (*Resource, error) {
	if !ctx.valid() {
		programmingError("NewResource", "zero DeviceContext")
	}
	if desc == nil {
		programmingError("NewResource", "nil descriptor")
	}

	r := &Resource{ctx: ctx, exec: exec, desc: *desc}
	if err := r.allocate(); err != nil {
		return nil, err
	}
	return r, nil
}

// allocate creates and maps the buffer described by r.desc, applying the
// host-visible fallback. On success r.desc.Residency is the effective
// residency.
func (r *Resource) allocate() error {
	dev := r.ctx.device
	bd := gpucore.BufferDescriptor{
		Label:     r.desc.Label,
		Size:      r.desc.Size,
		Usage:     r.desc.Usage,
		Residency: r.desc.Residency,
	}

	id, err := dev.CreateBuffer(&bd)
	if err != nil && fallsBackToHost(&bd, err) {
		slogger().Warn("rtas: device memory exhausted, retrying with host-visible memory",
			"label", bd.Label, "size", bd.Size, "err", err)
		bd.Residency = gpucore.ResidencyHostVisible
		id, err = dev.CreateBuffer(&bd)
	}
	if err != nil {
		return &AllocationError{
			Label:     bd.Label,
			Size:      bd.Size,
			Usage:     bd.Usage,
			Residency: bd.Residency,
			Err:       err,
		}
	}

	var mapping []byte
	if bd.Residency == gpucore.ResidencyHostVisible {
		mapping, err = dev.MapBuffer(id)
		if err != nil {
			dev.DestroyBuffer(id)
			return &AllocationError{
				Label:     bd.Label,
				Size:      bd.Size,
				Usage:     bd.Usage,
				Residency: bd.Residency,
				Err:       fmt.Errorf("map: %w", err),
			}
		}
	}

	r.id = id
	r.mapping = mapping
	r.desc.Residency = bd.Residency
	return nil
}

// fallsBackToHost reports whether a failed allocation qualifies for the
// single host-visible retry.
func fallsBackToHost(bd *gpucore.BufferDescriptor, err error) bool {
	return bd.Residency == gpucore.ResidencyDeviceLocal &&
		bd.Usage.Contains(gpucore.BufferUsageAccelerationStructureStorage) &&
		errors.Is(err, gpucore.ErrOutOfDeviceMemory)
}

// ID returns the device buffer.
func (r *Resource) ID() gpucore.BufferID { return r.id }

// Label returns the debug label.
func (r *Resource) Label() string { return r.desc.Label }

// Size returns the size in bytes.
func (r *Resource) Size() uint64 { return r.desc.Size }

// Usage returns the usage set.
func (r *Resource) Usage() gpucore.BufferUsage { return r.desc.Usage }

// Residency returns the effective residency.
func (r *Resource) Residency() gpucore.Residency { return r.desc.Residency }

// HasStaging reports whether the staging shadow has been created.
func (r *Resource) HasStaging() bool { return r.staging != nil }

// IsDestroyed reports whether Destroy has been called.
func (r *Resource) IsDestroyed() bool { return r.destroyed }

// Address returns the GPU address of the resource. It fails with
// ErrAddressNotExportable unless the resource was created with
// gpucore.BufferUsageDeviceAddress.
func (r *Resource) Address() (gpucore.DeviceAddress, error) {
	if r.destroyed {
		return 0, fmt.Errorf("rtas: address of %q: %w", r.desc.Label, ErrResourceDestroyed)
	}
	if !r.desc.Usage.Contains(gpucore.BufferUsageDeviceAddress) {
		return 0, fmt.Errorf("rtas: address of %q: %w", r.desc.Label, ErrAddressNotExportable)
	}
	addr, err := r.ctx.device.BufferAddress(r.id)
	if err != nil {
		return 0, fmt.Errorf("rtas: address of %q: %w", r.desc.Label, err)
	}
	return addr, nil
}

// checkTransfer validates a host transfer before any device work.
func (r *Resource) checkTransfer(op string, n int, offset uint64, need gpucore.BufferUsage) error {
	if r.destroyed {
		return fmt.Errorf("rtas: %s %q: %w", op, r.desc.Label, ErrResourceDestroyed)
	}
	if offset > r.desc.Size || uint64(n) > r.desc.Size-offset {
		return &RangeError{Offset: offset, Length: uint64(n), Size: r.desc.Size}
	}
	if r.desc.Residency == gpucore.ResidencyHostVisible || n == 0 {
		return nil
	}
	if !r.desc.Usage.Contains(need) {
		return fmt.Errorf("rtas: %s %q needs %s: %w", op, r.desc.Label, need, ErrMissingUsage)
	}
	if r.exec == nil {
		return fmt.Errorf("rtas: %s %q: %w", op, r.desc.Label, ErrNoExecutor)
	}
	return nil
}

// Write copies data into the resource at offset.
//
// Host-visible resources are written through the mapping. Device-local
// resources are written through the staging shadow and a blocking copy;
// they need gpucore.BufferUsageCopyDst.
func (r *Resource) Write(data []byte, offset uint64) error {
	if err := r.checkTransfer("write", len(data), offset, gpucore.BufferUsageCopyDst); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if r.desc.Residency == gpucore.ResidencyHostVisible {
		copy(r.mapping[offset:], data)
		if err := r.ctx.device.FlushMappedRange(r.id, offset, uint64(len(data))); err != nil {
			return fmt.Errorf("rtas: flush %q: %w", r.desc.Label, err)
		}
		return nil
	}

	staging, err := r.ensureStaging()
	if err != nil {
		return err
	}
	if err := staging.Write(data, offset); err != nil {
		return err
	}
	region := gpucore.BufferCopy{SrcOffset: offset, DstOffset: offset, Size: uint64(len(data))}
	return r.transfer("write", staging.id, r.id, region, gpucore.Barrier{
		SrcAccess: gpucore.AccessTransferWrite,
		DstAccess: gpucore.AccessTransferRead | gpucore.AccessShaderRead | gpucore.AccessAccelerationStructureRead,
	})
}

// Read copies len(out) bytes at offset into out.
//
// Device-local resources are read through the staging shadow and a blocking
// copy; they need gpucore.BufferUsageCopySrc.
func (r *Resource) Read(out []byte, offset uint64) error {
	if err := r.checkTransfer("read", len(out), offset, gpucore.BufferUsageCopySrc); err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}

	if r.desc.Residency == gpucore.ResidencyHostVisible {
		if err := r.ctx.device.InvalidateMappedRange(r.id, offset, uint64(len(out))); err != nil {
			return fmt.Errorf("rtas: invalidate %q: %w", r.desc.Label, err)
		}
		copy(out, r.mapping[offset:])
		return nil
	}

	staging, err := r.ensureStaging()
	if err != nil {
		return err
	}
	region := gpucore.BufferCopy{SrcOffset: offset, DstOffset: offset, Size: uint64(len(out))}
	if err := r.transfer("read", r.id, staging.id, region, gpucore.Barrier{
		SrcAccess: gpucore.AccessTransferWrite,
		DstAccess: gpucore.AccessHostRead,
	}); err != nil {
		return err
	}
	return staging.Read(out, offset)
}

// transfer records one copy plus barrier and waits for it.
func (r *Resource) transfer(op string, src, dst gpucore.BufferID, region gpucore.BufferCopy, barrier gpucore.Barrier) error {
	cb, err := r.exec.Acquire()
	if err != nil {
		return fmt.Errorf("rtas: %s %q: %w", op, r.desc.Label, err)
	}
	dev := r.ctx.device
	dev.CmdCopyBuffer(cb.ID(), src, dst, []gpucore.BufferCopy{region})
	dev.CmdPipelineBarrier(cb.ID(), barrier)
	if err := r.exec.Submit(cb, true); err != nil {
		return fmt.Errorf("rtas: %s %q: %w", op, r.desc.Label, err)
	}
	return nil
}

// ensureStaging creates the host-visible shadow on first use.
func (r *Resource) ensureStaging() (*Resource, error) {
	if r.staging != nil {
		return r.staging, nil
	}
	s, err := NewResource(r.ctx, nil, &ResourceDescriptor{
		Label:     r.desc.Label + "-staging",
		Size:      r.desc.Size,
		Usage:     gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst,
		Residency: gpucore.ResidencyHostVisible,
	})
	if err != nil {
		return nil, err
	}
	r.staging = s
	return s, nil
}

// ResizeKeepingData replaces the allocation with one of newSize bytes,
// preserving the first min(Size, newSize) bytes. Usage and effective
// residency are kept. Resizing to the current size does nothing.
//
// On failure the resource is left unchanged.
func (r *Resource) ResizeKeepingData(newSize uint64) error {
	if r.destroyed {
		return fmt.Errorf("rtas: resize %q: %w", r.desc.Label, ErrResourceDestroyed)
	}
	if newSize == r.desc.Size {
		return nil
	}

	keep := make([]byte, min(r.desc.Size, newSize))
	if err := r.checkTransfer("resize", len(keep), 0, gpucore.BufferUsageCopySrc|gpucore.BufferUsageCopyDst); err != nil {
		return err
	}
	if err := r.Read(keep, 0); err != nil {
		return fmt.Errorf("rtas: resize %q: %w", r.desc.Label, err)
	}

	next := &Resource{ctx: r.ctx, exec: r.exec, desc: r.desc}
	next.desc.Size = newSize
	if err := next.allocate(); err != nil {
		return err
	}
	if err := next.Write(keep, 0); err != nil {
		next.Destroy()
		return fmt.Errorf("rtas: resize %q: %w", r.desc.Label, err)
	}

	r.release()
	r.id = next.id
	r.mapping = next.mapping
	r.staging = next.staging
	r.desc = next.desc
	r.destroyed = false

	slogger().Debug("rtas: resource resized", "label", r.desc.Label, "size", newSize, "kept", len(keep))
	return nil
}

// release unmaps and destroys the buffer and its staging shadow.
func (r *Resource) release() {
	dev := r.ctx.device
	if r.mapping != nil {
		dev.UnmapBuffer(r.id)
		r.mapping = nil
	}
	dev.DestroyBuffer(r.id)
	r.id = gpucore.InvalidID
	if r.staging != nil {
		r.staging.Destroy()
		r.staging = nil
	}
	r.destroyed = true
}

// Destroy releases the resource. Calling Destroy multiple times is safe.
func (r *Resource) Destroy() {
	if r == nil || r.destroyed {
		return
	}
	r.release()
}

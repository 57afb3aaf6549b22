package rtas

import (
	"fmt"
	"slices"

	"github.com/gogpu/rtas/gpucore"
)

// BuildTopLevel builds the top-level structure over instances and blocks
// until the device has finished.
//
// With update false the instance table is replaced and uploaded, a new
// backing resource is sized from a fresh size query and a BUILD is recorded;
// the previous structure is destroyed once the build completes.
//
// With update true the existing structure is refitted in place with an
// UPDATE, reusing its handle and resource and the flags of its last full
// build. The structure must have been built with
// gpucore.BuildFlagAllowUpdate over the same number of instances;
// otherwise BuildTopLevel panics with a *ProgrammingError before any
// device work.
func (b *Builder) BuildTopLevel(instances []Instance, flags gpucore.BuildFlags, update bool) error {
	_, err := b.buildTopLevel("BuildTopLevel", instances, flags, update, gpucore.InvalidID, false, true)
	return err
}

// BuildTopLevelAsync is BuildTopLevel without the blocking wait, for handing
// the structure to a frame already in flight. A non-zero waitSemaphore
// delays the build until it is signaled. With signal set the returned
// semaphore is signaled when the build completes.
//
// The next build call, or Destroy, waits for the submission before touching
// the instance buffer, scratch or the replaced structure.
func (b *Builder) BuildTopLevelAsync(instances []Instance, flags gpucore.BuildFlags, update bool,
	waitSemaphore gpucore.SemaphoreID, signal bool) (gpucore.SemaphoreID, error) {
	return b.buildTopLevel("BuildTopLevelAsync", instances, flags, update, waitSemaphore, signal, false)
}

// UpdateInstanceTransforms replaces the transforms of the given instances
// and refits the top-level structure with an UPDATE. Only the patched
// instance records are rewritten; bottom-level structures are not touched.
//
// It panics with a *ProgrammingError if a patch index is out of range or
// the top-level structure cannot be updated.
func (b *Builder) UpdateInstanceTransforms(patches []TransformPatch) error {
	const op = "UpdateInstanceTransforms"
	b.checkUpdatable(op, len(b.instances))
	for _, p := range patches {
		if p.Index < 0 || p.Index >= len(b.instances) {
			programmingError(op, "patch index %d out of range [0, %d)", p.Index, len(b.instances))
		}
	}

	if err := b.settle(); err != nil {
		return err
	}
	for _, p := range patches {
		b.instances[p.Index].Transform = p.Transform
	}

	if b.instancesDirty {
		if err := b.uploadInstances(b.instances); err != nil {
			return err
		}
	} else {
		rec := make([]byte, InstanceRecordSize)
		for _, p := range patches {
			inst := &b.instances[p.Index]
			encodeInstance(rec, inst, b.bottom[inst.BottomLevel].Address())
			if err := b.instanceBuf.Write(rec, uint64(p.Index)*InstanceRecordSize); err != nil {
				b.instancesDirty = true
				return err
			}
		}
	}

	_, err := b.recordTopLevel(op, b.top.flags, true, gpucore.InvalidID, false, true)
	return err
}

func (b *Builder) buildTopLevel(op string, instances []Instance, flags gpucore.BuildFlags, update bool,
	waitSem gpucore.SemaphoreID, signal, wait bool) (gpucore.SemaphoreID, error) {
	if update {
		b.checkUpdatable(op, len(instances))
	}
	if len(instances) == 0 {
		return gpucore.InvalidID, fmt.Errorf("rtas: build top level: %w: no instances", ErrInvalidGeometry)
	}
	if limit := b.ctx.limits.MaxInstanceCount; limit > 0 && uint64(len(instances)) > limit {
		return gpucore.InvalidID, fmt.Errorf("rtas: build top level: %w: %d instances exceed limit %d",
			ErrInvalidInstance, len(instances), limit)
	}
	for i := range instances {
		if err := instances[i].validate(i, len(b.bottom)); err != nil {
			return gpucore.InvalidID, fmt.Errorf("rtas: build top level: %w", err)
		}
	}

	if err := b.settle(); err != nil {
		return gpucore.InvalidID, err
	}

	prev := b.instances
	if err := b.uploadInstances(instances); err != nil {
		b.instancesDirty = prev != nil
		return gpucore.InvalidID, err
	}
	b.instances = slices.Clone(instances)

	sem, err := b.recordTopLevel(op, flags, update, waitSem, signal, wait)
	if err != nil {
		// The device copy now holds the rejected table.
		b.instances = prev
		b.instancesDirty = prev != nil
		return gpucore.InvalidID, err
	}
	return sem, nil
}

// checkUpdatable panics unless the top-level structure can be updated over
// n instances.
func (b *Builder) checkUpdatable(op string, n int) {
	switch {
	case !b.top.built:
		programmingError(op, "update of a top-level structure that was never built")
	case !b.top.flags.Has(gpucore.BuildFlagAllowUpdate):
		programmingError(op, "update of a top-level structure built without AllowUpdate")
	case n != b.top.instanceCount:
		programmingError(op, "update changes instance count from %d to %d", b.top.instanceCount, n)
	}
}

// uploadInstances encodes instances into the instance buffer, growing it
// as needed.
func (b *Builder) uploadInstances(instances []Instance) error {
	need := uint64(len(instances)) * InstanceRecordSize
	data := make([]byte, need)
	for i := range instances {
		inst := &instances[i]
		encodeInstance(data[uint64(i)*InstanceRecordSize:], inst, b.bottom[inst.BottomLevel].Address())
	}

	switch {
	case b.instanceBuf == nil:
		res, err := NewResource(b.ctx, b.exec, &ResourceDescriptor{
			Label: b.opts.label + "-instances",
			Size:  need,
			Usage: gpucore.BufferUsageAccelerationStructureBuildInput | gpucore.BufferUsageDeviceAddress |
				gpucore.BufferUsageCopyDst | gpucore.BufferUsageCopySrc,
			Residency: gpucore.ResidencyDeviceLocal,
		})
		if err != nil {
			return err
		}
		b.instanceBuf = res
	case b.instanceBuf.Size() < need:
		if err := b.instanceBuf.ResizeKeepingData(need); err != nil {
			return err
		}
	}

	if err := b.instanceBuf.Write(data, 0); err != nil {
		return err
	}
	b.instancesDirty = false
	return nil
}

// recordTopLevel records and submits a top-level build or update over the
// uploaded instance table.
func (b *Builder) recordTopLevel(op string, flags gpucore.BuildFlags, update bool,
	waitSem gpucore.SemaphoreID, signal, wait bool) (gpucore.SemaphoreID, error) {
	dev := b.ctx.device
	n := uint32(len(b.instances))

	addr, err := b.instanceBuf.Address()
	if err != nil {
		return gpucore.InvalidID, err
	}
	geometries := []gpucore.Geometry{{
		Type:      gpucore.GeometryInstances,
		Instances: gpucore.InstancesData{Data: addr},
	}}
	ranges := []gpucore.BuildRange{{PrimitiveCount: n}}

	mode := gpucore.BuildModeBuild
	if update {
		mode = gpucore.BuildModeUpdate
		flags = b.top.flags
	}
	sizes, err := dev.BuildSizes(gpucore.AccelerationStructureTopLevel, flags, geometries, []uint32{n})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("rtas: query top-level build sizes: %w", err)
	}

	scratchNeed := sizes.BuildScratchSize
	if update {
		scratchNeed = sizes.UpdateScratchSize
	}
	scratch, err := b.ensureScratch(scratchNeed)
	if err != nil {
		return gpucore.InvalidID, err
	}

	info := gpucore.BuildGeometryInfo{
		Type:       gpucore.AccelerationStructureTopLevel,
		Flags:      flags,
		Mode:       mode,
		Geometries: geometries,
		Scratch:    scratch,
	}
	var next structureStorage
	if update {
		info.Src = b.top.handle
		info.Dst = b.top.handle
	} else {
		next, err = b.newStorage(gpucore.AccelerationStructureTopLevel, b.opts.label+"-tlas", sizes.AccelerationStructureSize)
		if err != nil {
			return gpucore.InvalidID, err
		}
		info.Dst = next.handle
	}

	cb, err := b.exec.Acquire()
	if err != nil {
		next.destroy(dev)
		return gpucore.InvalidID, err
	}
	dev.CmdPipelineBarrier(cb.ID(), gpucore.Barrier{
		SrcAccess: gpucore.AccessTransferWrite | gpucore.AccessHostWrite | gpucore.AccessAccelerationStructureWrite,
		DstAccess: gpucore.AccessAccelerationStructureRead,
	})
	dev.CmdBuildAccelerationStructures(cb.ID(), []gpucore.BuildGeometryInfo{info}, [][]gpucore.BuildRange{ranges})
	dev.CmdPipelineBarrier(cb.ID(), gpucore.Barrier{
		SrcAccess: gpucore.AccessAccelerationStructureWrite,
		DstAccess: gpucore.AccessAccelerationStructureRead | gpucore.AccessShaderRead,
	})

	sem, err := b.exec.SubmitWithSemaphore(cb, waitSem, signal, wait)
	if err != nil {
		next.destroy(dev)
		return gpucore.InvalidID, fmt.Errorf("rtas: %s: %w", op, err)
	}

	if update {
		b.topUpdates++
	} else {
		old := b.top.structureStorage
		b.top.structureStorage = next
		b.top.built = true
		b.top.flags = flags
		b.top.instanceCount = int(n)
		b.topBuilds++
		if old.handle != gpucore.InvalidID {
			b.retired = append(b.retired, old)
		}
	}
	b.top.lastMode = mode

	if wait {
		b.releaseRetired()
	} else {
		b.inFlight = true
	}

	slogger().Debug("rtas: top-level structure submitted",
		"mode", mode, "instances", n, "size", b.top.Size(), "wait", wait)
	return sem, nil
}

// ensureScratch returns an aligned scratch address with at least need bytes.
func (b *Builder) ensureScratch(need uint64) (gpucore.DeviceAddress, error) {
	if b.scratch != nil && b.scratchCap >= need {
		return b.scratchAddr, nil
	}
	b.scratch.Destroy()
	b.scratch = nil

	res, addr, err := b.newScratch(b.opts.label+"-tlas-scratch", need)
	if err != nil {
		return 0, err
	}
	b.scratch, b.scratchAddr, b.scratchCap = res, addr, need
	return addr, nil
}

// settle waits for an async top-level submission and releases the storage
// it replaced.
func (b *Builder) settle() error {
	if b.inFlight {
		if err := b.exec.WaitIdle(); err != nil {
			return err
		}
		b.inFlight = false
	}
	b.releaseRetired()
	return nil
}

func (b *Builder) releaseRetired() {
	dev := b.ctx.device
	for i := range b.retired {
		b.retired[i].destroy(dev)
	}
	b.retired = nil
}

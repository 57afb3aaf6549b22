// Package rtas builds ray-tracing acceleration structures on a GPU.
//
// # Overview
//
// rtas turns GPU-resident meshes into bottom-level acceleration structures
// and places them, through instances, in a single top-level structure ready
// to be bound in a ray-tracing descriptor set. It batches large scenes into
// size-bounded submissions, compacts structures after they are built, and
// refits the top-level structure in place when only instance transforms
// change.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/rtas"
//	    "github.com/gogpu/rtas/backend/software"
//	    "github.com/gogpu/rtas/gpucore"
//	)
//
//	ctx := rtas.NewDeviceContext(software.New())
//	exec := rtas.NewExecutor(ctx)
//	defer exec.Destroy()
//
//	b := rtas.NewBuilder(ctx, exec)
//	defer b.Destroy()
//
//	in, _ := rtas.MeshInput(mesh, gpucore.BuildFlagPreferFastTrace)
//	if err := b.BuildBottomLevel([]*rtas.GeometryInput{in}, gpucore.BuildFlagAllowCompaction); err != nil {
//	    return err
//	}
//	err := b.BuildTopLevel([]rtas.Instance{rtas.NewInstance(0, rtas.Identity())},
//	    gpucore.BuildFlagAllowUpdate, false)
//
// # Architecture
//
// The package is organized bottom-up:
//   - DeviceContext: immutable device handle passed to every constructor
//   - Resource: one device buffer with staged host transfers
//   - Executor: command-buffer slots with fence recycling and semaphores
//   - GeometryInputBuilder: meshes and boxes to build inputs
//   - Builder: batched bottom-level builds, compaction, top-level build/update
//
// Devices implement gpucore.Device. backend/software is a CPU reference
// device used by tests and cmd/asbench; backend/native runs on
// gogpu/wgpu/hal.
//
// # Blocking
//
// Every build and every device-local Read or Write blocks the calling
// goroutine until the device has finished, except BuildTopLevelAsync and
// Executor.Submit with wait set to false. Blocking waits are bounded by the
// DeviceContext fence timeout.
//
// # Errors
//
// Recoverable failures are returned as errors: *AllocationError,
// *ConfigurationError, *RangeError and wrapped sentinels such as
// ErrFenceTimeout. Contract violations, such as updating a top-level
// structure built without gpucore.BuildFlagAllowUpdate, panic with a
// *ProgrammingError.
package rtas

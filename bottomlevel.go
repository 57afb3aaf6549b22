package rtas

import (
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// blasBuildContext is the state of one BuildBottomLevel call. It is
// discarded when the call returns.
type blasBuildContext struct {
	b      *Builder
	inputs []*GeometryInput
	flags  []gpucore.BuildFlags
	sizes  []gpucore.BuildSizes
	base   int // index of inputs[0] in b.bottom

	compact bool
	pool    gpucore.QueryPoolID

	// Shared by every build of the call.
	scratch     *Resource
	scratchAddr gpucore.DeviceAddress

	built   []*BottomLevel
	batches int
	saved   uint64
}

// BuildBottomLevel builds one bottom-level structure per input and appends
// them to the builder in input order. Structure i of the call is available
// as BottomLevel(BottomLevelCount()-len(inputs)+i) afterwards.
//
// The effective flags of each structure are flags combined with the input's
// own flags. Compaction must be requested for all inputs or none; a mix
// returns a *ConfigurationError before any device work and leaves the
// inputs unconsumed, so callers can split them into separate calls.
//
// Builds are grouped into batches whose cumulative queried size reaches the
// batch threshold. Each batch is one blocking submission sharing a scratch
// resource sized for the largest build of the call. With compaction every
// batch is followed by a blocking compacted-size readback and a second
// blocking submission copying each structure into a smaller resource.
//
// On error every structure created by the call is destroyed; structures
// from earlier calls are untouched.
//
// BuildBottomLevel panics with a *ProgrammingError if an input was already
// consumed.
func (b *Builder) BuildBottomLevel(inputs []*GeometryInput, flags gpucore.BuildFlags) error {
	const op = "BuildBottomLevel"
	if len(inputs) == 0 {
		return fmt.Errorf("rtas: build bottom level: %w: no inputs", ErrInvalidGeometry)
	}

	seen := make(map[*GeometryInput]bool, len(inputs))
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("rtas: build bottom level: input %d: %w: nil input", i, ErrInvalidGeometry)
		}
		if in.consumed || seen[in] {
			programmingError(op, "input %d was already consumed by a build", i)
		}
		seen[in] = true
	}

	effective := make([]gpucore.BuildFlags, len(inputs))
	compacted := 0
	for i, in := range inputs {
		effective[i] = flags | in.flags
		if effective[i].Has(gpucore.BuildFlagAllowCompaction) {
			compacted++
		}
	}
	if compacted != 0 && compacted != len(inputs) {
		return &ConfigurationError{Compacted: compacted, Total: len(inputs)}
	}
	for _, in := range inputs {
		in.consumed = true
	}

	bc := &blasBuildContext{
		b:       b,
		inputs:  inputs,
		flags:   effective,
		sizes:   make([]gpucore.BuildSizes, len(inputs)),
		base:    len(b.bottom),
		compact: compacted > 0,
		built:   make([]*BottomLevel, len(inputs)),
	}
	defer bc.release()

	if err := bc.run(); err != nil {
		bc.rollback()
		return err
	}

	b.bottom = append(b.bottom, bc.built...)
	b.batches += bc.batches
	b.lastBatches = bc.batches
	b.compactionSaved += bc.saved
	return nil
}

// run queries sizes, allocates shared state and builds every batch.
func (bc *blasBuildContext) run() error {
	dev := bc.b.ctx.device

	var maxScratch uint64
	for i, in := range bc.inputs {
		sizes, err := dev.BuildSizes(gpucore.AccelerationStructureBottomLevel, bc.flags[i], in.geometries, in.PrimitiveCounts())
		if err != nil {
			return fmt.Errorf("rtas: query build sizes of bottom level %d: %w", bc.base+i, err)
		}
		bc.sizes[i] = sizes
		maxScratch = max(maxScratch, sizes.BuildScratchSize)
	}

	var err error
	bc.scratch, bc.scratchAddr, err = bc.b.newScratch(bc.b.opts.label+"-blas-scratch", maxScratch)
	if err != nil {
		return err
	}

	if bc.compact {
		bc.pool, err = dev.CreateQueryPool(uint32(len(bc.inputs)))
		if err != nil {
			return fmt.Errorf("rtas: create compaction query pool: %w", err)
		}
	}

	threshold := bc.b.opts.batchThreshold
	var (
		batch []int
		total uint64
	)
	for i := range bc.inputs {
		batch = append(batch, i)
		total += bc.sizes[i].AccelerationStructureSize
		if total < threshold && i != len(bc.inputs)-1 {
			continue
		}
		if err := bc.flush(batch, total); err != nil {
			return err
		}
		batch, total = nil, 0
	}
	return nil
}

// flush builds one batch with a single blocking submission.
func (bc *blasBuildContext) flush(batch []int, total uint64) error {
	b := bc.b
	dev := b.ctx.device

	for _, i := range batch {
		label := fmt.Sprintf("%s-blas-%d", b.opts.label, bc.base+i)
		storage, err := b.newStorage(gpucore.AccelerationStructureBottomLevel, label, bc.sizes[i].AccelerationStructureSize)
		if err != nil {
			return err
		}
		bc.built[i] = &BottomLevel{
			structureStorage: storage,
			flags:            bc.flags[i],
			primitives:       bc.inputs[i].PrimitiveCount(),
			queriedSize:      bc.sizes[i].AccelerationStructureSize,
		}
	}

	cb, err := b.exec.Acquire()
	if err != nil {
		return err
	}

	first, count := uint32(batch[0]), uint32(len(batch))
	if bc.compact {
		dev.CmdResetQueryPool(cb.ID(), bc.pool, first, count)
	}
	handles := make([]gpucore.AccelerationStructureID, 0, len(batch))
	for _, i := range batch {
		in := bc.inputs[i]
		info := gpucore.BuildGeometryInfo{
			Type:       gpucore.AccelerationStructureBottomLevel,
			Flags:      bc.flags[i],
			Mode:       gpucore.BuildModeBuild,
			Dst:        bc.built[i].handle,
			Geometries: in.geometries,
			Scratch:    bc.scratchAddr,
		}
		dev.CmdBuildAccelerationStructures(cb.ID(), []gpucore.BuildGeometryInfo{info}, [][]gpucore.BuildRange{in.ranges})
		// The next build reuses the scratch memory.
		dev.CmdPipelineBarrier(cb.ID(), gpucore.Barrier{
			SrcAccess: gpucore.AccessAccelerationStructureWrite,
			DstAccess: gpucore.AccessAccelerationStructureRead | gpucore.AccessAccelerationStructureWrite,
		})
		handles = append(handles, bc.built[i].handle)
	}
	if bc.compact {
		dev.CmdWriteCompactedSizes(cb.ID(), handles, bc.pool, first)
	}

	if err := b.exec.Submit(cb, true); err != nil {
		return fmt.Errorf("rtas: bottom-level batch %d: %w", bc.batches, err)
	}
	bc.batches++

	slogger().Debug("rtas: bottom-level batch built",
		"batch", bc.batches-1, "structures", len(batch), "bytes", total, "compact", bc.compact)

	if bc.compact {
		return bc.compactBatch(batch)
	}
	return nil
}

// rollback destroys every structure created by the call.
func (bc *blasBuildContext) rollback() {
	dev := bc.b.ctx.device
	for i, s := range bc.built {
		if s != nil {
			s.destroy(dev)
			bc.built[i] = nil
		}
	}
}

// release frees the per-call scratch and query pool.
func (bc *blasBuildContext) release() {
	bc.scratch.Destroy()
	if bc.pool != gpucore.InvalidID {
		bc.b.ctx.device.DestroyQueryPool(bc.pool)
	}
}

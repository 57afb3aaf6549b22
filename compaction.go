package rtas

import (
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// compactTarget pairs a built structure with its smaller replacement.
type compactTarget struct {
	index int
	dst   structureStorage
}

// compactBatch shrinks the structures of a built batch.
//
// The compacted sizes are read back once the batch has completed. Every
// structure whose compacted size is smaller than its backing resource is
// copied into a new resource of exactly that size; the originals are
// destroyed only after the copy submission has completed. Replacements keep
// the index of the structure they replace.
func (bc *blasBuildContext) compactBatch(batch []int) error {
	b := bc.b
	dev := b.ctx.device

	sizes, err := dev.QueryResults(bc.pool, uint32(batch[0]), uint32(len(batch)), true)
	if err != nil {
		return fmt.Errorf("rtas: read compacted sizes: %w", err)
	}

	var targets []compactTarget
	release := func() {
		for i := range targets {
			targets[i].dst.destroy(dev)
		}
	}

	for k, i := range batch {
		orig := bc.built[i]
		size := sizes[k]
		if size == 0 || size >= orig.Size() {
			slogger().Debug("rtas: structure not compacted", "index", bc.base+i, "size", orig.Size(), "compacted", size)
			continue
		}
		label := fmt.Sprintf("%s-blas-%d-compact", b.opts.label, bc.base+i)
		dst, err := b.newStorage(gpucore.AccelerationStructureBottomLevel, label, size)
		if err != nil {
			release()
			return err
		}
		targets = append(targets, compactTarget{index: i, dst: dst})
	}
	if len(targets) == 0 {
		return nil
	}

	cb, err := b.exec.Acquire()
	if err != nil {
		release()
		return err
	}
	for _, t := range targets {
		dev.CmdCopyAccelerationStructure(cb.ID(), bc.built[t.index].handle, t.dst.handle, gpucore.CopyModeCompact)
	}
	dev.CmdPipelineBarrier(cb.ID(), gpucore.Barrier{
		SrcAccess: gpucore.AccessAccelerationStructureWrite,
		DstAccess: gpucore.AccessAccelerationStructureRead,
	})
	if err := b.exec.Submit(cb, true); err != nil {
		release()
		return fmt.Errorf("rtas: compaction copy: %w", err)
	}

	var saved uint64
	for _, t := range targets {
		orig := bc.built[t.index]
		saved += orig.Size() - t.dst.Size()
		bc.built[t.index] = &BottomLevel{
			structureStorage: t.dst,
			flags:            orig.flags,
			primitives:       orig.primitives,
			queriedSize:      orig.queriedSize,
		}
		orig.destroy(dev)
	}
	bc.saved += saved

	slogger().Info("rtas: bottom-level structures compacted", "structures", len(targets), "saved", saved)
	return nil
}

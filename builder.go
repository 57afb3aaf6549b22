package rtas

import (
	"fmt"
	"slices"

	"github.com/gogpu/rtas/gpucore"
)

// structureStorage is a structure handle plus the resource backing it.
type structureStorage struct {
	handle   gpucore.AccelerationStructureID
	resource *Resource
	address  gpucore.DeviceAddress
}

// Handle returns the native structure handle for descriptor binding.
func (s *structureStorage) Handle() gpucore.AccelerationStructureID { return s.handle }

// Address returns the structure address referenced by instance records.
func (s *structureStorage) Address() gpucore.DeviceAddress { return s.address }

// Size returns the byte size of the backing resource, or 0 if none.
func (s *structureStorage) Size() uint64 {
	if s.resource == nil {
		return 0
	}
	return s.resource.Size()
}

// Resource returns the backing resource. It must not be destroyed or
// resized by the caller.
func (s *structureStorage) Resource() *Resource { return s.resource }

func (s *structureStorage) destroy(dev gpucore.Device) {
	if s.handle != gpucore.InvalidID {
		dev.DestroyAccelerationStructure(s.handle)
	}
	s.resource.Destroy()
	*s = structureStorage{}
}

// BottomLevel is a built bottom-level structure.
type BottomLevel struct {
	structureStorage

	flags       gpucore.BuildFlags
	primitives  uint64
	queriedSize uint64
}

// Flags returns the effective build flags.
func (s *BottomLevel) Flags() gpucore.BuildFlags { return s.flags }

// PrimitiveCount returns the number of primitives in the structure.
func (s *BottomLevel) PrimitiveCount() uint64 { return s.primitives }

// QueriedSize returns the conservative size reported by the size query.
// After compaction Size is smaller than QueriedSize.
func (s *BottomLevel) QueriedSize() uint64 { return s.queriedSize }

// TopLevel is the builder's top-level structure. The pointer returned by
// Builder.TopLevel stays valid for the builder's lifetime; rebuilds swap
// its handle and resource in place.
type TopLevel struct {
	structureStorage

	built         bool
	flags         gpucore.BuildFlags
	instanceCount int
	lastMode      gpucore.BuildMode
}

// Built reports whether the structure has been built at least once.
func (t *TopLevel) Built() bool { return t.built }

// Flags returns the flags of the last full build.
func (t *TopLevel) Flags() gpucore.BuildFlags { return t.flags }

// InstanceCount returns the number of instances in the structure.
func (t *TopLevel) InstanceCount() int { return t.instanceCount }

// LastMode returns the mode of the most recent build or update.
func (t *TopLevel) LastMode() gpucore.BuildMode { return t.lastMode }

// Stats is a snapshot of builder telemetry.
type Stats struct {
	BottomLevelCount int
	BottomLevelBytes uint64
	TopLevelBytes    uint64
	InstanceCount    int

	// Batches counts bottom-level batches over the builder's lifetime;
	// LastBatches counts those of the most recent BuildBottomLevel call.
	Batches     int
	LastBatches int

	// CompactionSavedBytes is the total reduction achieved by compaction.
	CompactionSavedBytes uint64

	TopLevelBuilds  int
	TopLevelUpdates int
	Submissions     int
}

// Builder builds bottom-level structures in size-bounded batches and owns
// exactly one top-level structure built over them.
//
// Every build blocks until the device has finished, except
// BuildTopLevelAsync. Builder is not safe for concurrent use.
type Builder struct {
	ctx  DeviceContext
	exec *Executor
	opts builderOptions

	bottom []*BottomLevel
	top    *TopLevel

	instances      []Instance
	instancesDirty bool
	instanceBuf    *Resource

	// Top-level scratch, reused while large enough.
	scratch     *Resource
	scratchAddr gpucore.DeviceAddress
	scratchCap  uint64

	// Async top-level work that has not been waited on yet, and
	// the storage it may still reference.
	inFlight bool
	retired  []structureStorage

	batches         int
	lastBatches     int
	compactionSaved uint64
	topBuilds       int
	topUpdates      int
}

// NewBuilder creates a builder submitting on exec.
func NewBuilder(ctx DeviceContext, exec *Executor, opts ...BuilderOption) *Builder {
	if !ctx.valid() {
		programmingError("NewBuilder", "zero DeviceContext")
	}
	if exec == nil {
		programmingError("NewBuilder", "nil executor")
	}

	o := defaultBuilderOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Builder{
		ctx:  ctx,
		exec: exec,
		opts: o,
		top:  &TopLevel{},
	}
}

// BatchThreshold returns the configured batch threshold in bytes.
func (b *Builder) BatchThreshold() uint64 { return b.opts.batchThreshold }

// TopLevel returns the top-level structure. Check Built before binding it.
func (b *Builder) TopLevel() *TopLevel { return b.top }

// BottomLevel returns the i-th bottom-level structure, or nil.
func (b *Builder) BottomLevel(i int) *BottomLevel {
	if i < 0 || i >= len(b.bottom) {
		return nil
	}
	return b.bottom[i]
}

// BottomLevelCount returns the number of bottom-level structures.
func (b *Builder) BottomLevelCount() int { return len(b.bottom) }

// BottomLevelSizes returns the backing size of every bottom-level structure.
func (b *Builder) BottomLevelSizes() []uint64 {
	sizes := make([]uint64, len(b.bottom))
	for i, s := range b.bottom {
		sizes[i] = s.Size()
	}
	return sizes
}

// TopLevelSize returns the backing size of the top-level structure, or 0.
func (b *Builder) TopLevelSize() uint64 { return b.top.Size() }

// Instances returns a copy of the retained instance table.
func (b *Builder) Instances() []Instance { return slices.Clone(b.instances) }

// InstanceBuffer returns the resource holding the instance records, or nil
// before the first top-level build.
func (b *Builder) InstanceBuffer() *Resource { return b.instanceBuf }

// BatchCount returns the number of batches of the last BuildBottomLevel call.
func (b *Builder) BatchCount() int { return b.lastBatches }

// Stats returns a telemetry snapshot.
func (b *Builder) Stats() Stats {
	st := Stats{
		BottomLevelCount:     len(b.bottom),
		TopLevelBytes:        b.top.Size(),
		InstanceCount:        len(b.instances),
		Batches:              b.batches,
		LastBatches:          b.lastBatches,
		CompactionSavedBytes: b.compactionSaved,
		TopLevelBuilds:       b.topBuilds,
		TopLevelUpdates:      b.topUpdates,
		Submissions:          b.exec.Submissions(),
	}
	for _, s := range b.bottom {
		st.BottomLevelBytes += s.Size()
	}
	return st
}

// Destroy waits for outstanding work and releases every structure and
// resource owned by the builder. Calling Destroy multiple times is safe.
func (b *Builder) Destroy() {
	if err := b.settle(); err != nil {
		slogger().Warn("rtas: builder destroy: wait for top-level build", "err", err)
	}

	dev := b.ctx.device
	for _, s := range b.bottom {
		s.destroy(dev)
	}
	b.bottom = nil
	b.top.destroy(dev)
	b.top.built = false
	b.top.instanceCount = 0
	b.instances = nil

	b.instanceBuf.Destroy()
	b.instanceBuf = nil
	b.scratch.Destroy()
	b.scratch = nil
	b.scratchAddr, b.scratchCap = 0, 0
}

// newStorage allocates a structure and its device-local backing resource.
func (b *Builder) newStorage(typ gpucore.AccelerationStructureType, label string, size uint64) (structureStorage, error) {
	res, err := NewResource(b.ctx, b.exec, &ResourceDescriptor{
		Label:     label,
		Size:      size,
		Usage:     gpucore.BufferUsageAccelerationStructureStorage | gpucore.BufferUsageDeviceAddress,
		Residency: gpucore.ResidencyDeviceLocal,
	})
	if err != nil {
		return structureStorage{}, err
	}

	dev := b.ctx.device
	handle, err := dev.CreateAccelerationStructure(&gpucore.AccelerationStructureDescriptor{
		Label:  label,
		Type:   typ,
		Buffer: res.ID(),
		Size:   size,
	})
	if err != nil {
		res.Destroy()
		return structureStorage{}, fmt.Errorf("rtas: create %s structure %q: %w", typ, label, err)
	}

	addr, err := dev.AccelerationStructureAddress(handle)
	if err != nil {
		dev.DestroyAccelerationStructure(handle)
		res.Destroy()
		return structureStorage{}, fmt.Errorf("rtas: address of structure %q: %w", label, err)
	}
	return structureStorage{handle: handle, resource: res, address: addr}, nil
}

// newScratch allocates a scratch resource of at least size usable bytes
// and returns it with its first address satisfying the scratch alignment.
func (b *Builder) newScratch(label string, size uint64) (*Resource, gpucore.DeviceAddress, error) {
	align := b.ctx.limits.ScratchAlignment
	res, err := NewResource(b.ctx, nil, &ResourceDescriptor{
		Label:     label,
		Size:      alignUp(size, align) + align,
		Usage:     gpucore.BufferUsageStorage | gpucore.BufferUsageDeviceAddress,
		Residency: gpucore.ResidencyDeviceLocal,
	})
	if err != nil {
		return nil, 0, err
	}
	addr, err := res.Address()
	if err != nil {
		res.Destroy()
		return nil, 0, err
	}
	return res, gpucore.DeviceAddress(alignUp(uint64(addr), align)), nil
}

// alignUp rounds v up to a multiple of a.
func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

package rtas

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/rtas/backend/software"
	"github.com/gogpu/rtas/gpucore"
)

// pinnedSizes reports size for every bottom-level structure and defers to
// the default model for the top level.
func pinnedSizes(size uint64) software.SizeModel {
	return func(typ gpucore.AccelerationStructureType, flags gpucore.BuildFlags,
		geometries []gpucore.Geometry, counts []uint32) gpucore.BuildSizes {
		if typ == gpucore.AccelerationStructureTopLevel {
			return software.DefaultSizeModel(typ, flags, geometries, counts)
		}
		return gpucore.BuildSizes{
			AccelerationStructureSize: size,
			BuildScratchSize:          4096,
			UpdateScratchSize:         1024,
		}
	}
}

// newTestBuilder creates a builder that is destroyed before its executor.
func newTestBuilder(t *testing.T, ctx DeviceContext, exec *Executor, opts ...BuilderOption) *Builder {
	t.Helper()
	b := NewBuilder(ctx, exec, opts...)
	t.Cleanup(b.Destroy)
	return b
}

// newMeshInputs returns n single-mesh inputs of prims triangles each.
func newMeshInputs(t *testing.T, ctx DeviceContext, n int, prims uint32, flags gpucore.BuildFlags) []*GeometryInput {
	t.Helper()
	inputs := make([]*GeometryInput, n)
	for i := range inputs {
		in, err := MeshInput(newTestMesh(t, ctx, prims, true), flags)
		if err != nil {
			t.Fatalf("MeshInput() = %v", err)
		}
		inputs[i] = in
	}
	return inputs
}

// buildCounts returns the number of build commands of every submission
// that contains at least one.
func buildCounts(subs []software.Submission) []int {
	var counts []int
	for _, s := range subs {
		if n := s.Count(software.CommandBuild); n > 0 {
			counts = append(counts, n)
		}
	}
	return counts
}

// flakyDevice fails the failIn-th Submit from now.
type flakyDevice struct {
	*software.Device
	failIn int
}

var errFlakySubmit = errors.New("flaky submit")

func (d *flakyDevice) Submit(info *gpucore.SubmitInfo) error {
	if d.failIn > 0 {
		d.failIn--
		if d.failIn == 0 {
			return errFlakySubmit
		}
	}
	return d.Device.Submit(info)
}

func TestBuildBottomLevelBatchesBySize(t *testing.T) {
	dev, ctx, exec := newTestEnv(t, software.WithSizeModel(pinnedSizes(30_000_000)))
	b := newTestBuilder(t, ctx, exec)

	inputs := newMeshInputs(t, ctx, 10, 8, 0)
	if err := b.BuildBottomLevel(inputs, 0); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}

	if b.BatchCount() != 2 {
		t.Errorf("BatchCount() = %d, want 2", b.BatchCount())
	}
	got := buildCounts(dev.Submissions())
	if len(got) != 2 || got[0] != 9 || got[1] != 1 {
		t.Errorf("builds per submission = %v, want [9 1]", got)
	}
	if b.BottomLevelCount() != 10 {
		t.Fatalf("BottomLevelCount() = %d, want 10", b.BottomLevelCount())
	}
	for i, size := range b.BottomLevelSizes() {
		if size != 30_000_000 {
			t.Errorf("BottomLevelSizes()[%d] = %d, want 30000000", i, size)
		}
	}
	for _, in := range inputs {
		if !in.Consumed() {
			t.Error("input not consumed after a successful build")
		}
	}
}

func TestBuildBottomLevelUniformBatches(t *testing.T) {
	const size = 1 << 20
	dev, ctx, exec := newTestEnv(t, software.WithSizeModel(pinnedSizes(size)))
	b := newTestBuilder(t, ctx, exec, WithBatchThreshold(3*size))

	if err := b.BuildBottomLevel(newMeshInputs(t, ctx, 7, 4, 0), 0); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}

	got := buildCounts(dev.Submissions())
	want := []int{3, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("builds per submission = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("builds per submission = %v, want %v", got, want)
			break
		}
	}
	if st := b.Stats(); st.Batches != 3 || st.LastBatches != 3 {
		t.Errorf("Stats batches = %d/%d, want 3/3", st.Batches, st.LastBatches)
	}
}

func TestBuildBottomLevelStructuresAreBuilt(t *testing.T) {
	dev, ctx, exec := newTestEnv(t)
	b := newTestBuilder(t, ctx, exec)

	in, err := NewGeometryInputBuilder().
		AddMesh(newTestMesh(t, ctx, 10, true)).
		AddMesh(newTestMesh(t, ctx, 5, false)).
		Build()
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if err := b.BuildBottomLevel([]*GeometryInput{in}, gpucore.BuildFlagPreferFastTrace); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}

	blas := b.BottomLevel(0)
	info, ok := dev.Structure(blas.Handle())
	if !ok {
		t.Fatal("structure not live on the device")
	}
	if !info.Built || info.PrimitiveCount != 15 {
		t.Errorf("device structure = %+v, want built with 15 primitives", info)
	}
	if info.Address != blas.Address() {
		t.Errorf("Address() = %#x, device reports %#x", blas.Address(), info.Address)
	}
	if blas.PrimitiveCount() != 15 || blas.Flags() != gpucore.BuildFlagPreferFastTrace {
		t.Errorf("PrimitiveCount/Flags = %d/%v", blas.PrimitiveCount(), blas.Flags())
	}
	if blas.Size() != blas.QueriedSize() {
		t.Errorf("uncompacted Size() = %d, want QueriedSize() %d", blas.Size(), blas.QueriedSize())
	}
	if b.BottomLevel(1) != nil || b.BottomLevel(-1) != nil {
		t.Error("BottomLevel() out of range returned a structure")
	}
}

func TestBuildBottomLevelAppendsAcrossCalls(t *testing.T) {
	_, ctx, exec := newTestEnv(t)
	b := newTestBuilder(t, ctx, exec)

	first := newMeshInputs(t, ctx, 2, 4, 0)
	if err := b.BuildBottomLevel(first, 0); err != nil {
		t.Fatalf("BuildBottomLevel(first) = %v", err)
	}
	h0, h1 := b.BottomLevel(0).Handle(), b.BottomLevel(1).Handle()

	if err := b.BuildBottomLevel(newMeshInputs(t, ctx, 3, 4, 0), 0); err != nil {
		t.Fatalf("BuildBottomLevel(second) = %v", err)
	}
	if b.BottomLevelCount() != 5 {
		t.Fatalf("BottomLevelCount() = %d, want 5", b.BottomLevelCount())
	}
	if b.BottomLevel(0).Handle() != h0 || b.BottomLevel(1).Handle() != h1 {
		t.Error("earlier structures changed index")
	}
}

func TestBuildBottomLevelCompaction(t *testing.T) {
	dev, ctx, exec := newTestEnv(t, software.WithCompactionRatio(0.5))
	b := newTestBuilder(t, ctx, exec)

	if err := b.BuildBottomLevel(newMeshInputs(t, ctx, 3, 100, 0), gpucore.BuildFlagAllowCompaction); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}

	var saved uint64
	for i := range b.BottomLevelCount() {
		s := b.BottomLevel(i)
		if s.Size() >= s.QueriedSize() {
			t.Errorf("structure %d: Size() = %d, want < QueriedSize() %d", i, s.Size(), s.QueriedSize())
		}
		info, ok := dev.Structure(s.Handle())
		if !ok || !info.Built {
			t.Errorf("structure %d: compacted copy not built on the device", i)
		}
		saved += s.QueriedSize() - s.Size()
	}
	if got := b.Stats().CompactionSavedBytes; got != saved {
		t.Errorf("CompactionSavedBytes = %d, want %d", got, saved)
	}

	// Only the compacted copies survive.
	if n := len(dev.LiveStructures()); n != 3 {
		t.Errorf("live structures = %d, want 3", n)
	}

	// One build submission and one compaction copy submission.
	subs := dev.Submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	if subs[0].Count(software.CommandWriteCompactedSizes) != 1 || subs[0].Count(software.CommandResetQueries) != 1 {
		t.Error("build submission does not reset and write compacted-size queries")
	}
	if subs[1].Count(software.CommandCopyStructure) != 3 {
		t.Errorf("compaction copies = %d, want 3", subs[1].Count(software.CommandCopyStructure))
	}
	for _, c := range subs[1].Commands {
		if c.Kind == software.CommandCopyStructure && c.CopyMode != gpucore.CopyModeCompact {
			t.Errorf("copy mode = %v, want compact", c.CopyMode)
		}
	}
}

func TestBuildBottomLevelCompactionPerBatch(t *testing.T) {
	const size = 1 << 20
	dev, ctx, exec := newTestEnv(t, software.WithSizeModel(pinnedSizes(size)), software.WithCompactionRatio(0.25))
	b := newTestBuilder(t, ctx, exec, WithBatchThreshold(2*size))

	if err := b.BuildBottomLevel(newMeshInputs(t, ctx, 4, 4, gpucore.BuildFlagAllowCompaction), 0); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}
	if b.BatchCount() != 2 {
		t.Errorf("BatchCount() = %d, want 2", b.BatchCount())
	}
	// Each batch is followed by its own compaction submission.
	if n := len(dev.Submissions()); n != 4 {
		t.Errorf("submissions = %d, want 4", n)
	}
	for _, s := range b.BottomLevelSizes() {
		if s != size/4 {
			t.Errorf("compacted size = %d, want %d", s, size/4)
		}
	}
}

func TestBuildBottomLevelMixedCompaction(t *testing.T) {
	dev, ctx, exec := newTestEnv(t)
	b := newTestBuilder(t, ctx, exec)

	plain := newMeshInputs(t, ctx, 2, 4, 0)
	compact := newMeshInputs(t, ctx, 1, 4, gpucore.BuildFlagAllowCompaction)
	inputs := append(plain, compact...)

	err := b.BuildBottomLevel(inputs, 0)
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("BuildBottomLevel() = %v, want *ConfigurationError", err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Error("ConfigurationError does not match ErrConfiguration")
	}
	if cfg.Compacted != 1 || cfg.Total != 3 {
		t.Errorf("ConfigurationError = %+v, want 1 of 3", cfg)
	}
	if len(dev.Submissions()) != 0 {
		t.Error("device work submitted for a rejected call")
	}
	if len(dev.LiveStructures()) != 0 {
		t.Error("structures created for a rejected call")
	}
	for _, in := range inputs {
		if in.Consumed() {
			t.Fatal("rejected call consumed an input")
		}
	}

	// Split into homogeneous calls, the same inputs build.
	if err := b.BuildBottomLevel(plain, 0); err != nil {
		t.Fatalf("BuildBottomLevel(plain) = %v", err)
	}
	if err := b.BuildBottomLevel(compact, 0); err != nil {
		t.Fatalf("BuildBottomLevel(compact) = %v", err)
	}
	if b.BottomLevelCount() != 3 {
		t.Errorf("BottomLevelCount() = %d, want 3", b.BottomLevelCount())
	}
}

func TestBuildBottomLevelConsumedInputPanics(t *testing.T) {
	_, ctx, exec := newTestEnv(t)
	b := newTestBuilder(t, ctx, exec)

	inputs := newMeshInputs(t, ctx, 1, 4, 0)
	if err := b.BuildBottomLevel(inputs, 0); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}
	pe := expectProgrammingError(t, func() { _ = b.BuildBottomLevel(inputs, 0) })
	if pe.Op != "BuildBottomLevel" {
		t.Errorf("Op = %q, want BuildBottomLevel", pe.Op)
	}

	dup := newMeshInputs(t, ctx, 1, 4, 0)
	expectProgrammingError(t, func() { _ = b.BuildBottomLevel([]*GeometryInput{dup[0], dup[0]}, 0) })
	if b.BottomLevelCount() != 1 {
		t.Errorf("BottomLevelCount() = %d, want 1", b.BottomLevelCount())
	}
}

func TestBuildBottomLevelInvalidArguments(t *testing.T) {
	_, ctx, exec := newTestEnv(t)
	b := newTestBuilder(t, ctx, exec)

	if err := b.BuildBottomLevel(nil, 0); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("BuildBottomLevel(nil) = %v, want ErrInvalidGeometry", err)
	}
	if err := b.BuildBottomLevel([]*GeometryInput{nil}, 0); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("BuildBottomLevel([nil]) = %v, want ErrInvalidGeometry", err)
	}
}

func TestBuildBottomLevelRollback(t *testing.T) {
	dev := &flakyDevice{Device: software.New()}
	ctx := NewDeviceContext(dev)
	exec := NewExecutor(ctx)
	t.Cleanup(exec.Destroy)
	b := newTestBuilder(t, ctx, exec, WithBatchThreshold(1))

	if err := b.BuildBottomLevel(newMeshInputs(t, ctx, 1, 4, 0), 0); err != nil {
		t.Fatalf("BuildBottomLevel(first) = %v", err)
	}
	kept := b.BottomLevel(0).Handle()
	buffersBefore := len(dev.LiveBuffers())

	// Every input is its own batch; the second batch fails.
	dev.failIn = 2
	inputs := newMeshInputs(t, ctx, 3, 4, 0)
	err := b.BuildBottomLevel(inputs, 0)
	if !errors.Is(err, errFlakySubmit) {
		t.Fatalf("BuildBottomLevel() = %v, want injected error", err)
	}
	for i, in := range inputs {
		if !in.Consumed() {
			t.Errorf("input %d not consumed after a failed build", i)
		}
	}

	if b.BottomLevelCount() != 1 {
		t.Errorf("BottomLevelCount() = %d, want 1", b.BottomLevelCount())
	}
	live := dev.LiveStructures()
	if len(live) != 1 || live[0].ID != kept {
		t.Errorf("live structures = %+v, want only %v", live, kept)
	}
	// The failed call leaves no buffers behind besides the new meshes.
	if got, want := len(dev.LiveBuffers()), buffersBefore+6; got != want {
		t.Errorf("live buffers = %d, want %d", got, want)
	}
}

// newSceneBuilder builds two bottom-level structures for top-level tests.
func newSceneBuilder(t *testing.T, opts ...software.Option) (*software.Device, *Builder) {
	t.Helper()
	dev, ctx, exec := newTestEnv(t, opts...)
	b := newTestBuilder(t, ctx, exec)
	if err := b.BuildBottomLevel(newMeshInputs(t, ctx, 2, 12, 0), 0); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}
	return dev, b
}

func sceneInstances() []Instance {
	return []Instance{
		NewInstance(0, Identity()),
		NewInstance(1, Translation(5, 0, 0)),
		NewInstance(0, Translation(0, 5, 0)),
	}
}

// recordFloat reads a float32 at byte offset off of instance record i.
func recordFloat(t *testing.T, dev *software.Device, r *Resource, i int, off int) float32 {
	t.Helper()
	data, err := dev.Snapshot(r.ID())
	if err != nil {
		t.Fatalf("Snapshot() = %v", err)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data[i*InstanceRecordSize+off:]))
}

func TestBuildTopLevel(t *testing.T) {
	dev, b := newSceneBuilder(t)

	if err := b.BuildTopLevel(sceneInstances(), gpucore.BuildFlagAllowUpdate, false); err != nil {
		t.Fatalf("BuildTopLevel() = %v", err)
	}

	top := b.TopLevel()
	if !top.Built() || top.InstanceCount() != 3 || top.LastMode() != gpucore.BuildModeBuild {
		t.Errorf("TopLevel = built %v, %d instances, %v", top.Built(), top.InstanceCount(), top.LastMode())
	}
	info, ok := dev.Structure(top.Handle())
	if !ok || !info.Built || info.PrimitiveCount != 3 {
		t.Errorf("device structure = %+v, want built over 3 instances", info)
	}

	// Instance records reference bottom-level addresses.
	data, err := dev.Snapshot(b.InstanceBuffer().ID())
	if err != nil {
		t.Fatalf("Snapshot() = %v", err)
	}
	if got := binary.LittleEndian.Uint64(data[InstanceRecordSize+56:]); got != uint64(b.BottomLevel(1).Address()) {
		t.Errorf("record 1 address = %#x, want %#x", got, uint64(b.BottomLevel(1).Address()))
	}
	if got := recordFloat(t, dev, b.InstanceBuffer(), 1, 12); got != 5 {
		t.Errorf("record 1 x translation = %v, want 5", got)
	}
}

func TestUpdateInstanceTransforms(t *testing.T) {
	dev, b := newSceneBuilder(t)
	if err := b.BuildTopLevel(sceneInstances(), gpucore.BuildFlagAllowUpdate, false); err != nil {
		t.Fatalf("BuildTopLevel() = %v", err)
	}

	top := b.TopLevel()
	handle, size := top.Handle(), top.Size()
	blasHandles := []gpucore.AccelerationStructureID{b.BottomLevel(0).Handle(), b.BottomLevel(1).Handle()}
	blasSizes := b.BottomLevelSizes()
	dev.ResetTrace()

	if err := b.UpdateInstanceTransforms([]TransformPatch{{Index: 1, Transform: Translation(9, 8, 7)}}); err != nil {
		t.Fatalf("UpdateInstanceTransforms() = %v", err)
	}

	var builds []software.Command
	for _, s := range dev.Submissions() {
		for _, c := range s.Commands {
			if c.Kind == software.CommandBuild {
				builds = append(builds, c)
			}
		}
	}
	if len(builds) != 1 {
		t.Fatalf("build commands = %d, want 1", len(builds))
	}
	if builds[0].Mode != gpucore.BuildModeUpdate || builds[0].Type != gpucore.AccelerationStructureTopLevel {
		t.Errorf("build = %+v, want top-level UPDATE", builds[0])
	}
	if builds[0].Src != uint64(handle) || builds[0].Dst != uint64(handle) {
		t.Errorf("update src/dst = %d/%d, want %d in place", builds[0].Src, builds[0].Dst, handle)
	}

	if top.Handle() != handle || top.Size() != size {
		t.Error("update replaced the top-level structure")
	}
	if top.LastMode() != gpucore.BuildModeUpdate {
		t.Errorf("LastMode() = %v, want UPDATE", top.LastMode())
	}
	info, _ := dev.Structure(handle)
	if info.Generation != 2 {
		t.Errorf("Generation = %d, want 2", info.Generation)
	}
	for i, h := range blasHandles {
		if b.BottomLevel(i).Handle() != h || b.BottomLevelSizes()[i] != blasSizes[i] {
			t.Errorf("bottom level %d changed", i)
		}
	}

	if got := recordFloat(t, dev, b.InstanceBuffer(), 1, 12); got != 9 {
		t.Errorf("patched record x translation = %v, want 9", got)
	}
	if got := recordFloat(t, dev, b.InstanceBuffer(), 2, 28); got != 5 {
		t.Errorf("untouched record y translation = %v, want 5", got)
	}
	if got := b.Instances()[1].Transform; got != Translation(9, 8, 7) {
		t.Errorf("retained transform = %v", got)
	}
	if st := b.Stats(); st.TopLevelBuilds != 1 || st.TopLevelUpdates != 1 {
		t.Errorf("Stats builds/updates = %d/%d, want 1/1", st.TopLevelBuilds, st.TopLevelUpdates)
	}
}

func TestBuildTopLevelUpdateInPlace(t *testing.T) {
	dev, b := newSceneBuilder(t)
	instances := sceneInstances()
	if err := b.BuildTopLevel(instances, gpucore.BuildFlagAllowUpdate, false); err != nil {
		t.Fatalf("BuildTopLevel() = %v", err)
	}
	handle := b.TopLevel().Handle()

	instances[2].Transform = Translation(1, 1, 1)
	if err := b.BuildTopLevel(instances, 0, true); err != nil {
		t.Fatalf("BuildTopLevel(update) = %v", err)
	}
	if b.TopLevel().Handle() != handle {
		t.Error("update replaced the structure")
	}
	// Updates keep the flags of the last full build.
	if info, _ := dev.Structure(handle); !info.Flags.Has(gpucore.BuildFlagAllowUpdate) {
		t.Errorf("device flags = %v, want AllowUpdate kept", info.Flags)
	}
}

func TestBuildTopLevelUpdateMisuse(t *testing.T) {
	t.Run("never built", func(t *testing.T) {
		_, b := newSceneBuilder(t)
		expectProgrammingError(t, func() {
			_ = b.UpdateInstanceTransforms([]TransformPatch{{Index: 0, Transform: Identity()}})
		})
		expectProgrammingError(t, func() { _ = b.BuildTopLevel(sceneInstances(), 0, true) })
	})

	t.Run("without AllowUpdate", func(t *testing.T) {
		dev, b := newSceneBuilder(t)
		if err := b.BuildTopLevel(sceneInstances(), 0, false); err != nil {
			t.Fatalf("BuildTopLevel() = %v", err)
		}
		before := len(dev.Submissions())
		expectProgrammingError(t, func() { _ = b.BuildTopLevel(sceneInstances(), 0, true) })
		expectProgrammingError(t, func() {
			_ = b.UpdateInstanceTransforms([]TransformPatch{{Index: 0, Transform: Identity()}})
		})
		if len(dev.Submissions()) != before {
			t.Error("rejected update submitted device work")
		}
	})

	t.Run("instance count changes", func(t *testing.T) {
		_, b := newSceneBuilder(t)
		if err := b.BuildTopLevel(sceneInstances(), gpucore.BuildFlagAllowUpdate, false); err != nil {
			t.Fatalf("BuildTopLevel() = %v", err)
		}
		expectProgrammingError(t, func() { _ = b.BuildTopLevel(sceneInstances()[:2], 0, true) })
	})

	t.Run("patch out of range", func(t *testing.T) {
		_, b := newSceneBuilder(t)
		if err := b.BuildTopLevel(sceneInstances(), gpucore.BuildFlagAllowUpdate, false); err != nil {
			t.Fatalf("BuildTopLevel() = %v", err)
		}
		expectProgrammingError(t, func() {
			_ = b.UpdateInstanceTransforms([]TransformPatch{{Index: 3, Transform: Identity()}})
		})
		if b.Instances()[0].Transform != Identity() {
			t.Error("rejected patch modified the instance table")
		}
	})
}

func TestBuildTopLevelInvalidInstances(t *testing.T) {
	_, b := newSceneBuilder(t)

	if err := b.BuildTopLevel(nil, 0, false); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("BuildTopLevel(nil) = %v, want ErrInvalidGeometry", err)
	}
	bad := []Instance{NewInstance(0, Identity()), NewInstance(2, Identity())}
	if err := b.BuildTopLevel(bad, 0, false); !errors.Is(err, ErrNoBottomLevel) {
		t.Errorf("BuildTopLevel(missing bottom level) = %v, want ErrNoBottomLevel", err)
	}
	wide := []Instance{{BottomLevel: 0, CustomIndex: 1 << 24}}
	if err := b.BuildTopLevel(wide, 0, false); !errors.Is(err, ErrInvalidInstance) {
		t.Errorf("BuildTopLevel(wide custom index) = %v, want ErrInvalidInstance", err)
	}
	if b.TopLevel().Built() {
		t.Error("rejected builds produced a top-level structure")
	}
}

func TestBuildTopLevelInstanceLimit(t *testing.T) {
	limits := gpucore.DefaultLimits()
	limits.MaxInstanceCount = 2
	_, b := newSceneBuilder(t, software.WithLimits(limits))

	if err := b.BuildTopLevel(sceneInstances(), 0, false); !errors.Is(err, ErrInvalidInstance) {
		t.Errorf("BuildTopLevel(3 of 2) = %v, want ErrInvalidInstance", err)
	}
}

func TestBuildTopLevelRebuildReplacesStructure(t *testing.T) {
	dev, b := newSceneBuilder(t)
	if err := b.BuildTopLevel(sceneInstances()[:1], 0, false); err != nil {
		t.Fatalf("BuildTopLevel() = %v", err)
	}
	top := b.TopLevel()
	old := top.Handle()
	buf := b.InstanceBuffer()

	if err := b.BuildTopLevel(sceneInstances(), 0, false); err != nil {
		t.Fatalf("BuildTopLevel(rebuild) = %v", err)
	}
	if b.TopLevel() != top {
		t.Error("TopLevel() pointer changed across rebuilds")
	}
	if top.Handle() == old {
		t.Error("rebuild kept the old handle")
	}
	if _, ok := dev.Structure(old); ok {
		t.Error("replaced structure still live")
	}
	if top.InstanceCount() != 3 {
		t.Errorf("InstanceCount() = %d, want 3", top.InstanceCount())
	}

	// The instance buffer grew in place.
	if b.InstanceBuffer() != buf {
		t.Error("InstanceBuffer() pointer changed")
	}
	if buf.Size() != 3*InstanceRecordSize {
		t.Errorf("instance buffer size = %d, want %d", buf.Size(), 3*InstanceRecordSize)
	}
}

func TestBuildTopLevelAsync(t *testing.T) {
	dev, b := newSceneBuilder(t, software.WithDeferredCompletion())

	sem, err := b.BuildTopLevelAsync(sceneInstances(), 0, false, gpucore.InvalidID, true)
	if err != nil {
		t.Fatalf("BuildTopLevelAsync() = %v", err)
	}
	if sem == gpucore.InvalidID {
		t.Fatal("BuildTopLevelAsync(signal) returned InvalidID")
	}
	if dev.PendingSubmissions() != 1 {
		t.Fatalf("PendingSubmissions() = %d, want 1", dev.PendingSubmissions())
	}
	first := b.TopLevel().Handle()

	// The next build waits for the async one before replacing it.
	if err := b.BuildTopLevel(sceneInstances(), 0, false); err != nil {
		t.Fatalf("BuildTopLevel() = %v", err)
	}
	if dev.PendingSubmissions() != 0 {
		t.Errorf("PendingSubmissions() = %d, want 0", dev.PendingSubmissions())
	}
	if !dev.SemaphoreSignaled(sem) {
		t.Error("async build did not signal its semaphore")
	}
	if _, ok := dev.Structure(first); ok {
		t.Error("structure of the async build still live after replacement")
	}
	if n := len(dev.LiveStructures()); n != 3 {
		t.Errorf("live structures = %d, want 3", n)
	}
}

func TestBuildTopLevelAsyncWaitsOnSemaphore(t *testing.T) {
	dev, b := newSceneBuilder(t, software.WithDeferredCompletion())

	frame, err := dev.CreateSemaphore()
	if err != nil {
		t.Fatalf("CreateSemaphore() = %v", err)
	}
	// Stands in for the frame that renders before the build.
	if err := signalSemaphore(dev, frame); err != nil {
		t.Fatalf("signal frame semaphore: %v", err)
	}

	if _, err := b.BuildTopLevelAsync(sceneInstances(), 0, false, frame, false); err != nil {
		t.Fatalf("BuildTopLevelAsync() = %v", err)
	}
	subs := dev.Submissions()
	last := subs[len(subs)-1]
	if len(last.WaitSemaphores) != 1 || last.WaitSemaphores[0] != frame {
		t.Errorf("wait semaphores = %v, want [%v]", last.WaitSemaphores, frame)
	}
	if len(last.SignalSemaphores) != 0 {
		t.Errorf("signal semaphores = %v, want none", last.SignalSemaphores)
	}

	if err := dev.Complete(); err != nil {
		t.Fatalf("Complete() = %v", err)
	}
	if dev.SemaphoreSignaled(frame) {
		t.Error("build did not consume the frame semaphore")
	}
	if !b.TopLevel().Built() {
		t.Error("top level not built")
	}
}

// signalSemaphore submits an empty command buffer that signals sem.
func signalSemaphore(dev *software.Device, sem gpucore.SemaphoreID) error {
	cb, err := dev.CreateCommandBuffer("signal")
	if err != nil {
		return err
	}
	if err := dev.BeginCommandBuffer(cb); err != nil {
		return err
	}
	if err := dev.EndCommandBuffer(cb); err != nil {
		return err
	}
	return dev.Submit(&gpucore.SubmitInfo{
		CommandBuffers:   []gpucore.CommandBufferID{cb},
		SignalSemaphores: []gpucore.SemaphoreID{sem},
	})
}

func TestBuilderDestroyReleasesEverything(t *testing.T) {
	dev, ctx, exec := newTestEnv(t, software.WithCompactionRatio(0.5))
	inputs := newMeshInputs(t, ctx, 3, 16, gpucore.BuildFlagAllowCompaction)
	meshBuffers := len(dev.LiveBuffers())

	b := NewBuilder(ctx, exec)
	if err := b.BuildBottomLevel(inputs, 0); err != nil {
		t.Fatalf("BuildBottomLevel() = %v", err)
	}
	if err := b.BuildTopLevel([]Instance{NewInstance(2, Identity())}, gpucore.BuildFlagAllowUpdate, false); err != nil {
		t.Fatalf("BuildTopLevel() = %v", err)
	}
	if err := b.UpdateInstanceTransforms([]TransformPatch{{Index: 0, Transform: Translation(1, 2, 3)}}); err != nil {
		t.Fatalf("UpdateInstanceTransforms() = %v", err)
	}

	b.Destroy()
	b.Destroy()

	if n := len(dev.LiveStructures()); n != 0 {
		t.Errorf("live structures after Destroy = %d, want 0", n)
	}
	if n := len(dev.LiveBuffers()); n != meshBuffers {
		t.Errorf("live buffers after Destroy = %d, want %d (mesh buffers only)", n, meshBuffers)
	}
	if b.TopLevel().Built() || b.BottomLevelCount() != 0 {
		t.Error("builder still reports structures after Destroy")
	}
}

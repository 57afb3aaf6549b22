package native

import (
	"errors"
	"testing"

	"github.com/gogpu/rtas/gpucore"
)

// fakeExtension records what the device forwards to it.
type fakeExtension struct {
	q *fakeQueue

	nextID     uint64
	structures map[gpucore.AccelerationStructureID]gpucore.AccelerationStructureDescriptor
	executed   []RayTracingCommand

	// halSubmitsAtExecute is the HAL submission count seen by each Execute.
	halSubmitsAtExecute []int
}

func newFakeExtension(q *fakeQueue) *fakeExtension {
	return &fakeExtension{q: q, structures: make(map[gpucore.AccelerationStructureID]gpucore.AccelerationStructureDescriptor)}
}

func (e *fakeExtension) BuildSizes(_ gpucore.AccelerationStructureType, _ gpucore.BuildFlags, _ []gpucore.Geometry, counts []uint32) (gpucore.BuildSizes, error) {
	var prims uint64
	for _, c := range counts {
		prims += uint64(c)
	}
	return gpucore.BuildSizes{AccelerationStructureSize: 64 * prims, BuildScratchSize: 32 * prims, UpdateScratchSize: 16 * prims}, nil
}

func (e *fakeExtension) CreateAccelerationStructure(desc *gpucore.AccelerationStructureDescriptor) (gpucore.AccelerationStructureID, error) {
	e.nextID++
	id := gpucore.AccelerationStructureID(e.nextID)
	e.structures[id] = *desc
	return id, nil
}

func (e *fakeExtension) DestroyAccelerationStructure(id gpucore.AccelerationStructureID) {
	delete(e.structures, id)
}

func (e *fakeExtension) AccelerationStructureAddress(id gpucore.AccelerationStructureID) (gpucore.DeviceAddress, error) {
	if _, ok := e.structures[id]; !ok {
		return 0, gpucore.ErrUnknownResource
	}
	return gpucore.DeviceAddress(0x9000_0000 + uint64(id)*256), nil
}

func (e *fakeExtension) CreateQueryPool(uint32) (gpucore.QueryPoolID, error) {
	e.nextID++
	return gpucore.QueryPoolID(e.nextID), nil
}

func (e *fakeExtension) DestroyQueryPool(gpucore.QueryPoolID) {}

func (e *fakeExtension) QueryResults(_ gpucore.QueryPoolID, _, count uint32, _ bool) ([]uint64, error) {
	return make([]uint64, count), nil
}

func (e *fakeExtension) Execute(cmds []RayTracingCommand) error {
	e.executed = append(e.executed, cmds...)
	e.halSubmitsAtExecute = append(e.halSubmitsAtExecute, len(e.q.labels))
	return nil
}

func newRayTracingDevice(t *testing.T) (*Device, *fakeQueue, *fakeExtension) {
	t.Helper()
	q := newFakeQueue()
	ext := newFakeExtension(q)
	o := defaultOptions()
	WithRayTracing(ext)(&o)
	return newDevice(q, o), q, ext
}

func TestRayTracingUnsupported(t *testing.T) {
	d, _ := newTestDevice(t)
	if d.RayTracingSupported() {
		t.Fatal("RayTracingSupported() = true without extension")
	}

	if _, err := d.BuildSizes(gpucore.AccelerationStructureBottomLevel, 0, nil, nil); !errors.Is(err, gpucore.ErrRayTracingUnsupported) {
		t.Errorf("BuildSizes() = %v, want ErrRayTracingUnsupported", err)
	}
	if _, err := d.CreateAccelerationStructure(&gpucore.AccelerationStructureDescriptor{}); !errors.Is(err, gpucore.ErrRayTracingUnsupported) {
		t.Errorf("CreateAccelerationStructure() = %v, want ErrRayTracingUnsupported", err)
	}
	if _, err := d.CreateQueryPool(1); !errors.Is(err, gpucore.ErrRayTracingUnsupported) {
		t.Errorf("CreateQueryPool() = %v, want ErrRayTracingUnsupported", err)
	}
	if _, err := d.QueryResults(1, 0, 1, true); !errors.Is(err, gpucore.ErrRayTracingUnsupported) {
		t.Errorf("QueryResults() = %v, want ErrRayTracingUnsupported", err)
	}

	cb, _ := d.CreateCommandBuffer("build")
	if err := d.BeginCommandBuffer(cb); err != nil {
		t.Fatal(err)
	}
	d.CmdBuildAccelerationStructures(cb, []gpucore.BuildGeometryInfo{{}}, [][]gpucore.BuildRange{{}})
	if err := d.EndCommandBuffer(cb); !errors.Is(err, gpucore.ErrRayTracingUnsupported) {
		t.Errorf("EndCommandBuffer() = %v, want ErrRayTracingUnsupported", err)
	}
}

func TestCreateAccelerationStructureChecksBuffer(t *testing.T) {
	d, _, ext := newRayTracingDevice(t)
	storage := mustBuffer(t, d, gpucore.BufferDescriptor{
		Label: "blas", Size: 1024,
		Usage: gpucore.BufferUsageAccelerationStructureStorage | gpucore.BufferUsageDeviceAddress,
	})
	plain := mustBuffer(t, d, gpucore.BufferDescriptor{Label: "plain", Size: 1024})

	tests := []struct {
		name string
		desc gpucore.AccelerationStructureDescriptor
		want error
	}{
		{"unknown buffer", gpucore.AccelerationStructureDescriptor{Buffer: 999, Size: 64}, gpucore.ErrUnknownResource},
		{"missing storage usage", gpucore.AccelerationStructureDescriptor{Buffer: plain, Size: 64}, gpucore.ErrInvalidUsage},
		{"exceeds buffer", gpucore.AccelerationStructureDescriptor{Buffer: storage, Offset: 512, Size: 1024}, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.CreateAccelerationStructure(&tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("CreateAccelerationStructure() = %v, want %v", err, tt.want)
			}
		})
	}

	id, err := d.CreateAccelerationStructure(&gpucore.AccelerationStructureDescriptor{Buffer: storage, Size: 1024})
	if err != nil {
		t.Fatalf("CreateAccelerationStructure() = %v", err)
	}
	if _, err := d.AccelerationStructureAddress(id); err != nil {
		t.Errorf("AccelerationStructureAddress() = %v", err)
	}
	d.DestroyAccelerationStructure(id)
	if len(ext.structures) != 0 {
		t.Errorf("extension holds %d structures after destroy", len(ext.structures))
	}
}

func TestSubmitInterleavesCopiesAndStructureCommands(t *testing.T) {
	d, q, ext := newRayTracingDevice(t)
	buf := mustBuffer(t, d, gpucore.BufferDescriptor{Size: 64, Usage: gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst})

	infos := []gpucore.BuildGeometryInfo{{Type: gpucore.AccelerationStructureBottomLevel, Dst: 7}}
	ranges := [][]gpucore.BuildRange{{{PrimitiveCount: 12}}}
	cb := mustRecord(t, d, func(cb gpucore.CommandBufferID) {
		d.CmdCopyBuffer(cb, buf, buf, []gpucore.BufferCopy{{Size: 32, DstOffset: 32}})
		d.CmdBuildAccelerationStructures(cb, infos, ranges)
		d.CmdPipelineBarrier(cb, gpucore.Barrier{})
		d.CmdWriteCompactedSizes(cb, []gpucore.AccelerationStructureID{7}, 3, 0)
		d.CmdCopyBuffer(cb, buf, buf, []gpucore.BufferCopy{{Size: 32}})
	})
	ranges[0][0].PrimitiveCount = 99

	f, _ := d.CreateFence(false)
	if err := d.Submit(&gpucore.SubmitInfo{CommandBuffers: []gpucore.CommandBufferID{cb}, Fence: f}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	if len(ext.executed) != 2 {
		t.Fatalf("extension executed %d commands, want 2", len(ext.executed))
	}
	if ext.executed[0].Kind != RayTracingBuild || ext.executed[1].Kind != RayTracingWriteCompactedSizes {
		t.Errorf("executed kinds = %v, %v", ext.executed[0].Kind, ext.executed[1].Kind)
	}
	if got := ext.executed[0].Ranges[0][0].PrimitiveCount; got != 12 {
		t.Errorf("recorded range = %d primitives, want 12 (copied at record time)", got)
	}
	if ext.executed[1].Count != 1 || ext.executed[1].Pool != 3 {
		t.Errorf("query command = %+v", ext.executed[1])
	}
	// One HAL submission before the structure commands, one after.
	if len(ext.halSubmitsAtExecute) != 1 || ext.halSubmitsAtExecute[0] != 1 {
		t.Errorf("HAL submissions before Execute = %v, want [1]", ext.halSubmitsAtExecute)
	}
	if len(q.labels) != 2 {
		t.Errorf("HAL submissions = %d, want 2", len(q.labels))
	}
	if ok, _ := d.FenceStatus(f); !ok {
		t.Error("fence not signaled after completed submissions")
	}
}

func TestRayTracingCommandKindString(t *testing.T) {
	tests := []struct {
		kind RayTracingCommandKind
		want string
	}{
		{RayTracingBuild, "Build"},
		{RayTracingCopy, "Copy"},
		{RayTracingResetQueries, "ResetQueries"},
		{RayTracingWriteCompactedSizes, "WriteCompactedSizes"},
		{RayTracingCommandKind(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

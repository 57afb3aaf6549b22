package software

import (
	"fmt"
	"sort"

	"github.com/gogpu/rtas/gpucore"
)

// CommandKind identifies a recorded command in the submission trace.
type CommandKind uint8

const (
	CommandCopyBuffer CommandKind = iota
	CommandBarrier
	CommandBuild
	CommandCopyStructure
	CommandResetQueries
	CommandWriteCompactedSizes
)

// String returns the string representation of CommandKind.
func (k CommandKind) String() string {
	switch k {
	case CommandCopyBuffer:
		return "CopyBuffer"
	case CommandBarrier:
		return "Barrier"
	case CommandBuild:
		return "BuildAccelerationStructure"
	case CommandCopyStructure:
		return "CopyAccelerationStructure"
	case CommandResetQueries:
		return "ResetQueryPool"
	case CommandWriteCompactedSizes:
		return "WriteCompactedSizes"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Command is one trace entry. Fields not meaningful for Kind are zero.
type Command struct {
	Kind CommandKind

	// Type and Mode describe structure builds.
	Type gpucore.AccelerationStructureType
	Mode gpucore.BuildMode

	// CopyMode describes structure copies.
	CopyMode gpucore.CopyMode

	// Src and Dst are raw object IDs (buffers, structures or query pools).
	Src uint64
	Dst uint64

	// Count is the region count for copies, the primitive count for builds
	// and the query count for query commands.
	Count int

	Barrier gpucore.Barrier
}

// Submission is one Submit call as seen by the device.
type Submission struct {
	Commands         []Command
	WaitSemaphores   []gpucore.SemaphoreID
	SignalSemaphores []gpucore.SemaphoreID
	Fence            gpucore.FenceID
}

// Count returns the number of commands of the given kind.
func (s Submission) Count(kind CommandKind) int {
	n := 0
	for _, c := range s.Commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func newSubmission(p *pendingSubmit) Submission {
	s := Submission{
		WaitSemaphores:   p.info.WaitSemaphores,
		SignalSemaphores: p.info.SignalSemaphores,
		Fence:            p.info.Fence,
	}
	for _, cmds := range p.cmds {
		for _, c := range cmds {
			s.Commands = append(s.Commands, c.trace)
		}
	}
	return s
}

// Submissions returns a copy of every submission since creation or the last
// ResetTrace.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

// ResetTrace clears the submission trace.
func (d *Device) ResetTrace() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submissions = nil
}

// Snapshot returns a copy of a buffer's contents regardless of residency.
func (d *Device) Snapshot(id gpucore.BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	out := make([]byte, b.desc.Size)
	b.read(out, 0)
	return out, nil
}

// BufferInfo describes a live buffer.
type BufferInfo struct {
	ID gpucore.BufferID
	gpucore.BufferDescriptor
}

// LiveBuffers lists live buffers ordered by ID.
func (d *Device) LiveBuffers() []BufferInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]BufferInfo, 0, len(d.buffers))
	for id, b := range d.buffers {
		out = append(out, BufferInfo{ID: id, BufferDescriptor: b.desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StructureInfo describes a live acceleration structure.
type StructureInfo struct {
	ID             gpucore.AccelerationStructureID
	Descriptor     gpucore.AccelerationStructureDescriptor
	Address        gpucore.DeviceAddress
	Built          bool
	Flags          gpucore.BuildFlags
	PrimitiveCount uint32
	CompactedSize  uint64

	// Generation counts builds and updates into the structure.
	Generation uint32
}

// LiveStructures lists live acceleration structures ordered by ID.
func (d *Device) LiveStructures() []StructureInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]StructureInfo, 0, len(d.structures))
	for id, s := range d.structures {
		out = append(out, StructureInfo{
			ID:             id,
			Descriptor:     s.desc,
			Address:        s.addr,
			Built:          s.built,
			Flags:          s.flags,
			PrimitiveCount: s.primitiveCount,
			CompactedSize:  s.compactedSize,
			Generation:     s.generation,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Structure returns the state of one structure.
func (d *Device) Structure(id gpucore.AccelerationStructureID) (StructureInfo, bool) {
	for _, s := range d.LiveStructures() {
		if s.ID == id {
			return s, true
		}
	}
	return StructureInfo{}, false
}

// DeviceLocalBytes returns the bytes held by live device-local buffers.
func (d *Device) DeviceLocalBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceLocalBytes
}

// PendingSubmissions returns the number of submissions not yet executed.
func (d *Device) PendingSubmissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

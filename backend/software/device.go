// Package software provides a CPU reference implementation of gpucore.Device.
//
// The device keeps buffer contents in host memory, executes recorded
// commands on the calling goroutine and models acceleration structure sizes
// with a deterministic [SizeModel]. It is the device context used by the
// rtas tests and by cmd/asbench, and it records every submission so callers
// can assert what the build engine asked the GPU to do.
//
// Device-local buffers are backed sparsely: memory is only committed up to
// the highest byte that was ever written, so multi-hundred-megabyte scenes
// can be simulated cheaply.
package software

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/rtas/gpucore"
)

// Device errors.
var (
	// ErrValidation is returned when recorded commands violate API usage rules.
	ErrValidation = errors.New("software: validation failed")

	// ErrInvalidState is returned when an object is used in the wrong state.
	ErrInvalidState = errors.New("software: object in invalid state")
)

const (
	// DefaultCompactionRatio is the default compacted/conservative size ratio.
	DefaultCompactionRatio = 0.6

	// addressAlignment is the alignment of every buffer base address.
	addressAlignment uint64 = 256

	// baseAddress is the first GPU address handed out.
	baseAddress uint64 = 0x1000_0000
)

// buffer is a simulated GPU allocation.
type buffer struct {
	desc   gpucore.BufferDescriptor
	addr   gpucore.DeviceAddress
	data   []byte
	mapped bool
}

// touch commits backing memory up to end bytes.
func (b *buffer) touch(end uint64) {
	if uint64(len(b.data)) >= end {
		return
	}
	grown := make([]byte, end)
	copy(grown, b.data)
	b.data = grown
}

// read copies n bytes at offset into out; uncommitted memory reads as zero.
func (b *buffer) read(out []byte, offset uint64) {
	clear(out)
	if offset >= uint64(len(b.data)) {
		return
	}
	copy(out, b.data[offset:])
}

// write copies data to offset, committing memory as needed.
func (b *buffer) write(data []byte, offset uint64) {
	b.touch(offset + uint64(len(data)))
	copy(b.data[offset:], data)
}

// structure is a simulated acceleration structure object.
type structure struct {
	desc           gpucore.AccelerationStructureDescriptor
	addr           gpucore.DeviceAddress
	built          bool
	flags          gpucore.BuildFlags
	primitiveCount uint32
	compactedSize  uint64
	generation     uint32
}

// commandBufferState follows the Vulkan command buffer lifecycle.
type commandBufferState int

const (
	cmdInitial commandBufferState = iota
	cmdRecording
	cmdExecutable
	cmdPending
)

type commandBuffer struct {
	label string
	state commandBufferState
	cmds  []recordedCommand
}

// recordedCommand pairs a trace entry with its execution.
type recordedCommand struct {
	trace Command
	exec  func(d *Device) error
}

type fence struct {
	signaled bool
}

type semaphore struct {
	signaled bool
}

type queryPool struct {
	results []uint64
	ready   []bool
}

// pendingSubmit is a submission waiting for execution in deferred mode.
type pendingSubmit struct {
	info gpucore.SubmitInfo
	cmds [][]recordedCommand
}

// Device is a CPU reference implementation of gpucore.Device.
//
// Device is safe for concurrent use. All state is protected by a mutex and
// commands execute while it is held.
type Device struct {
	mu   sync.Mutex
	opts options

	nextID   uint64
	nextAddr uint64

	buffers    map[gpucore.BufferID]*buffer
	structures map[gpucore.AccelerationStructureID]*structure
	cmdBuffers map[gpucore.CommandBufferID]*commandBuffer
	fences     map[gpucore.FenceID]*fence
	semaphores map[gpucore.SemaphoreID]*semaphore
	pools      map[gpucore.QueryPoolID]*queryPool

	pending     []*pendingSubmit
	deferredErr error

	submissions      []Submission
	deviceLocalBytes uint64
	injectedSubmit   error
}

// Ensure Device implements gpucore.Device.
var _ gpucore.Device = (*Device)(nil)

// New creates a software device.
func New(opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Device{
		opts:       o,
		nextID:     1,
		nextAddr:   baseAddress,
		buffers:    make(map[gpucore.BufferID]*buffer),
		structures: make(map[gpucore.AccelerationStructureID]*structure),
		cmdBuffers: make(map[gpucore.CommandBufferID]*commandBuffer),
		fences:     make(map[gpucore.FenceID]*fence),
		semaphores: make(map[gpucore.SemaphoreID]*semaphore),
		pools:      make(map[gpucore.QueryPoolID]*queryPool),
	}
}

// newID generates a unique object ID. Callers hold d.mu.
func (d *Device) newID() uint64 {
	id := d.nextID
	d.nextID++
	return id
}

// Limits returns the configured device limits.
func (d *Device) Limits() gpucore.Limits {
	return d.opts.limits
}

// === Buffers ===

// CreateBuffer allocates a simulated buffer.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	if desc == nil || desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer size is 0", ErrValidation)
	}
	if desc.Usage == 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer usage is empty", ErrValidation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if desc.Residency == gpucore.ResidencyDeviceLocal && d.opts.deviceLocalBudget > 0 &&
		d.deviceLocalBytes+desc.Size > d.opts.deviceLocalBudget {
		return gpucore.InvalidID, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			gpucore.ErrOutOfDeviceMemory, desc.Size, d.deviceLocalBytes, d.opts.deviceLocalBudget)
	}

	b := &buffer{desc: *desc, addr: gpucore.DeviceAddress(d.nextAddr)}
	d.nextAddr += alignUp(desc.Size, addressAlignment)

	if desc.Residency == gpucore.ResidencyHostVisible {
		b.data = make([]byte, desc.Size)
	} else {
		d.deviceLocalBytes += desc.Size
	}

	id := gpucore.BufferID(d.newID())
	d.buffers[id] = b
	return id, nil
}

// DestroyBuffer releases a simulated buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return
	}
	if b.desc.Residency == gpucore.ResidencyDeviceLocal {
		d.deviceLocalBytes -= b.desc.Size
	}
	delete(d.buffers, id)
}

// MapBuffer returns the host memory of a host-visible buffer.
func (d *Device) MapBuffer(id gpucore.BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	if b.desc.Residency != gpucore.ResidencyHostVisible {
		return nil, gpucore.ErrNotMappable
	}
	b.mapped = true
	return b.data, nil
}

// UnmapBuffer clears the mapped flag of a buffer.
func (d *Device) UnmapBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.buffers[id]; ok {
		b.mapped = false
	}
}

// FlushMappedRange validates the range; host memory is coherent.
func (d *Device) FlushMappedRange(id gpucore.BufferID, offset, size uint64) error {
	return d.checkMappedRange(id, offset, size)
}

// InvalidateMappedRange validates the range; host memory is coherent.
func (d *Device) InvalidateMappedRange(id gpucore.BufferID, offset, size uint64) error {
	return d.checkMappedRange(id, offset, size)
}

func (d *Device) checkMappedRange(id gpucore.BufferID, offset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	if !b.mapped {
		return fmt.Errorf("%w: buffer %d is not mapped", ErrInvalidState, id)
	}
	if offset+size > b.desc.Size {
		return fmt.Errorf("%w: range %d+%d exceeds buffer size %d", ErrValidation, offset, size, b.desc.Size)
	}
	return nil
}

// BufferAddress returns the simulated GPU address of a buffer.
func (d *Device) BufferAddress(id gpucore.BufferID) (gpucore.DeviceAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return 0, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	if !b.desc.Usage.Contains(gpucore.BufferUsageDeviceAddress) {
		return 0, fmt.Errorf("%w: buffer %d lacks DeviceAddress usage", gpucore.ErrInvalidUsage, id)
	}
	return b.addr, nil
}

// resolve finds the buffer containing addr. Callers hold d.mu.
func (d *Device) resolve(addr gpucore.DeviceAddress) (*buffer, uint64, bool) {
	for _, b := range d.buffers {
		if addr >= b.addr && uint64(addr) < uint64(b.addr)+b.desc.Size {
			return b, uint64(addr - b.addr), true
		}
	}
	return nil, 0, false
}

// === Command buffers ===

// CreateCommandBuffer allocates a command buffer in the initial state.
func (d *Device) CreateCommandBuffer(label string) (gpucore.CommandBufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := gpucore.CommandBufferID(d.newID())
	d.cmdBuffers[id] = &commandBuffer{label: label}
	return id, nil
}

// FreeCommandBuffer releases a command buffer.
func (d *Device) FreeCommandBuffer(id gpucore.CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cmdBuffers, id)
}

// BeginCommandBuffer resets a command buffer and starts recording.
func (d *Device) BeginCommandBuffer(id gpucore.CommandBufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[id]
	if !ok {
		return fmt.Errorf("%w: command buffer %d", gpucore.ErrUnknownResource, id)
	}
	if cb.state == cmdPending {
		return fmt.Errorf("%w: command buffer %q is pending", ErrInvalidState, cb.label)
	}
	cb.state = cmdRecording
	cb.cmds = nil
	return nil
}

// EndCommandBuffer finishes recording.
func (d *Device) EndCommandBuffer(id gpucore.CommandBufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[id]
	if !ok {
		return fmt.Errorf("%w: command buffer %d", gpucore.ErrUnknownResource, id)
	}
	if cb.state != cmdRecording {
		return fmt.Errorf("%w: command buffer %q is not recording", ErrInvalidState, cb.label)
	}
	cb.state = cmdExecutable
	return nil
}

// record appends a command to a recording command buffer.
// Commands recorded outside the recording state are dropped and surface as
// a validation error on submit.
func (d *Device) record(id gpucore.CommandBufferID, trace Command, exec func(*Device) error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[id]
	if !ok {
		return
	}
	if cb.state != cmdRecording {
		cb.cmds = append(cb.cmds, recordedCommand{trace: trace, exec: func(*Device) error {
			return fmt.Errorf("%w: %s recorded outside recording state", ErrValidation, trace.Kind)
		}})
		return
	}
	cb.cmds = append(cb.cmds, recordedCommand{trace: trace, exec: exec})
}

// CmdCopyBuffer records a buffer-to-buffer copy.
func (d *Device) CmdCopyBuffer(cb gpucore.CommandBufferID, src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	regions = append([]gpucore.BufferCopy(nil), regions...)
	trace := Command{Kind: CommandCopyBuffer, Src: uint64(src), Dst: uint64(dst), Count: len(regions)}
	d.record(cb, trace, func(d *Device) error {
		return d.execCopyBuffer(src, dst, regions)
	})
}

// CmdPipelineBarrier records a barrier. Execution is in order, so it only
// appears in the trace.
func (d *Device) CmdPipelineBarrier(cb gpucore.CommandBufferID, barrier gpucore.Barrier) {
	d.record(cb, Command{Kind: CommandBarrier, Barrier: barrier}, func(*Device) error { return nil })
}

// === Fences and semaphores ===

// CreateFence creates a fence.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := gpucore.FenceID(d.newID())
	d.fences[id] = &fence{signaled: signaled}
	return id, nil
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, id)
}

// ResetFence unsignals a fence.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fences[id]
	if !ok {
		return fmt.Errorf("%w: fence %d", gpucore.ErrUnknownResource, id)
	}
	f.signaled = false
	return nil
}

// FenceStatus reports whether a fence has signaled without executing
// pending work.
func (d *Device) FenceStatus(id gpucore.FenceID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fences[id]
	if !ok {
		return false, fmt.Errorf("%w: fence %d", gpucore.ErrUnknownResource, id)
	}
	return f.signaled, nil
}

// WaitFence executes pending submissions up to the one signaling the fence.
// The timeout is not used: simulated work always completes.
func (d *Device) WaitFence(id gpucore.FenceID, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fences[id]
	if !ok {
		return false, fmt.Errorf("%w: fence %d", gpucore.ErrUnknownResource, id)
	}
	if f.signaled {
		return true, nil
	}

	for i, p := range d.pending {
		if p.info.Fence != id {
			continue
		}
		if err := d.drainLocked(i + 1); err != nil {
			return false, err
		}
		return f.signaled, nil
	}
	// Never submitted: a real driver would block until the timeout.
	return false, nil
}

// CreateSemaphore creates an unsignaled binary semaphore.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{}
	return id, nil
}

// DestroySemaphore releases a semaphore.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, id)
}

// SemaphoreSignaled reports whether a semaphore is currently signaled.
func (d *Device) SemaphoreSignaled(id gpucore.SemaphoreID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.semaphores[id]
	return ok && s.signaled
}

// === Submission ===

// Submit validates and enqueues command buffers. In immediate mode they
// execute before Submit returns.
func (d *Device) Submit(info *gpucore.SubmitInfo) error {
	if info == nil {
		return fmt.Errorf("%w: nil submit info", ErrValidation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.injectedSubmit != nil {
		err := d.injectedSubmit
		d.injectedSubmit = nil
		return err
	}

	p := &pendingSubmit{info: copySubmitInfo(info)}
	for _, id := range info.CommandBuffers {
		cb, ok := d.cmdBuffers[id]
		if !ok {
			return fmt.Errorf("%w: command buffer %d", gpucore.ErrUnknownResource, id)
		}
		if cb.state != cmdExecutable {
			return fmt.Errorf("%w: command buffer %q is not executable", ErrInvalidState, cb.label)
		}
		p.cmds = append(p.cmds, append([]recordedCommand(nil), cb.cmds...))
	}
	if info.Fence != gpucore.InvalidID {
		f, ok := d.fences[info.Fence]
		if !ok {
			return fmt.Errorf("%w: fence %d", gpucore.ErrUnknownResource, info.Fence)
		}
		if f.signaled {
			return fmt.Errorf("%w: fence %d submitted while signaled", ErrValidation, info.Fence)
		}
	}
	for _, id := range info.CommandBuffers {
		d.cmdBuffers[id].state = cmdPending
	}

	d.submissions = append(d.submissions, newSubmission(p))
	d.pending = append(d.pending, p)
	if d.opts.deferred {
		return nil
	}
	return d.drainLocked(len(d.pending))
}

// Complete executes every pending submission.
func (d *Device) Complete() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drainLocked(len(d.pending))
}

// drainLocked executes the first n pending submissions in order.
func (d *Device) drainLocked(n int) error {
	if d.deferredErr != nil {
		return d.deferredErr
	}
	for _, p := range d.pending[:n] {
		if err := d.execute(p); err != nil {
			d.deferredErr = err
			d.pending = nil
			return err
		}
	}
	d.pending = d.pending[n:]
	return nil
}

// execute runs one submission and signals its semaphores and fence.
func (d *Device) execute(p *pendingSubmit) error {
	for _, id := range p.info.WaitSemaphores {
		s, ok := d.semaphores[id]
		if !ok {
			return fmt.Errorf("%w: semaphore %d", gpucore.ErrUnknownResource, id)
		}
		if !s.signaled {
			return fmt.Errorf("%w: wait on unsignaled semaphore %d would never complete", gpucore.ErrDeviceLost, id)
		}
		s.signaled = false
	}

	for _, cmds := range p.cmds {
		for _, c := range cmds {
			if err := c.exec(d); err != nil {
				return err
			}
		}
	}

	for _, id := range p.info.CommandBuffers {
		if cb, ok := d.cmdBuffers[id]; ok {
			cb.state = cmdExecutable
		}
	}
	for _, id := range p.info.SignalSemaphores {
		if s, ok := d.semaphores[id]; ok {
			s.signaled = true
		}
	}
	if f, ok := d.fences[p.info.Fence]; ok {
		f.signaled = true
	}
	return nil
}

func (d *Device) execCopyBuffer(srcID, dstID gpucore.BufferID, regions []gpucore.BufferCopy) error {
	src, ok := d.buffers[srcID]
	if !ok {
		return fmt.Errorf("%w: copy source buffer %d", gpucore.ErrUnknownResource, srcID)
	}
	dst, ok := d.buffers[dstID]
	if !ok {
		return fmt.Errorf("%w: copy destination buffer %d", gpucore.ErrUnknownResource, dstID)
	}
	if !src.desc.Usage.Contains(gpucore.BufferUsageCopySrc) {
		return fmt.Errorf("%w: buffer %q lacks CopySrc usage", ErrValidation, src.desc.Label)
	}
	if !dst.desc.Usage.Contains(gpucore.BufferUsageCopyDst) {
		return fmt.Errorf("%w: buffer %q lacks CopyDst usage", ErrValidation, dst.desc.Label)
	}
	for _, r := range regions {
		if r.SrcOffset+r.Size > src.desc.Size || r.DstOffset+r.Size > dst.desc.Size {
			return fmt.Errorf("%w: copy region %+v out of bounds", ErrValidation, r)
		}
		tmp := make([]byte, r.Size)
		src.read(tmp, r.SrcOffset)
		dst.write(tmp, r.DstOffset)
	}
	return nil
}

// InjectSubmitError makes the next Submit fail with err.
func (d *Device) InjectSubmitError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injectedSubmit = err
}

func copySubmitInfo(info *gpucore.SubmitInfo) gpucore.SubmitInfo {
	return gpucore.SubmitInfo{
		CommandBuffers:   append([]gpucore.CommandBufferID(nil), info.CommandBuffers...),
		WaitSemaphores:   append([]gpucore.SemaphoreID(nil), info.WaitSemaphores...),
		SignalSemaphores: append([]gpucore.SemaphoreID(nil), info.SignalSemaphores...),
		Fence:            info.Fence,
	}
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

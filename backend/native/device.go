// Package native implements gpucore.Device on top of gogpu/wgpu/hal.
//
// Buffers, copies and readbacks go straight to the HAL device and queue;
// gpucore fences track HAL submission indices. Host-visible buffers keep a host shadow that is uploaded on
// FlushMappedRange and refreshed on InvalidateMappedRange, since WebGPU has
// no persistent mappings. Acceleration structure work is delegated to a
// [RayTracingExtension]; without one the device still serves transfers and
// reports gpucore.ErrRayTracingUnsupported for structure operations.
package native

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/wgpu/hal"
)

const (
	// copyAlignment is the WebGPU alignment of buffer sizes and copy ranges.
	copyAlignment uint64 = 4

	// addressAlignment is the alignment of every virtual buffer address.
	addressAlignment uint64 = 256

	// baseAddress is the first virtual address handed out.
	baseAddress uint64 = 0x1_0000_0000
)

// buffer is a HAL buffer plus the host shadow of host-visible memory.
type buffer struct {
	desc   gpucore.BufferDescriptor
	hal    uint64
	addr   gpucore.DeviceAddress
	shadow []byte
	mapped bool
}

type cmdState uint8

const (
	cmdInitial cmdState = iota
	cmdRecording
	cmdExecutable
)

// command is one recorded command: a buffer copy or a structure command.
type command struct {
	copy *copyCommand
	rt   *RayTracingCommand
}

type commandBuffer struct {
	label string
	state cmdState
	cmds  []command

	// err is the first recording failure; it surfaces on End and Submit.
	err error
}

// fence maps a gpucore fence onto the HAL submission that signals it.
type fence struct {
	signaled bool
	pending  bool
	sub      uint64
}

// Device is a gpucore.Device backed by a HAL device and queue.
//
// Device is safe for concurrent use.
type Device struct {
	mu   sync.Mutex
	hal  queueAdapter
	opts options

	// close releases adapter state owned by this Device.
	close func()

	nextID   atomic.Uint64
	nextAddr uint64

	buffers    map[gpucore.BufferID]*buffer
	cmdBuffers map[gpucore.CommandBufferID]*commandBuffer
	fences     map[gpucore.FenceID]*fence
	semaphores map[gpucore.SemaphoreID]bool

	// inflight holds submissions no fence refers to; they are retired
	// opportunistically.
	inflight []uint64
}

var _ gpucore.Device = (*Device)(nil)

// New creates a Device that drives the given HAL device and queue.
// The caller keeps ownership of both; Close releases only the objects
// created through the Device.
func New(device hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	a := NewHALAdapter(device, queue, o.readbackTimeout)
	d := newDevice(a, o)
	d.close = a.Close
	return d, nil
}

// newDevice creates a Device over any queueAdapter.
func newDevice(a queueAdapter, o options) *Device {
	d := &Device{
		hal:        a,
		opts:       o,
		nextAddr:   baseAddress,
		buffers:    make(map[gpucore.BufferID]*buffer),
		cmdBuffers: make(map[gpucore.CommandBufferID]*commandBuffer),
		fences:     make(map[gpucore.FenceID]*fence),
		semaphores: make(map[gpucore.SemaphoreID]bool),
	}
	d.nextID.Store(1)
	return d
}

func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Limits returns the device limits.
func (d *Device) Limits() gpucore.Limits {
	return d.opts.limits
}

// RayTracingSupported reports whether an extension is installed.
func (d *Device) RayTracingSupported() bool {
	return d.opts.rayTracing != nil
}

// Close destroys every buffer still alive and waits for outstanding work.
func (d *Device) Close() {
	d.mu.Lock()
	leaked := len(d.buffers)
	ids := make([]uint64, 0, leaked)
	for _, b := range d.buffers {
		ids = append(ids, b.hal)
	}
	d.buffers = make(map[gpucore.BufferID]*buffer)
	d.mu.Unlock()

	if leaked > 0 {
		slogger().Warn("native: buffers alive at close", "count", leaked)
	}
	for _, id := range ids {
		d.hal.DestroyBuffer(id)
	}
	if d.close != nil {
		d.close()
	}
}

// === gpucore.BufferAllocator ===

// halUsage returns the HAL usage for a buffer. Host-visible buffers are
// also copy source and destination so their shadow can be synchronized.
func halUsage(desc *gpucore.BufferDescriptor) gputypes.BufferUsage {
	u := desc.Usage.HAL()
	if desc.Residency == gpucore.ResidencyHostVisible {
		u |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	}
	if u == 0 {
		u = gputypes.BufferUsageStorage
	}
	return u
}

// allocationError classifies a failed allocation. Only memory exhaustion
// maps to the out-of-memory sentinels of the buffer's residency; any other
// HAL failure keeps just its cause.
func allocationError(desc *gpucore.BufferDescriptor, err error) error {
	if !errors.Is(err, hal.ErrDeviceOutOfMemory) {
		return fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	if desc.Residency == gpucore.ResidencyHostVisible {
		return fmt.Errorf("%w: %q: %w", gpucore.ErrOutOfHostMemory, desc.Label, err)
	}
	return fmt.Errorf("%w: %q: %w", gpucore.ErrOutOfDeviceMemory, desc.Label, err)
}

// CreateBuffer allocates a HAL buffer.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	if desc == nil || desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer size must be positive", gpucore.ErrInvalidUsage)
	}
	if limit := d.opts.maxBufferSize; limit != 0 && desc.Size > limit {
		return gpucore.InvalidID, allocationError(desc, fmt.Errorf("%w: %d bytes exceeds limit %d", hal.ErrDeviceOutOfMemory, desc.Size, limit))
	}

	size := alignUp(desc.Size, copyAlignment)
	halID, err := d.hal.CreateBuffer(desc.Label, size, halUsage(desc))
	if err != nil {
		return gpucore.InvalidID, allocationError(desc, err)
	}

	b := &buffer{desc: *desc, hal: halID}
	if desc.Residency == gpucore.ResidencyHostVisible {
		b.shadow = make([]byte, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if desc.Usage.Contains(gpucore.BufferUsageDeviceAddress) {
		b.addr = gpucore.DeviceAddress(d.nextAddr)
		d.nextAddr += alignUp(size, addressAlignment)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = b
	return id, nil
}

// DestroyBuffer releases a buffer. Unknown IDs are ignored.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()

	if ok {
		d.hal.DestroyBuffer(b.hal)
	}
}

// MapBuffer returns the host shadow of a host-visible buffer.
func (d *Device) MapBuffer(id gpucore.BufferID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	if b.shadow == nil {
		return nil, fmt.Errorf("%w: %q", gpucore.ErrNotMappable, b.desc.Label)
	}
	b.mapped = true
	return b.shadow[:b.desc.Size], nil
}

// UnmapBuffer marks a buffer unmapped.
func (d *Device) UnmapBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.buffers[id]; ok {
		b.mapped = false
	}
}

// mappedRange validates a range of a mapped buffer and widens it to copy
// alignment. It returns the HAL buffer and the widened shadow slice.
func (d *Device) mappedRange(id gpucore.BufferID, offset, size uint64) (uint64, uint64, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return 0, 0, nil, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	if b.shadow == nil {
		return 0, 0, nil, fmt.Errorf("%w: %q", gpucore.ErrNotMappable, b.desc.Label)
	}
	if !b.mapped {
		return 0, 0, nil, fmt.Errorf("%w: %q is not mapped", ErrInvalidState, b.desc.Label)
	}
	if offset+size > b.desc.Size {
		return 0, 0, nil, fmt.Errorf("%w: [%d, %d) in %d-byte buffer %q",
			ErrOutOfRange, offset, offset+size, b.desc.Size, b.desc.Label)
	}
	start := offset &^ (copyAlignment - 1)
	end := min(alignUp(offset+size, copyAlignment), uint64(len(b.shadow)))
	return b.hal, start, b.shadow[start:end], nil
}

// FlushMappedRange uploads a range of the host shadow.
func (d *Device) FlushMappedRange(id gpucore.BufferID, offset, size uint64) error {
	halID, start, data, err := d.mappedRange(id, offset, size)
	if err != nil {
		return err
	}
	if err := d.hal.WriteBuffer(halID, start, data); err != nil {
		return fmt.Errorf("flush buffer %d: %w", id, err)
	}
	return nil
}

// InvalidateMappedRange refreshes a range of the host shadow from the GPU.
func (d *Device) InvalidateMappedRange(id gpucore.BufferID, offset, size uint64) error {
	halID, start, data, err := d.mappedRange(id, offset, size)
	if err != nil {
		return err
	}
	if err := d.hal.ReadBuffer(halID, start, data); err != nil {
		return fmt.Errorf("invalidate buffer %d: %w", id, err)
	}
	return nil
}

// BufferAddress returns the virtual address of a buffer created with
// BufferUsageDeviceAddress. Addresses are only meaningful to the
// ray-tracing extension.
func (d *Device) BufferAddress(id gpucore.BufferID) (gpucore.DeviceAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return 0, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	if b.addr == 0 {
		return 0, fmt.Errorf("%w: %q lacks device address usage", gpucore.ErrInvalidUsage, b.desc.Label)
	}
	return b.addr, nil
}

// === gpucore.CommandQueue ===

// CreateCommandBuffer allocates a command buffer.
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

// BeginCommandBuffer discards previous contents and starts recording.
func (d *Device) BeginCommandBuffer(id gpucore.CommandBufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[id]
	if !ok {
		return fmt.Errorf("%w: command buffer %d", gpucore.ErrUnknownResource, id)
	}
	cb.state = cmdRecording
	cb.cmds = nil
	cb.err = nil
	return nil
}

// EndCommandBuffer finishes recording. It reports the first command that
// failed to record.
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
	if cb.err != nil {
		return fmt.Errorf("command buffer %q: %w", cb.label, cb.err)
	}
	return nil
}

// record appends a command to a recording command buffer.
func (d *Device) record(id gpucore.CommandBufferID, c command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmdBuffers[id]
	if !ok {
		return
	}
	if cb.state != cmdRecording {
		if cb.err == nil {
			cb.err = fmt.Errorf("%w: command recorded outside recording state", ErrInvalidState)
		}
		return
	}
	cb.cmds = append(cb.cmds, c)
}

// fail marks a command buffer as failed to record.
func (d *Device) fail(id gpucore.CommandBufferID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.cmdBuffers[id]; ok && cb.err == nil {
		cb.err = err
	}
}

// CmdCopyBuffer records a buffer-to-buffer copy.
func (d *Device) CmdCopyBuffer(cb gpucore.CommandBufferID, src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	d.mu.Lock()
	s, okSrc := d.buffers[src]
	t, okDst := d.buffers[dst]
	d.mu.Unlock()

	switch {
	case !okSrc || !okDst:
		d.fail(cb, fmt.Errorf("%w: copy %d -> %d", gpucore.ErrUnknownResource, src, dst))
		return
	case !s.desc.Usage.Contains(gpucore.BufferUsageCopySrc) && s.shadow == nil:
		d.fail(cb, fmt.Errorf("%w: %q is not a copy source", gpucore.ErrInvalidUsage, s.desc.Label))
		return
	case !t.desc.Usage.Contains(gpucore.BufferUsageCopyDst) && t.shadow == nil:
		d.fail(cb, fmt.Errorf("%w: %q is not a copy destination", gpucore.ErrInvalidUsage, t.desc.Label))
		return
	}
	for _, r := range regions {
		if r.SrcOffset+r.Size > s.desc.Size || r.DstOffset+r.Size > t.desc.Size {
			d.fail(cb, fmt.Errorf("%w: copy region %+v", ErrOutOfRange, r))
			return
		}
	}
	d.record(cb, command{copy: &copyCommand{
		Src:     s.hal,
		Dst:     t.hal,
		Regions: append([]gpucore.BufferCopy(nil), regions...),
	}})
}

// CmdPipelineBarrier is a no-op: WebGPU orders commands within a queue
// and inserts the required barriers itself.
func (d *Device) CmdPipelineBarrier(gpucore.CommandBufferID, gpucore.Barrier) {}

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

// ResetFence returns a fence to the unsignaled state.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fences[id]
	if !ok {
		return fmt.Errorf("%w: fence %d", gpucore.ErrUnknownResource, id)
	}
	*f = fence{}
	return nil
}

// FenceStatus reports whether a fence has signaled without blocking.
func (d *Device) FenceStatus(id gpucore.FenceID) (bool, error) {
	return d.waitFence(id, 0)
}

// WaitFence blocks until the fence signals or the timeout elapses.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	return d.waitFence(id, timeout)
}

func (d *Device) waitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	f, ok := d.fences[id]
	if !ok {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: fence %d", gpucore.ErrUnknownResource, id)
	}
	if f.signaled || !f.pending {
		signaled := f.signaled
		d.mu.Unlock()
		return signaled, nil
	}
	sub := f.sub
	d.mu.Unlock()

	done, err := d.hal.Poll(sub, timeout)
	if err != nil || !done {
		return false, err
	}

	d.mu.Lock()
	if f.pending && f.sub == sub {
		f.signaled = true
		f.pending = false
	}
	d.mu.Unlock()
	return true, nil
}

// CreateSemaphore creates a binary semaphore.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = false
	return id, nil
}

// DestroySemaphore releases a semaphore.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, id)
}

// Submit replays the command buffers onto the HAL queue. Copies are
// encoded into HAL command buffers; structure commands go to the
// extension in recording order. The HAL queue executes in submission
// order, so semaphores only need to be validated and tracked.
func (d *Device) Submit(info *gpucore.SubmitInfo) error {
	if info == nil {
		return fmt.Errorf("%w: nil submit info", ErrInvalidState)
	}
	d.retireInflight()

	d.mu.Lock()
	defer d.mu.Unlock()

	var cmds []command
	label := "submit"
	for _, id := range info.CommandBuffers {
		cb, ok := d.cmdBuffers[id]
		if !ok {
			return fmt.Errorf("%w: command buffer %d", gpucore.ErrUnknownResource, id)
		}
		if cb.state != cmdExecutable {
			return fmt.Errorf("%w: command buffer %q is not executable", ErrInvalidState, cb.label)
		}
		if cb.err != nil {
			return fmt.Errorf("command buffer %q: %w", cb.label, cb.err)
		}
		cmds = append(cmds, cb.cmds...)
		label = cb.label
	}
	for _, s := range info.WaitSemaphores {
		signaled, ok := d.semaphores[s]
		if !ok {
			return fmt.Errorf("%w: semaphore %d", gpucore.ErrUnknownResource, s)
		}
		if !signaled {
			return fmt.Errorf("%w: wait on unsignaled semaphore %d", ErrInvalidState, s)
		}
	}
	for _, s := range info.SignalSemaphores {
		if _, ok := d.semaphores[s]; !ok {
			return fmt.Errorf("%w: semaphore %d", gpucore.ErrUnknownResource, s)
		}
	}
	var f *fence
	if info.Fence != gpucore.InvalidID {
		var ok bool
		if f, ok = d.fences[info.Fence]; !ok {
			return fmt.Errorf("%w: fence %d", gpucore.ErrUnknownResource, info.Fence)
		}
		if f.signaled || f.pending {
			return fmt.Errorf("%w: fence %d submitted without reset", ErrInvalidState, info.Fence)
		}
	}

	last, err := d.replay(label, cmds, f != nil)
	if err != nil {
		return err
	}

	for _, s := range info.WaitSemaphores {
		d.semaphores[s] = false
	}
	for _, s := range info.SignalSemaphores {
		d.semaphores[s] = true
	}
	if f != nil {
		f.pending = true
		f.sub = last
	}
	slogger().Debug("native: submit", "label", label, "commands", len(cmds))
	return nil
}

// replay sends commands to the HAL and the extension in order. It returns
// the final HAL submission, which is always made when needFence is set so
// that it can signal the fence.
func (d *Device) replay(label string, cmds []command, needFence bool) (uint64, error) {
	var (
		copies []copyCommand
		rt     []RayTracingCommand
	)
	flushCopies := func() error {
		if len(copies) == 0 {
			return nil
		}
		sub, err := d.hal.Submit(label, copies)
		if err != nil {
			return fmt.Errorf("submit %q: %w", label, err)
		}
		d.inflight = append(d.inflight, sub)
		copies = nil
		return nil
	}
	flushRayTracing := func() error {
		if len(rt) == 0 {
			return nil
		}
		if err := d.opts.rayTracing.Execute(rt); err != nil {
			return fmt.Errorf("execute %q: %w", label, err)
		}
		rt = nil
		return nil
	}

	for _, c := range cmds {
		if c.copy != nil {
			if err := flushRayTracing(); err != nil {
				return 0, err
			}
			copies = append(copies, *c.copy)
			continue
		}
		if err := flushCopies(); err != nil {
			return 0, err
		}
		rt = append(rt, *c.rt)
	}
	if err := flushRayTracing(); err != nil {
		return 0, err
	}
	if len(copies) == 0 && !needFence {
		return 0, nil
	}

	sub, err := d.hal.Submit(label, copies)
	if err != nil {
		return 0, fmt.Errorf("submit %q: %w", label, err)
	}
	if !needFence {
		d.inflight = append(d.inflight, sub)
	}
	return sub, nil
}

// retireInflight drops unfenced submissions that have completed.
func (d *Device) retireInflight() {
	d.mu.Lock()
	pending := d.inflight
	d.inflight = nil
	d.mu.Unlock()

	var still []uint64
	for _, sub := range pending {
		done, err := d.hal.Poll(sub, 0)
		if err != nil {
			slogger().Warn("native: poll failed", "submission", sub, "error", err)
		}
		if !done {
			still = append(still, sub)
		}
	}

	d.mu.Lock()
	d.inflight = append(still, d.inflight...)
	d.mu.Unlock()
}

// WaitIdle blocks until every submission has completed or timeout elapses
// for one of them.
func (d *Device) WaitIdle(timeout time.Duration) error {
	d.mu.Lock()
	subs := append([]uint64(nil), d.inflight...)
	for _, f := range d.fences {
		if f.pending {
			subs = append(subs, f.sub)
		}
	}
	d.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		done, err := d.hal.Poll(sub, timeout)
		switch {
		case err != nil:
			errs = append(errs, err)
		case !done:
			errs = append(errs, fmt.Errorf("%w: submission %d", ErrFenceTimeout, sub))
		}
	}
	return errors.Join(errs...)
}

// LiveBuffers returns the number of buffers alive on the device.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

package native

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// queueAdapter is the slice of the HAL that Device drives. Objects are
// named by adapter-local IDs so Device never holds HAL handles.
type queueAdapter interface {
	// CreateBuffer allocates a HAL buffer.
	CreateBuffer(label string, size uint64, usage gputypes.BufferUsage) (uint64, error)

	// DestroyBuffer releases a HAL buffer. Unknown IDs are ignored.
	DestroyBuffer(id uint64)

	// WriteBuffer uploads data through the queue.
	WriteBuffer(id, offset uint64, data []byte) error

	// ReadBuffer blocks until out holds the buffer contents at offset.
	ReadBuffer(id, offset uint64, out []byte) error

	// Submit encodes copies into one command buffer and submits it.
	// The returned submission ID is passed to Poll.
	Submit(label string, copies []copyCommand) (uint64, error)

	// Poll waits up to timeout for a submission. Completed submissions
	// are retired; polling a retired submission reports true.
	Poll(submission uint64, timeout time.Duration) (bool, error)
}

// copyCommand is one encoded buffer-to-buffer copy.
type copyCommand struct {
	Src, Dst uint64
	Regions  []gpucore.BufferCopy
}

// submission is an in-flight HAL command buffer and the queue index that
// retires it.
type submission struct {
	cmd   hal.CommandBuffer
	index uint64
}

// pollInterval is the first sleep of a blocking completion wait. It doubles
// up to maxPollInterval.
const (
	pollInterval    = 50 * time.Microsecond
	maxPollInterval = 2 * time.Millisecond
)

// HALAdapter drives gogpu/wgpu/hal directly: it owns HAL buffers, encodes
// copies and tracks submissions by queue index.
//
// Thread Safety: HALAdapter is safe for concurrent use from multiple goroutines.
// All resource tracking is protected by a mutex.
type HALAdapter struct {
	mu     sync.RWMutex
	device hal.Device
	queue  hal.Queue

	readTimeout time.Duration

	// ID generation
	nextID atomic.Uint64

	buffers     map[uint64]hal.Buffer
	submissions map[uint64]*submission
}

// NewHALAdapter creates a HALAdapter wrapping the given device and queue.
// readTimeout bounds the blocking wait of ReadBuffer.
func NewHALAdapter(device hal.Device, queue hal.Queue, readTimeout time.Duration) *HALAdapter {
	a := &HALAdapter{
		device:      device,
		queue:       queue,
		readTimeout: readTimeout,
		buffers:     make(map[uint64]hal.Buffer),
		submissions: make(map[uint64]*submission),
	}

	// Start ID generation at 1 (0 is invalid)
	a.nextID.Store(1)

	return a
}

// newID generates a unique object ID.
func (a *HALAdapter) newID() uint64 {
	return a.nextID.Add(1) - 1
}

// CreateBuffer creates a HAL buffer. HAL errors such as
// hal.ErrDeviceOutOfMemory stay reachable through errors.Is.
func (a *HALAdapter) CreateBuffer(label string, size uint64, usage gputypes.BufferUsage) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("native: buffer size must be positive")
	}

	buffer, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create buffer %q: %w", label, err)
	}

	id := a.newID()

	a.mu.Lock()
	a.buffers[id] = buffer
	a.mu.Unlock()

	return id, nil
}

// DestroyBuffer releases a HAL buffer.
func (a *HALAdapter) DestroyBuffer(id uint64) {
	a.mu.Lock()
	buffer, ok := a.buffers[id]
	if ok {
		delete(a.buffers, id)
	}
	a.mu.Unlock()

	if ok {
		a.device.DestroyBuffer(buffer)
	}
}

// LiveBuffers returns the number of HAL buffers owned by the adapter.
func (a *HALAdapter) LiveBuffers() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buffers)
}

// buffer looks up a live HAL buffer.
func (a *HALAdapter) buffer(id uint64) (hal.Buffer, error) {
	a.mu.RLock()
	buffer, ok := a.buffers[id]
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: HAL buffer %d", gpucore.ErrUnknownResource, id)
	}
	return buffer, nil
}

// WriteBuffer writes data to a buffer through the queue.
func (a *HALAdapter) WriteBuffer(id, offset uint64, data []byte) error {
	buffer, err := a.buffer(id)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := a.queue.WriteBuffer(buffer, offset, data); err != nil {
		return fmt.Errorf("failed to write buffer %d: %w", id, err)
	}
	return nil
}

// ReadBuffer copies buffer contents into a MapRead staging buffer, waits
// for the copy and reads the mapping.
func (a *HALAdapter) ReadBuffer(id, offset uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	buffer, err := a.buffer(id)
	if err != nil {
		return err
	}

	size := uint64(len(out))
	staging, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback-staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer a.device.DestroyBuffer(staging)

	cmdBuffer, err := a.encode("buffer-read", func(encoder hal.CommandEncoder) {
		encoder.CopyBufferToBuffer(buffer, staging, []hal.BufferCopy{
			{SrcOffset: offset, DstOffset: 0, Size: size},
		})
	})
	if err != nil {
		return err
	}
	defer a.device.FreeCommandBuffer(cmdBuffer)

	index, err := a.queue.Submit([]hal.CommandBuffer{cmdBuffer})
	if err != nil {
		return fmt.Errorf("failed to submit readback: %w", err)
	}
	if !a.waitIndex(index, a.readTimeout) {
		return fmt.Errorf("%w: readback after %v", ErrFenceTimeout, a.readTimeout)
	}

	mapping, err := a.device.MapBuffer(staging, 0, size)
	if err != nil {
		return fmt.Errorf("failed to map staging buffer: %w", err)
	}
	copy(out, unsafe.Slice((*byte)(mapping.Ptr), size))
	if err := a.device.UnmapBuffer(staging); err != nil {
		return fmt.Errorf("failed to unmap staging buffer: %w", err)
	}
	return nil
}

// encode records one command buffer. The encoder is discarded on failure.
func (a *HALAdapter) encode(label string, record func(hal.CommandEncoder)) (hal.CommandBuffer, error) {
	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("failed to begin encoding: %w", err)
	}
	record(encoder)
	cmdBuffer, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("failed to end encoding: %w", err)
	}
	return cmdBuffer, nil
}

// Submit encodes the copies into one command buffer and submits it.
func (a *HALAdapter) Submit(label string, copies []copyCommand) (uint64, error) {
	type resolvedCopy struct {
		src, dst hal.Buffer
		regions  []hal.BufferCopy
	}
	resolved := make([]resolvedCopy, len(copies))
	for i, c := range copies {
		src, err := a.buffer(c.Src)
		if err != nil {
			return 0, err
		}
		dst, err := a.buffer(c.Dst)
		if err != nil {
			return 0, err
		}
		regions := make([]hal.BufferCopy, len(c.Regions))
		for j, r := range c.Regions {
			regions[j] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
		}
		resolved[i] = resolvedCopy{src: src, dst: dst, regions: regions}
	}

	cmdBuffer, err := a.encode(label, func(encoder hal.CommandEncoder) {
		for _, c := range resolved {
			encoder.CopyBufferToBuffer(c.src, c.dst, c.regions)
		}
	})
	if err != nil {
		return 0, err
	}

	index, err := a.queue.Submit([]hal.CommandBuffer{cmdBuffer})
	if err != nil {
		a.device.FreeCommandBuffer(cmdBuffer)
		return 0, fmt.Errorf("failed to submit %q: %w", label, err)
	}

	id := a.newID()

	a.mu.Lock()
	a.submissions[id] = &submission{cmd: cmdBuffer, index: index}
	a.mu.Unlock()

	return id, nil
}

// completed reports whether the queue has retired the submission index.
func (a *HALAdapter) completed(index uint64) bool {
	return a.queue.PollCompleted() >= index
}

// waitIndex polls the queue until index completes or timeout elapses.
// A zero timeout checks once.
func (a *HALAdapter) waitIndex(index uint64, timeout time.Duration) bool {
	if a.completed(index) {
		return true
	}
	deadline := time.Now().Add(timeout)
	interval := pollInterval
	for time.Now().Before(deadline) {
		time.Sleep(min(interval, time.Until(deadline)))
		if a.completed(index) {
			return true
		}
		interval = min(interval*2, maxPollInterval)
	}
	return false
}

// Poll waits up to timeout for a submission and retires it once complete.
func (a *HALAdapter) Poll(id uint64, timeout time.Duration) (bool, error) {
	a.mu.RLock()
	s, ok := a.submissions[id]
	a.mu.RUnlock()

	if !ok {
		return true, nil
	}
	if !a.waitIndex(s.index, timeout) {
		return false, nil
	}

	a.mu.Lock()
	_, live := a.submissions[id]
	delete(a.submissions, id)
	a.mu.Unlock()

	if live {
		a.device.FreeCommandBuffer(s.cmd)
	}
	return true, nil
}

// PendingSubmissions returns the number of submissions not yet retired.
func (a *HALAdapter) PendingSubmissions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.submissions)
}

// Close waits for outstanding submissions and releases every buffer.
// The HAL device and queue stay owned by the caller.
func (a *HALAdapter) Close() {
	a.mu.RLock()
	pending := make([]uint64, 0, len(a.submissions))
	for id := range a.submissions {
		pending = append(pending, id)
	}
	a.mu.RUnlock()

	for _, id := range pending {
		if done, _ := a.Poll(id, a.readTimeout); !done {
			slogger().Warn("native: submission did not retire on close", "submission", id)
		}
	}

	a.mu.Lock()
	buffers := a.buffers
	a.buffers = make(map[uint64]hal.Buffer)
	a.mu.Unlock()

	for _, b := range buffers {
		a.device.DestroyBuffer(b)
	}
}

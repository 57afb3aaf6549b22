package rtas

import (
	"fmt"
	"sync"

	"github.com/gogpu/rtas/gpucore"
)

// slotState is the lifecycle state of one command-buffer slot.
type slotState int

const (
	slotIdle slotState = iota
	slotRecording
	slotSubmitted
)

// String returns the string representation of slotState.
func (s slotState) String() string {
	switch s {
	case slotIdle:
		return "Idle"
	case slotRecording:
		return "Recording"
	case slotSubmitted:
		return "Submitted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// slot owns one device command buffer, its fence and its lazily created
// semaphore.
type slot struct {
	index     int
	cmd       gpucore.CommandBufferID
	fence     gpucore.FenceID
	semaphore gpucore.SemaphoreID
	state     slotState

	// generation invalidates CommandBuffer handles from earlier acquisitions.
	generation uint64
}

// CommandBuffer is a recording handle returned by Executor.Acquire.
// Record commands on Device() with ID(), then pass the handle to Submit,
// SubmitWithSemaphore or Discard exactly once.
type CommandBuffer struct {
	exec       *Executor
	slot       *slot
	generation uint64
}

// ID returns the device command buffer to record into.
func (cb *CommandBuffer) ID() gpucore.CommandBufferID { return cb.slot.cmd }

// Device returns the device to record on.
func (cb *CommandBuffer) Device() gpucore.Device { return cb.exec.ctx.device }

// Executor acquires, records and submits command buffers on the device queue.
//
// Slots move Idle -> Recording -> Submitted -> Idle. A submitted slot is
// recycled only once its fence has signaled, so Acquire never blocks.
//
// Executor is safe for concurrent use; blocking fence waits do not hold its
// lock.
type Executor struct {
	ctx DeviceContext

	mu          sync.Mutex
	slots       []*slot
	submissions int
	destroyed   bool
}

// NewExecutor creates an executor with no slots. Slots are allocated on
// demand by Acquire.
func NewExecutor(ctx DeviceContext) *Executor {
	if !ctx.valid() {
		programmingError("NewExecutor", "zero DeviceContext")
	}
	return &Executor{ctx: ctx}
}

// Acquire returns a command buffer in the recording state. It recycles an
// idle slot or a submitted slot whose fence has signaled, and allocates a
// new slot otherwise. It never waits on a fence.
func (e *Executor) Acquire() (*CommandBuffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil, fmt.Errorf("rtas: acquire command buffer: %w", ErrResourceDestroyed)
	}

	dev := e.ctx.device
	var s *slot
	for _, c := range e.slots {
		if c.state == slotIdle {
			s = c
			break
		}
		if c.state == slotSubmitted {
			done, err := dev.FenceStatus(c.fence)
			if err != nil {
				return nil, fmt.Errorf("rtas: query fence of slot %d: %w", c.index, err)
			}
			if done {
				c.state = slotIdle
				s = c
				break
			}
		}
	}

	if s == nil {
		var err error
		if s, err = e.newSlot(); err != nil {
			return nil, err
		}
	}

	if err := dev.BeginCommandBuffer(s.cmd); err != nil {
		return nil, fmt.Errorf("rtas: begin command buffer: %w", err)
	}
	s.state = slotRecording
	s.generation++
	return &CommandBuffer{exec: e, slot: s, generation: s.generation}, nil
}

// newSlot allocates a command buffer and a signaled fence. Callers hold e.mu.
func (e *Executor) newSlot() (*slot, error) {
	dev := e.ctx.device
	index := len(e.slots)

	cmd, err := dev.CreateCommandBuffer(fmt.Sprintf("rtas-cmd-%d", index))
	if err != nil {
		return nil, fmt.Errorf("rtas: create command buffer: %w", err)
	}
	fence, err := dev.CreateFence(true)
	if err != nil {
		dev.FreeCommandBuffer(cmd)
		return nil, fmt.Errorf("rtas: create fence: %w", err)
	}

	s := &slot{index: index, cmd: cmd, fence: fence}
	e.slots = append(e.slots, s)
	slogger().Debug("rtas: executor slot allocated", "slot", index)
	return s, nil
}

// Submit ends recording, resets the slot fence and submits. With wait set it
// blocks until the fence signals or the context's fence timeout elapses.
//
// Submit panics with a *ProgrammingError if cb is not recording.
func (e *Executor) Submit(cb *CommandBuffer, wait bool) error {
	_, err := e.submit("Submit", cb, gpucore.InvalidID, false, wait)
	return err
}

// SubmitWithSemaphore is Submit with GPU-side synchronization. A non-zero
// waitSemaphore delays execution until it is signaled. With signal set the
// slot's semaphore, created on first use and reused afterwards, is signaled
// on completion and returned; otherwise InvalidID is returned.
func (e *Executor) SubmitWithSemaphore(cb *CommandBuffer, waitSemaphore gpucore.SemaphoreID, signal, wait bool) (gpucore.SemaphoreID, error) {
	return e.submit("SubmitWithSemaphore", cb, waitSemaphore, signal, wait)
}

func (e *Executor) submit(op string, cb *CommandBuffer, waitSem gpucore.SemaphoreID, signal, wait bool) (gpucore.SemaphoreID, error) {
	s := e.lockRecording(op, cb)
	dev := e.ctx.device

	if err := dev.EndCommandBuffer(s.cmd); err != nil {
		s.state = slotIdle
		e.mu.Unlock()
		return gpucore.InvalidID, fmt.Errorf("rtas: end command buffer: %w", err)
	}
	if err := dev.ResetFence(s.fence); err != nil {
		s.state = slotIdle
		e.mu.Unlock()
		return gpucore.InvalidID, fmt.Errorf("rtas: reset fence: %w", err)
	}

	info := gpucore.SubmitInfo{
		CommandBuffers: []gpucore.CommandBufferID{s.cmd},
		Fence:          s.fence,
	}
	if waitSem != gpucore.InvalidID {
		info.WaitSemaphores = []gpucore.SemaphoreID{waitSem}
	}
	signaled := gpucore.SemaphoreID(gpucore.InvalidID)
	if signal {
		if s.semaphore == gpucore.InvalidID {
			sem, err := dev.CreateSemaphore()
			if err != nil {
				s.state = slotIdle
				e.mu.Unlock()
				return gpucore.InvalidID, fmt.Errorf("rtas: create semaphore: %w", err)
			}
			s.semaphore = sem
		}
		signaled = s.semaphore
		info.SignalSemaphores = []gpucore.SemaphoreID{signaled}
	}

	if err := dev.Submit(&info); err != nil {
		s.state = slotIdle
		e.mu.Unlock()
		return gpucore.InvalidID, fmt.Errorf("rtas: submit: %w", err)
	}
	s.state = slotSubmitted
	e.submissions++
	fence, index := s.fence, s.index
	e.mu.Unlock()

	slogger().Debug("rtas: command buffer submitted", "slot", index, "wait", wait, "signal", signal)

	if !wait {
		return signaled, nil
	}
	if err := e.waitFence(fence, index); err != nil {
		return gpucore.InvalidID, err
	}
	e.mu.Lock()
	if s.generation == cb.generation && s.state == slotSubmitted {
		s.state = slotIdle
	}
	e.mu.Unlock()
	return signaled, nil
}

// lockRecording locks e.mu and returns the slot of a recording handle.
// On misuse it unlocks and panics.
func (e *Executor) lockRecording(op string, cb *CommandBuffer) *slot {
	if cb == nil || cb.exec != e {
		programmingError(op, "command buffer does not belong to this executor")
	}
	e.mu.Lock()
	s := cb.slot
	if s.generation != cb.generation || s.state != slotRecording {
		state := s.state
		e.mu.Unlock()
		programmingError(op, "command buffer slot %d is %s, not Recording", s.index, state)
	}
	return s
}

// waitFence blocks on a fence without holding e.mu.
func (e *Executor) waitFence(fence gpucore.FenceID, index int) error {
	ok, err := e.ctx.device.WaitFence(fence, e.ctx.fenceTimeout)
	if err != nil {
		return fmt.Errorf("rtas: wait for slot %d: %w", index, err)
	}
	if !ok {
		return fmt.Errorf("rtas: slot %d after %v: %w", index, e.ctx.fenceTimeout, ErrFenceTimeout)
	}
	return nil
}

// Discard aborts a recording command buffer without submitting it.
// The slot returns to Idle.
func (e *Executor) Discard(cb *CommandBuffer) {
	s := e.lockRecording("Discard", cb)
	defer e.mu.Unlock()

	if err := e.ctx.device.EndCommandBuffer(s.cmd); err != nil {
		slogger().Warn("rtas: end discarded command buffer", "slot", s.index, "err", err)
	}
	s.state = slotIdle
}

// WaitIdle blocks until every submitted slot has completed.
func (e *Executor) WaitIdle() error {
	e.mu.Lock()
	var pending []*slot
	for _, s := range e.slots {
		if s.state == slotSubmitted {
			pending = append(pending, s)
		}
	}
	e.mu.Unlock()

	for _, s := range pending {
		if err := e.waitFence(s.fence, s.index); err != nil {
			return err
		}
		e.mu.Lock()
		if s.state == slotSubmitted {
			s.state = slotIdle
		}
		e.mu.Unlock()
	}
	return nil
}

// Destroy waits for outstanding work and releases every slot. Calling
// Destroy multiple times is safe.
func (e *Executor) Destroy() {
	if err := e.WaitIdle(); err != nil {
		slogger().Warn("rtas: executor destroy: wait idle", "err", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return
	}
	e.destroyed = true

	dev := e.ctx.device
	for _, s := range e.slots {
		dev.FreeCommandBuffer(s.cmd)
		dev.DestroyFence(s.fence)
		if s.semaphore != gpucore.InvalidID {
			dev.DestroySemaphore(s.semaphore)
		}
	}
	e.slots = nil
}

// Submissions returns the number of successful submissions.
func (e *Executor) Submissions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submissions
}

// Slots returns the number of allocated command-buffer slots.
func (e *Executor) Slots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}

// Context returns the executor's device context.
func (e *Executor) Context() DeviceContext { return e.ctx }

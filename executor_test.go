package rtas

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/rtas/backend/software"
	"github.com/gogpu/rtas/gpucore"
)

// stallingDevice never signals fences within the timeout.
type stallingDevice struct {
	*software.Device
}

func (stallingDevice) WaitFence(gpucore.FenceID, time.Duration) (bool, error) {
	return false, nil
}

// expectProgrammingError runs fn and fails unless it panics with a
// *ProgrammingError.
func expectProgrammingError(t *testing.T, fn func()) *ProgrammingError {
	t.Helper()
	var pe *ProgrammingError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			var ok bool
			if pe, ok = r.(*ProgrammingError); !ok {
				panic(r)
			}
		}()
		fn()
	}()
	if pe == nil {
		t.Fatal("expected *ProgrammingError panic")
	}
	return pe
}

func TestExecutorSubmitAndRecycle(t *testing.T) {
	_, _, exec := newTestEnv(t)

	for i := range 3 {
		cb, err := exec.Acquire()
		if err != nil {
			t.Fatalf("Acquire() #%d = %v", i, err)
		}
		if err := exec.Submit(cb, true); err != nil {
			t.Fatalf("Submit() #%d = %v", i, err)
		}
	}

	if exec.Slots() != 1 {
		t.Errorf("Slots() = %d, want 1 (waited slots are recycled)", exec.Slots())
	}
	if exec.Submissions() != 3 {
		t.Errorf("Submissions() = %d, want 3", exec.Submissions())
	}
}

func TestExecutorAcquireNeverBlocks(t *testing.T) {
	dev, _, exec := newTestEnv(t, software.WithDeferredCompletion())

	first, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if err := exec.Submit(first, false); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	// The first slot is still pending, so a second one is allocated.
	second, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if exec.Slots() != 2 {
		t.Fatalf("Slots() = %d, want 2", exec.Slots())
	}
	if dev.PendingSubmissions() != 1 {
		t.Errorf("PendingSubmissions() = %d, want 1 (Acquire must not wait)", dev.PendingSubmissions())
	}
	exec.Discard(second)

	// Once the device completes, the first slot is recycled.
	if err := dev.Complete(); err != nil {
		t.Fatalf("Complete() = %v", err)
	}
	for range 2 {
		cb, err := exec.Acquire()
		if err != nil {
			t.Fatalf("Acquire() = %v", err)
		}
		exec.Discard(cb)
	}
	if exec.Slots() != 2 {
		t.Errorf("Slots() = %d, want 2", exec.Slots())
	}
}

func TestExecutorSubmitWithoutWaitThenWaitIdle(t *testing.T) {
	dev, _, exec := newTestEnv(t, software.WithDeferredCompletion())

	cb, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if err := exec.Submit(cb, false); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if dev.PendingSubmissions() != 1 {
		t.Fatalf("PendingSubmissions() = %d, want 1", dev.PendingSubmissions())
	}
	if err := exec.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() = %v", err)
	}
	if dev.PendingSubmissions() != 0 {
		t.Errorf("PendingSubmissions() after WaitIdle = %d, want 0", dev.PendingSubmissions())
	}
}

func TestExecutorSemaphoreReusedPerSlot(t *testing.T) {
	dev, _, exec := newTestEnv(t)

	var sems []gpucore.SemaphoreID
	for range 2 {
		cb, err := exec.Acquire()
		if err != nil {
			t.Fatalf("Acquire() = %v", err)
		}
		sem, err := exec.SubmitWithSemaphore(cb, gpucore.InvalidID, true, true)
		if err != nil {
			t.Fatalf("SubmitWithSemaphore() = %v", err)
		}
		sems = append(sems, sem)
		// Consume the signal so the next submission can signal again.
		next, err := exec.Acquire()
		if err != nil {
			t.Fatalf("Acquire() = %v", err)
		}
		if _, err := exec.SubmitWithSemaphore(next, sem, false, true); err != nil {
			t.Fatalf("SubmitWithSemaphore(wait) = %v", err)
		}
	}

	if sems[0] == gpucore.InvalidID {
		t.Fatal("signal=true returned InvalidID")
	}
	if sems[0] != sems[1] {
		t.Errorf("semaphores %v, want the slot semaphore reused", sems)
	}
	if dev.SemaphoreSignaled(sems[0]) {
		t.Error("semaphore still signaled after being waited on")
	}
}

func TestExecutorSemaphoreHandoff(t *testing.T) {
	dev, _, exec := newTestEnv(t, software.WithDeferredCompletion())

	producer, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	sem, err := exec.SubmitWithSemaphore(producer, gpucore.InvalidID, true, false)
	if err != nil {
		t.Fatalf("SubmitWithSemaphore(signal) = %v", err)
	}

	consumer, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	got, err := exec.SubmitWithSemaphore(consumer, sem, false, true)
	if err != nil {
		t.Fatalf("SubmitWithSemaphore(wait) = %v", err)
	}
	if got != gpucore.InvalidID {
		t.Errorf("signal=false returned %v, want InvalidID", got)
	}

	subs := dev.Submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	if len(subs[0].SignalSemaphores) != 1 || subs[0].SignalSemaphores[0] != sem {
		t.Errorf("producer signals %v, want [%v]", subs[0].SignalSemaphores, sem)
	}
	if len(subs[1].WaitSemaphores) != 1 || subs[1].WaitSemaphores[0] != sem {
		t.Errorf("consumer waits on %v, want [%v]", subs[1].WaitSemaphores, sem)
	}
}

func TestExecutorWaitOnUnsignaledSemaphoreFails(t *testing.T) {
	dev, _, exec := newTestEnv(t)
	sem, err := dev.CreateSemaphore()
	if err != nil {
		t.Fatalf("CreateSemaphore() = %v", err)
	}

	cb, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if _, err := exec.SubmitWithSemaphore(cb, sem, false, true); !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Errorf("SubmitWithSemaphore() = %v, want ErrDeviceLost", err)
	}
}

func TestExecutorFenceTimeout(t *testing.T) {
	dev := stallingDevice{software.New()}
	ctx := NewDeviceContext(dev, WithFenceTimeout(time.Millisecond))
	exec := NewExecutor(ctx)

	cb, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if err := exec.Submit(cb, true); !errors.Is(err, ErrFenceTimeout) {
		t.Errorf("Submit() = %v, want ErrFenceTimeout", err)
	}
}

func TestExecutorSubmitError(t *testing.T) {
	dev, _, exec := newTestEnv(t)
	injected := errors.New("queue full")
	dev.InjectSubmitError(injected)

	cb, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if err := exec.Submit(cb, true); !errors.Is(err, injected) {
		t.Fatalf("Submit() = %v, want injected error", err)
	}
	if exec.Submissions() != 0 {
		t.Errorf("Submissions() = %d, want 0", exec.Submissions())
	}

	// The slot is usable again.
	cb, err = exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after failed submit = %v", err)
	}
	if err := exec.Submit(cb, true); err != nil {
		t.Errorf("Submit() = %v", err)
	}
	if exec.Slots() != 1 {
		t.Errorf("Slots() = %d, want 1", exec.Slots())
	}
}

func TestExecutorMisusePanics(t *testing.T) {
	_, ctx, exec := newTestEnv(t)

	t.Run("double submit", func(t *testing.T) {
		cb, err := exec.Acquire()
		if err != nil {
			t.Fatalf("Acquire() = %v", err)
		}
		if err := exec.Submit(cb, true); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
		expectProgrammingError(t, func() { _ = exec.Submit(cb, true) })
	})

	t.Run("discard after submit", func(t *testing.T) {
		cb, err := exec.Acquire()
		if err != nil {
			t.Fatalf("Acquire() = %v", err)
		}
		if err := exec.Submit(cb, true); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
		expectProgrammingError(t, func() { exec.Discard(cb) })
	})

	t.Run("foreign executor", func(t *testing.T) {
		other := NewExecutor(ctx)
		defer other.Destroy()
		cb, err := other.Acquire()
		if err != nil {
			t.Fatalf("Acquire() = %v", err)
		}
		expectProgrammingError(t, func() { _ = exec.Submit(cb, true) })
		other.Discard(cb)
	})

	// The executor is still usable after recovered misuse.
	cb, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after misuse = %v", err)
	}
	if err := exec.Submit(cb, true); err != nil {
		t.Errorf("Submit() after misuse = %v", err)
	}
}

func TestExecutorDiscard(t *testing.T) {
	dev, _, exec := newTestEnv(t)

	cb, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	exec.Discard(cb)

	if len(dev.Submissions()) != 0 {
		t.Error("Discard submitted work")
	}
	if _, err := exec.Acquire(); err != nil {
		t.Fatalf("Acquire() after Discard = %v", err)
	}
	if exec.Slots() != 1 {
		t.Errorf("Slots() = %d, want 1", exec.Slots())
	}
}

func TestExecutorDestroy(t *testing.T) {
	dev := software.New()
	exec := NewExecutor(NewDeviceContext(dev))

	cb, err := exec.Acquire()
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if _, err := exec.SubmitWithSemaphore(cb, gpucore.InvalidID, true, true); err != nil {
		t.Fatalf("SubmitWithSemaphore() = %v", err)
	}

	exec.Destroy()
	exec.Destroy()

	if exec.Slots() != 0 {
		t.Errorf("Slots() after Destroy = %d, want 0", exec.Slots())
	}
	if _, err := exec.Acquire(); !errors.Is(err, ErrResourceDestroyed) {
		t.Errorf("Acquire() after Destroy = %v, want ErrResourceDestroyed", err)
	}
}

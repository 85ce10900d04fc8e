package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunGuard_AcquireRelease(t *testing.T) {
	guard := NewRunGuard(time.Second)

	if guard.Active() {
		t.Error("new guard should be idle")
	}

	ctx := context.Background()
	if err := guard.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !guard.Active() {
		t.Error("after Acquire, Active = false, want true")
	}
	if st := guard.Status(); !st.Running || st.Since.IsZero() {
		t.Errorf("Status() = %+v, want running with start time", st)
	}

	guard.Release()

	if guard.Active() {
		t.Error("after Release, Active = true, want false")
	}
	if st := guard.Status(); st.Running {
		t.Errorf("Status() = %+v, want idle", st)
	}
}

func TestRunGuard_AcquireTimesOut(t *testing.T) {
	guard := NewRunGuard(100 * time.Millisecond)

	ctx := context.Background()
	if err := guard.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	start := time.Now()
	err := guard.Acquire(ctx)
	elapsed := time.Since(start)

	if err != ErrRunInProgress {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("timeout too fast: %v", elapsed)
	}

	guard.Release()
}

func TestRunGuard_TryAcquire(t *testing.T) {
	guard := NewRunGuard(time.Second)

	if !guard.TryAcquire() {
		t.Error("first TryAcquire should succeed")
	}

	start := time.Now()
	if guard.TryAcquire() {
		t.Error("second TryAcquire should fail")
		guard.Release()
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("TryAcquire blocked for %v", elapsed)
	}

	guard.Release()

	if !guard.TryAcquire() {
		t.Error("TryAcquire after Release should succeed")
	}
	guard.Release()
}

func TestRunGuard_SerializesPasses(t *testing.T) {
	guard := NewRunGuard(time.Second)

	var wg sync.WaitGroup
	var running, overlaps int32

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer guard.Release()

			if atomic.AddInt32(&running, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}

	wg.Wait()

	if overlaps != 0 {
		t.Errorf("observed %d overlapping passes", overlaps)
	}
}

func TestRunGuard_ContextCancellation(t *testing.T) {
	guard := NewRunGuard(5 * time.Second)

	if err := guard.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- guard.Acquire(cancelCtx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Acquire did not return after context cancellation")
	}

	guard.Release()
}

func TestRunGuard_WaitForDrain(t *testing.T) {
	guard := NewRunGuard(time.Second)
	guard.TryAcquire()

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- guard.WaitForDrain(context.Background())
	}()

	select {
	case <-drainDone:
		t.Error("WaitForDrain returned too early")
	case <-time.After(50 * time.Millisecond):
		// Expected - still waiting
	}

	guard.Release()

	select {
	case err := <-drainDone:
		if err != nil {
			t.Errorf("WaitForDrain returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("WaitForDrain did not complete after release")
	}
}

func TestRunGuard_WaitForDrain_Idle(t *testing.T) {
	guard := NewRunGuard(time.Second)

	if err := guard.WaitForDrain(context.Background()); err != nil {
		t.Errorf("WaitForDrain on idle guard = %v, want nil", err)
	}
}

func TestRunGuard_WaitForDrain_ContextCancelled(t *testing.T) {
	guard := NewRunGuard(time.Second)
	guard.TryAcquire()

	cancelCtx, cancel := context.WithCancel(context.Background())
	drainDone := make(chan error, 1)
	go func() {
		drainDone <- guard.WaitForDrain(cancelCtx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-drainDone:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("WaitForDrain did not return after context cancellation")
	}

	guard.Release()
}

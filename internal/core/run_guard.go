package core

// run_guard.go keeps conversion passes of one process from overlapping.
//
// The guard is a single-slot semaphore. Scheduled passes use TryAcquire and
// are rejected with ErrRunInProgress while another pass holds the slot;
// callers that prefer to queue use Acquire, which waits up to maxWait.
//
// The guard also supports graceful shutdown via WaitForDrain, which blocks
// until the active pass completes.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRunInProgress is returned when a conversion pass is already running in
// this process.
var ErrRunInProgress = errors.New("conversion already running")

// DefaultMaxWaitTime is how long Acquire waits for the running pass.
const DefaultMaxWaitTime = 30 * time.Second

// RunGuard serializes conversion passes using a semaphore pattern.
type RunGuard struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu      sync.RWMutex
	active  bool
	started time.Time
}

// NewRunGuard creates a guard. Acquire gives up after maxWait.
func NewRunGuard(maxWait time.Duration) *RunGuard {
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &RunGuard{
		semaphore: make(chan struct{}, 1),
		maxWait:   maxWait,
	}
}

// Acquire waits for the running pass to finish.
// Returns nil on success, ErrRunInProgress if the wait times out.
// The caller MUST call Release() when the pass completes (use defer).
func (g *RunGuard) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	select {
	case g.semaphore <- struct{}{}:
		g.mark(true)
		return nil

	case <-waitCtx.Done():
		// Check if original context was cancelled vs timeout
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRunInProgress
	}
}

// TryAcquire takes the slot without blocking.
// Returns true if the slot was acquired, false otherwise.
func (g *RunGuard) TryAcquire() bool {
	select {
	case g.semaphore <- struct{}{}:
		g.mark(true)
		return true
	default:
		return false
	}
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful Acquire/TryAcquire.
func (g *RunGuard) Release() {
	g.mark(false)
	<-g.semaphore
}

func (g *RunGuard) mark(active bool) {
	g.mu.Lock()
	g.active = active
	if active {
		g.started = time.Now()
	}
	g.mu.Unlock()
}

// Active reports whether a pass is running.
func (g *RunGuard) Active() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// WaitForDrain blocks until the running pass completes or ctx is cancelled.
// Used for graceful shutdown so a pass can commit its current blob.
func (g *RunGuard) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !g.Active() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunGuardStatus is a snapshot of the guard's state.
type RunGuardStatus struct {
	Running bool      `json:"running"`
	Since   time.Time `json:"since,omitempty"`
}

// Status returns the current guard state for monitoring.
func (g *RunGuard) Status() RunGuardStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.active {
		return RunGuardStatus{}
	}
	return RunGuardStatus{Running: true, Since: g.started}
}

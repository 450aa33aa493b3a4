// Package budget enforces per-origin concurrency caps and per-run call
// budgets. Both limits are orthogonal and both are applied as a single
// check-and-mutate under one lock, so two racing calls can never both
// pass a check meant to admit only one.
package budget

import (
	"errors"
	"sync"
)

// ErrRateLimited is returned when an origin already has the maximum
// number of in-flight calls. Callers can retry once a call finishes.
var ErrRateLimited = errors.New("budget: origin concurrency limit reached")

// ErrBudgetExceeded is returned when a run's call budget is exhausted.
// Unlike ErrRateLimited this does not clear on its own.
var ErrBudgetExceeded = errors.New("budget: run call budget exhausted")

// ErrUnknownRun is returned when consuming from a run that was never
// started or has ended.
var ErrUnknownRun = errors.New("budget: unknown run")

// runKey identifies one orchestrated run.
type runKey struct {
	origin string
	runID  string
}

// Tracker accounts for in-flight calls and remaining run budgets.
type Tracker struct {
	maxConcurrent int

	mu       sync.Mutex
	inflight map[string]int
	runs     map[runKey]int
}

// NewTracker creates a tracker with the given per-origin concurrency cap.
// A cap of zero or less disables the concurrency limit.
func NewTracker(maxConcurrent int) *Tracker {
	return &Tracker{
		maxConcurrent: maxConcurrent,
		inflight:      make(map[string]int),
		runs:          make(map[runKey]int),
	}
}

// AcquireSlot claims an in-flight slot for the origin, or fails with
// ErrRateLimited. It never blocks.
func (t *Tracker) AcquireSlot(origin string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxConcurrent > 0 && t.inflight[origin] >= t.maxConcurrent {
		return ErrRateLimited
	}
	t.inflight[origin]++
	return nil
}

// ReleaseSlot returns an origin's slot. It must be called exactly once
// per successful AcquireSlot, regardless of how the call ends.
func (t *Tracker) ReleaseSlot(origin string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := t.inflight[origin]; n > 1 {
		t.inflight[origin] = n - 1
	} else {
		delete(t.inflight, origin)
	}
}

// InFlight reports the origin's current in-flight call count.
func (t *Tracker) InFlight(origin string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight[origin]
}

// StartRun creates a call budget for (origin, runID). Starting an
// existing run resets its budget.
func (t *Tracker) StartRun(origin, runID string, calls int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runKey{origin, runID}] = calls
}

// ConsumeCall atomically spends one unit of the run's budget. Every
// attempted call consumes a unit, whether it later succeeds or fails.
// Returns ErrBudgetExceeded at zero; the budget is never negative.
func (t *Tracker) ConsumeCall(origin, runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := runKey{origin, runID}
	remaining, ok := t.runs[key]
	if !ok {
		return ErrUnknownRun
	}
	if remaining <= 0 {
		return ErrBudgetExceeded
	}
	t.runs[key] = remaining - 1
	return nil
}

// Remaining reports the run's remaining budget, or -1 for an unknown run.
func (t *Tracker) Remaining(origin, runID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if remaining, ok := t.runs[runKey{origin, runID}]; ok {
		return remaining
	}
	return -1
}

// EndRun destroys the run's budget record.
func (t *Tracker) EndRun(origin, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runKey{origin, runID})
}

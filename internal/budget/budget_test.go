package budget

import (
	"errors"
	"sync"
	"testing"
)

func TestConcurrencyCapAdmitsExactlyOne(t *testing.T) {
	tr := NewTracker(1)
	origin := "https://example.com"

	if err := tr.AcquireSlot(origin); err != nil {
		t.Fatalf("first AcquireSlot() = %v", err)
	}
	if err := tr.AcquireSlot(origin); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second AcquireSlot() = %v, want ErrRateLimited", err)
	}

	tr.ReleaseSlot(origin)
	if err := tr.AcquireSlot(origin); err != nil {
		t.Fatalf("AcquireSlot() after release = %v", err)
	}
}

func TestConcurrencyCapIsPerOrigin(t *testing.T) {
	tr := NewTracker(1)

	if err := tr.AcquireSlot("https://a.test"); err != nil {
		t.Fatal(err)
	}
	if err := tr.AcquireSlot("https://b.test"); err != nil {
		t.Errorf("other origin blocked by a.test's slot: %v", err)
	}
}

func TestZeroCapDisablesLimit(t *testing.T) {
	tr := NewTracker(0)
	for i := 0; i < 100; i++ {
		if err := tr.AcquireSlot("https://a.test"); err != nil {
			t.Fatalf("AcquireSlot() with cap disabled = %v", err)
		}
	}
}

func TestConcurrentAcquireNeverOveradmits(t *testing.T) {
	const cap = 4
	tr := NewTracker(cap)
	origin := "https://example.com"

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.AcquireSlot(origin) == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	n := 0
	for range admitted {
		n++
	}
	if n != cap {
		t.Errorf("admitted %d concurrent calls, want exactly %d", n, cap)
	}
	if got := tr.InFlight(origin); got != cap {
		t.Errorf("InFlight() = %d, want %d", got, cap)
	}
}

func TestBudgetMonotonicity(t *testing.T) {
	tr := NewTracker(0)
	origin, runID := "https://example.com", "run-1"
	const b = 5

	tr.StartRun(origin, runID, b)
	for i := 0; i < b; i++ {
		if err := tr.ConsumeCall(origin, runID); err != nil {
			t.Fatalf("call %d: ConsumeCall() = %v", i+1, err)
		}
	}

	if err := tr.ConsumeCall(origin, runID); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("call %d: ConsumeCall() = %v, want ErrBudgetExceeded", b+1, err)
	}
	if got := tr.Remaining(origin, runID); got != 0 {
		t.Errorf("Remaining() = %d, want 0 (never negative)", got)
	}

	// Repeated rejections must not drive the budget below zero.
	_ = tr.ConsumeCall(origin, runID)
	if got := tr.Remaining(origin, runID); got != 0 {
		t.Errorf("Remaining() after repeat rejection = %d, want 0", got)
	}
}

func TestConsumeUnknownRun(t *testing.T) {
	tr := NewTracker(0)
	if err := tr.ConsumeCall("https://a.test", "nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("ConsumeCall() = %v, want ErrUnknownRun", err)
	}
}

func TestEndRunDestroysBudget(t *testing.T) {
	tr := NewTracker(0)
	origin, runID := "https://example.com", "run-1"

	tr.StartRun(origin, runID, 3)
	tr.EndRun(origin, runID)

	if err := tr.ConsumeCall(origin, runID); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("ConsumeCall() after EndRun = %v, want ErrUnknownRun", err)
	}
	if got := tr.Remaining(origin, runID); got != -1 {
		t.Errorf("Remaining() after EndRun = %d, want -1", got)
	}
}

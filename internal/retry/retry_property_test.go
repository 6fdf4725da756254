package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"pgregory.net/rapid"
)

// TestProperty_Delay_MonotoneAndCapped tests the backoff schedule
// *For any* attempt, the delay SHALL never shrink and never exceed MaxDelay.
func TestProperty_Delay_MonotoneAndCapped(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.IntRange(1, 1000).Draw(rt, "baseMs")) * time.Millisecond
		maxDelay := base * time.Duration(rapid.IntRange(1, 64).Draw(rt, "factor"))
		p := Policy{MaxRetries: 3, BaseDelay: base, MaxDelay: maxDelay}

		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := p.Delay(attempt)
			if d < prev {
				t.Fatalf("PROPERTY VIOLATION: delay shrank from %v to %v at attempt %d", prev, d, attempt)
			}
			if d > maxDelay {
				t.Fatalf("PROPERTY VIOLATION: delay %v exceeds cap %v", d, maxDelay)
			}
			prev = d
		}
		if p.Delay(1) != base {
			t.Fatalf("PROPERTY VIOLATION: first delay %v should equal base %v", p.Delay(1), base)
		}
	})
}

// TestProperty_Do_StopsAfterCeiling tests that an always-failing transient op runs ceiling+1-start times
// *For any* ceiling and starting attempt, Do SHALL return ExhaustedError with Attempts = ceiling+1.
func TestProperty_Do_StopsAfterCeiling(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ceiling := rapid.IntRange(0, 6).Draw(rt, "ceiling")
		start := rapid.IntRange(0, ceiling).Draw(rt, "start")
		p := Policy{MaxRetries: ceiling}

		calls := 0
		attempts, err := p.Do(context.Background(), start, func(context.Context) error {
			calls++
			return apierrors.Transient("op", errors.New("provider unavailable"))
		})

		var exhausted *ExhaustedError
		if !errors.As(err, &exhausted) {
			t.Fatalf("PROPERTY VIOLATION: expected ExhaustedError, got %v", err)
		}
		if attempts != ceiling+1 || exhausted.Attempts != ceiling+1 {
			t.Fatalf("PROPERTY VIOLATION: attempts=%d exhausted=%d, expected %d", attempts, exhausted.Attempts, ceiling+1)
		}
		if calls != ceiling+1-start {
			t.Fatalf("PROPERTY VIOLATION: op called %d times, expected %d", calls, ceiling+1-start)
		}
	})
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	p := Policy{MaxRetries: 3}
	calls := 0
	attempts, err := p.Do(context.Background(), 0, func(context.Context) error {
		calls++
		return apierrors.Permanent("op", errors.New("malformed"))
	})
	if !apierrors.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 || attempts != 0 {
		t.Errorf("permanent error consumed budget: calls=%d attempts=%d", calls, attempts)
	}
}

func TestDo_RecoversWithinBudget(t *testing.T) {
	p := Policy{MaxRetries: 3}
	calls := 0
	attempts, err := p.Do(context.Background(), 0, func(context.Context) error {
		calls++
		if calls < 3 {
			return apierrors.Transient("op", errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 charged failures, got %d", attempts)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !apierrors.IsCancellation(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

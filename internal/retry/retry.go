package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry budget shared by the worker pool and the document processor.
// Attempt numbers count failures already charged to the budget.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewPolicy builds a policy from worker configuration
func NewPolicy(cfg *config.WorkerConfig) Policy {
	return Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BackoffBase,
		MaxDelay:   cfg.BackoffMax,
	}
}

// ExhaustedError reports that the retry ceiling was passed
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Exhausted reports whether attempt failures exceed the ceiling
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxRetries
}

// Delay returns the wait before retry number attempt (1-based):
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < p.BaseDelay {
		b.MaxInterval = p.BaseDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// budget runs out. It returns the attempt counter after the last failure.
func (p Policy) Do(ctx context.Context, attempt int, op func(context.Context) error) (int, error) {
	for {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if !apierrors.IsTransient(err) {
			return attempt, err
		}
		attempt++
		if p.Exhausted(attempt) {
			return attempt, &ExhaustedError{Attempts: attempt, Err: err}
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return attempt, err
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return apierrors.Cancellation("retry.sleep", ctx.Err())
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apierrors.Cancellation("retry.sleep", ctx.Err())
	case <-timer.C:
		return nil
	}
}

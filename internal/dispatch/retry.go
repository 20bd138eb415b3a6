package dispatch

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy is the explicit retry configuration consumed by Do. Backoff
// math and classification stay independently testable from the call being
// retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the backend rate-limit expectations of the
// bundled connectors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based):
// min(MaxDelay, BaseDelay * 2^attempt).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-transient class, or attempts
// are exhausted. Backoff sleeps respect ctx; once ctx is cancelled no further
// retry is scheduled, but the in-flight fn call is never hard-aborted here.
// The returned error is always a *ClassifiedError on failure.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &ClassifiedError{Class: ClassTransient, Err: ctx.Err()}
			case <-time.After(p.Backoff(attempt - 1)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class := Classify(err)
		if class != ClassTransient {
			return &ClassifiedError{Class: class, Err: err}
		}
		if ctx.Err() != nil {
			return &ClassifiedError{Class: ClassTransient, Err: ctx.Err()}
		}
	}

	return &ClassifiedError{
		Class: ClassTransient,
		Err:   fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr),
	}
}

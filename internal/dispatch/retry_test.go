package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringops/ringway/internal/connector"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestDoRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return &connector.BackendError{StatusCode: 503, Message: "backend busy"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &connector.BackendError{StatusCode: 400, Message: "bad request"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, ClassPermanent, classified.Class)
}

func TestDoStopsOnPolicyViolation(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &connector.BackendError{StatusCode: 403, Message: "policy denies install", PolicySignal: true}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassPolicyViolation, Classify(err))
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &connector.BackendError{StatusCode: 429, Message: "rate limited"}
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)

	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, ClassTransient, classified.Class)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return &connector.BackendError{StatusCode: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoffIsNonDecreasingAndCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 8, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, time.Second, p.Backoff(7))
}

func TestDoWrapsErrorsAsClassified(t *testing.T) {
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		return fmt.Errorf("some unexpected state")
	})
	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, ClassPermanent, classified.Class)
}

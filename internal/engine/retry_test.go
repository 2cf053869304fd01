package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/errors"
)

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.KindTransientProvider, "throttled")
		}
		return nil
	}, IsRetryable)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New(errors.KindFatalProvider, "access denied")
	err := RetryWithBackoff(context.Background(), fastPolicy(), func() error {
		calls++
		return permanent
	}, IsRetryable)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsKind(err, errors.KindFatalProvider))
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), fastPolicy(), func() error {
		calls++
		return errors.New(errors.KindTransientProvider, "still throttled")
	}, IsRetryable)

	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial attempt plus three retries
	assert.Contains(t, err.Error(), "max retries")
	assert.True(t, errors.IsTransient(err))
}

func TestRetryWithBackoff_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: time.Minute}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- RetryWithBackoff(ctx, policy, func() error {
			calls++
			return errors.New(errors.KindTransientProvider, "throttled")
		}, IsRetryable)
	}()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestIsRetryable_Classification(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New(errors.KindTransientProvider, "anything")))
	assert.False(t, IsRetryable(errors.New(errors.KindFatalProvider, "timeout"))) // explicit class wins over message

	// Plain errors fall back to message sniffing.
	assert.True(t, IsRetryable(fmt.Errorf("RequestLimitExceeded: too many requests")))
	assert.True(t, IsRetryable(fmt.Errorf("dial tcp: connection refused")))
	assert.False(t, IsRetryable(fmt.Errorf("invalid parameter value")))
}

func TestBackoffDelay_Capped(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(attempt, time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

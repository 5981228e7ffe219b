package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type transientErr struct{ msg string }

func (e transientErr) Error() string   { return e.msg }
func (e transientErr) Transient() bool { return true }

func fastBackoff(attempts int) Backoff {
	return Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: attempts}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), fastBackoff(5), func(ctx context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr{msg: "rate limited"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(3), func(ctx context.Context) error {
		calls++
		return transientErr{msg: "still throttled"}
	})
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.Equal(t, 3, calls)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastBackoff(3), func(ctx context.Context) error {
		return transientErr{msg: "throttled"}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, MaxAttempts: 5}
	require.GreaterOrEqual(t, b.Delay(1), 200*time.Millisecond)
	require.LessOrEqual(t, b.Delay(10), 500*time.Millisecond)
}

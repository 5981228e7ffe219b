package recon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), mr
}

func TestAcquireRejectsConcurrentRun(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, time.Hour)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, time.Hour)
	require.ErrorIs(t, err, ErrRunInProgress)

	release()
	release2, err := locker.Acquire(ctx, time.Hour)
	require.NoError(t, err)
	release2()
}

func TestReleaseLeavesSuccessorLockAlone(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	// holder's TTL lapses and another process takes over
	mr.FastForward(2 * time.Minute)
	release2, err := locker.Acquire(ctx, time.Hour)
	require.NoError(t, err)

	// stale release must not delete the successor's lock
	release()
	require.True(t, mr.Exists(shared.ReconRunLockKey()))
	release2()
	require.False(t, mr.Exists(shared.ReconRunLockKey()))
}

func TestLockExpiresAfterTTL(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	mr.FastForward(61 * time.Second)

	release, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	release()
}

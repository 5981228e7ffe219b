package recon

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

// RedisLocker serialises reconciliation runs across processes with a
// best-effort redis lock. The TTL guards against a crashed holder.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker constructs a locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the run lock or returns ErrRunInProgress. The returned
// release func only deletes the lock if this holder still owns it.
func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(), error) {
	key := shared.ReconRunLockKey()
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		current, err := l.client.Get(ctx, key).Result()
		if err != nil || current != token {
			return
		}
		_ = l.client.Del(ctx, key).Err()
	}
	return release, nil
}

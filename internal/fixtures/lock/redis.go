package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fixtureforge/internal/platform/sentinel"
)

const redisKeyPrefix = "fixtures:lock:"

// RedisLocker realizes the same contract with SET NX, the conditional put of
// a shared key-value store. Markers carry no TTL: a crashed holder surfaces
// as a lock timeout for its peers, exactly like the filesystem backend.
type RedisLocker struct {
	client *redis.Client
	holder string
}

// NewRedisLocker wraps an already-connected client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, holder: uuid.NewString()}
}

// Acquire polls SET NX until it wins or maxWait elapses.
func (l *RedisLocker) Acquire(ctx context.Context, resource string, maxWait, pollInterval time.Duration) error {
	marker := Marker{Resource: resource, Holder: l.holder, CreatedAt: time.Now().UTC()}
	payload, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode marker for %q: %w", resource, err)
	}

	deadline := time.Now().Add(maxWait)
	for {
		ok, err := l.client.SetNX(ctx, redisKeyPrefix+resource, payload, 0).Result()
		if err != nil {
			return fmt.Errorf("acquire %q: %w", resource, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("acquire %q: still held after %s: %w", resource, maxWait, sentinel.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %q: %w", resource, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Release deletes the key; DEL on an absent key is already a no-op.
func (l *RedisLocker) Release(ctx context.Context, resource string) error {
	if err := l.client.Del(ctx, redisKeyPrefix+resource).Err(); err != nil {
		return fmt.Errorf("release %q: %w", resource, err)
	}
	return nil
}

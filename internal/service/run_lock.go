package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const runLockPrefix = "gema:grader:lock:"

// releaseScript deletes the lock only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock keeps two engines from running the same flow against the same target concurrently.
type RunLock interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// RedisRunLock implements RunLock with SET NX and a token-checked release.
type RedisRunLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRunLock constructs a RedisRunLock. The ttl bounds how long a crashed holder blocks others.
func NewRedisRunLock(client *redis.Client, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisRunLock{client: client, ttl: ttl}
}

// Acquire takes the lock or returns ErrRunInProgress. The returned function releases it.
func (l *RedisRunLock) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()
	fullKey := runLockPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrRunInProgress)
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release run lock %s: %w", key, err)
		}
		return nil
	}, nil
}

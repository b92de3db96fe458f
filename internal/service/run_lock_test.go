package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisRunLockExcludesConcurrentRuns(t *testing.T) {
	server, client := newTestRedis(t)
	lock := NewRedisRunLock(client, time.Minute)
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "grading:stat201")
	require.NoError(t, err)
	assert.True(t, server.Exists("gema:grader:lock:grading:stat201"))

	_, err = lock.Acquire(ctx, "grading:stat201")
	require.ErrorIs(t, err, ErrRunInProgress)

	other, err := lock.Acquire(ctx, "snapshot:stat201-001")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	assert.False(t, server.Exists("gema:grader:lock:grading:stat201"))

	again, err := lock.Acquire(ctx, "grading:stat201")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisRunLockReleaseKeepsForeignHolder(t *testing.T) {
	server, client := newTestRedis(t)
	lock := NewRedisRunLock(client, time.Minute)
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "autoext:stat201-001")
	require.NoError(t, err)

	server.FastForward(2 * time.Minute)
	assert.False(t, server.Exists("gema:grader:lock:autoext:stat201-001"), "an expired lock frees the target")

	next, err := lock.Acquire(ctx, "autoext:stat201-001")
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	assert.True(t, server.Exists("gema:grader:lock:autoext:stat201-001"), "a stale holder cannot release the new lock")
	require.NoError(t, next(ctx))
}

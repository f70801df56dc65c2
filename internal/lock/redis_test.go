package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"coopledger/internal/billing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLockerTest(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewRedisLocker(client, "coop:"), mr
}

func TestAcquireAndRelease(t *testing.T) {
	locker, mr := setupLockerTest(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "approval:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("coop:approval:1"))

	_, err = locker.Acquire(ctx, "approval:1", time.Minute)
	assert.True(t, errors.Is(err, billing.ErrConflict))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("coop:approval:1"))

	release, err = locker.Acquire(ctx, "approval:1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestLeaseExpires(t *testing.T) {
	locker, mr := setupLockerTest(t)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "approval:2", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = locker.Acquire(ctx, "approval:2", time.Second)
	assert.NoError(t, err)
}

func TestStaleReleaseKeepsNewHolder(t *testing.T) {
	locker, mr := setupLockerTest(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "approval:3", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = locker.Acquire(ctx, "approval:3", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("coop:approval:3"), "a stale release must not drop the new lease")
}

func TestUnreachableRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = NewRedisLocker(client, "").Acquire(context.Background(), "k", time.Second)
	assert.True(t, errors.Is(err, billing.ErrUpstream))
}

func TestNewRedisClientInvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "://nope")
	assert.Error(t, err)
}

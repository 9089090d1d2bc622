package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/redis"
	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	locker := redis.NewLocker(client, "pilot:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "branch-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("pilot:lock:branch-1"), "Lock key should be set in Redis")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("pilot:lock:branch-1"), "Lock key should be removed after unlock")
}

func TestRedisLocker_Contention(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	locker1 := redis.NewLocker(client, "pilot:", redis.WithPollInterval(20*time.Millisecond))
	locker2 := redis.NewLocker(client, "pilot:", redis.WithPollInterval(20*time.Millisecond))
	ctx := context.Background()

	unlock1, err := locker1.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = locker2.Lock(ctxTimeout, "shared", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))

	unlock2, err := locker2.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	defer unlock2(ctx)
	assert.True(t, mr.Exists("pilot:lock:shared"))
}

func TestRedisLocker_StaleUnlockKeepsNewHolder(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	locker := redis.NewLocker(client, "pilot:")
	ctx := context.Background()

	unlockOld, err := locker.Lock(ctx, "b", time.Second)
	require.NoError(t, err)

	// The first holder's TTL runs out and someone else takes over.
	mr.FastForward(2 * time.Second)
	unlockNew, err := locker.Lock(ctx, "b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, unlockOld(ctx))
	assert.True(t, mr.Exists("pilot:lock:b"), "stale holder must not release the new lock")
	require.NoError(t, unlockNew(ctx))
	assert.False(t, mr.Exists("pilot:lock:b"))
}

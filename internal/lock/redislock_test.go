package lock_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-settlement/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client, Prefix: "test"}, mr
}

func TestTryLockRejectsSecondHolder(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "sale-1", time.Second)
	require.NoError(t, err)
	require.True(t, mr.Exists("test:sale-1"))

	_, err = locker.TryLock(ctx, "sale-1", time.Second)
	require.ErrorIs(t, err, lock.ErrLocked)

	other, err := locker.TryLock(ctx, "sale-2", time.Second)
	require.NoError(t, err, "different sales do not contend")
	other()

	release()
	release()
	require.False(t, mr.Exists("test:sale-1"))

	again, err := locker.TryLock(ctx, "sale-1", time.Second)
	require.NoError(t, err)
	again()
}

func TestReleaseDoesNotDropForeignLock(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "sale-1", 50*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)
	next, err := locker.TryLock(ctx, "sale-1", time.Second)
	require.NoError(t, err, "expired lock can be taken over")

	release()
	require.True(t, mr.Exists("test:sale-1"), "stale holder must not release the new owner's lock")
	next()
}

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) *RedisLocker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, 5*time.Second)
}

func TestLockers(t *testing.T) {
	lockers := map[string]func(t *testing.T) Locker{
		"redis": func(t *testing.T) Locker { return newRedisLocker(t) },
		"local": func(*testing.T) Locker { return NewLocalLocker() },
	}

	for name, build := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := build(t)

			unlock, err := l.Acquire(ctx, ApplyKey("3001"))
			require.NoError(t, err)

			_, err = l.Acquire(ctx, ApplyKey("3001"))
			assert.ErrorIs(t, err, ErrLocked)

			other, err := l.Acquire(ctx, ApplyKey("3002"))
			require.NoError(t, err, "different expenses do not contend")
			require.NoError(t, other(ctx))

			require.NoError(t, unlock(ctx))
			assert.ErrorIs(t, unlock(ctx), ErrNotHeld)

			again, err := l.Acquire(ctx, ApplyKey("3001"))
			require.NoError(t, err)
			require.NoError(t, again(ctx))

			commit, err := l.Acquire(ctx, CommitKey("3001"))
			require.NoError(t, err, "commit and apply locks are independent")
			_, err = l.Acquire(ctx, CommitKey("3001"))
			assert.ErrorIs(t, err, ErrLocked)
			require.NoError(t, commit(ctx))
		})
	}
}

func TestLocalLockerAdmitsOneConcurrentHolder(t *testing.T) {
	l := NewLocalLocker()
	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	unlocks := make(chan Unlock, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if unlock, err := l.Acquire(context.Background(), "k"); err == nil {
				atomic.AddInt32(&wins, 1)
				unlocks <- unlock
			}
		}()
	}
	close(start)
	wg.Wait()
	close(unlocks)

	assert.EqualValues(t, 1, atomic.LoadInt32(&wins))
	for u := range unlocks {
		require.NoError(t, u(context.Background()))
	}
}

// Package lock serializes applies and decision commits per expense, across
// instances when Redis is configured and within the process otherwise.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLocked  = errors.New("lock is held by another operation")
	ErrNotHeld = errors.New("lock was not held or already expired")
)

// Unlock releases a lock obtained from Acquire.
type Unlock func(ctx context.Context) error

// Locker hands out exclusive, non-blocking locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

func ApplyKey(expenseID string) string {
	return "lock:apply:" + expenseID
}

func CommitKey(expenseID string) string {
	return "lock:commit:" + expenseID
}

type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

func NewRedisLocker(client redis.UniversalClient, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), expiry: expiry}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	m := l.rs.NewMutex(key, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		if taken(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		ok, err := m.UnlockContext(ctx)
		switch {
		case !ok && err != nil:
			return fmt.Errorf("release %s: %w (%v)", key, ErrNotHeld, err)
		case !ok:
			return ErrNotHeld
		case err != nil:
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}, nil
}

func taken(err error) bool {
	var t *redsync.ErrTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &t)
}

// LocalLocker is the single-instance fallback.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		released := false
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			released = true
		})
		if !released {
			return ErrNotHeld
		}
		return nil
	}, nil
}

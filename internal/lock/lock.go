// Package lock provides mutual exclusion for day-close operations, keyed by
// (branch, day).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

func DayCloseKey(branchID int64, dayKey string) string {
	return fmt.Sprintf("lock:day-close:%d:%s", branchID, dayKey)
}

// RedisLocker waits up to waitTimeout for a contended key before giving up.
type RedisLocker struct {
	client      *redislock.Client
	waitTimeout time.Duration
}

func NewRedisLocker(client redis.UniversalClient, waitTimeout time.Duration) *RedisLocker {
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}
	return &RedisLocker{client: redislock.New(client), waitTimeout: waitTimeout}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	backoff := 100 * time.Millisecond
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(backoff), int(l.waitTimeout/backoff)),
	}
	lk, err := l.client.Obtain(ctx, key, ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	return lk, nil
}

// LocalLocker is an in-process keyed mutex. The ttl is ignored: a lease is
// held until released.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	sl, ok := l.slots[key]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
		return &localLease{locker: l, key: key, slot: sl}, nil
	case <-ctx.Done():
		l.unref(key, sl)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}
}

func (l *LocalLocker) unref(key string, sl *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.slots, key)
	}
}

type localLease struct {
	once   sync.Once
	locker *LocalLocker
	key    string
	slot   *slot
}

func (l *localLease) Release(_ context.Context) error {
	l.once.Do(func() {
		<-l.slot.ch
		l.locker.unref(l.key, l.slot)
	})
	return nil
}

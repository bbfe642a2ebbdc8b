package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock keeps maintenance cycles from overlapping.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalLock only excludes overlapping cycles within one process. Use it when
// a single cron worker runs without redis.
type LocalLock struct {
	mu sync.Mutex
}

func (l *LocalLock) Acquire(context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

func (l *LocalLock) Release(context.Context) error {
	l.mu.Unlock()
	return nil
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error)
}

// RedisLock is a lease shared by every cron worker replica. The TTL must
// outlast a full cycle; a holder that dies frees the lease when it expires.
type RedisLock struct {
	store lockStore
	key   string
	ttl   time.Duration

	mu    sync.Mutex
	owner string
}

func NewRedisLock(store lockStore, key string, ttl time.Duration) (*RedisLock, error) {
	switch {
	case store == nil:
		return nil, errors.New("redis client required for lock")
	case key == "":
		return nil, errors.New("lock key is required")
	case ttl <= 0:
		return nil, errors.New("lock ttl must be positive")
	}
	return &RedisLock{store: store, key: key, ttl: ttl}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.mu.Lock()
		l.owner = owner
		l.mu.Unlock()
	}
	return ok, nil
}

// Release deletes the lease only while this worker still owns it, so a
// cycle that overran its TTL cannot free a successor's lease.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	owner := l.owner
	l.owner = ""
	l.mu.Unlock()
	if owner == "" {
		return nil
	}
	if _, err := l.store.ReleaseIfOwner(ctx, l.key, owner); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

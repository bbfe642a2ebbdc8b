package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLockStore struct {
	values map[string]string
}

func (m *memLockStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memLockStore) ReleaseIfOwner(_ context.Context, key, owner string) (bool, error) {
	if m.values[key] != owner {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func TestRedisLockExcludesSecondHolder(t *testing.T) {
	store := &memLockStore{values: map[string]string{}}
	first, err := NewRedisLock(store, "sl:cron-worker:lock:test", time.Hour)
	require.NoError(t, err)
	second, err := NewRedisLock(store, "sl:cron-worker:lock:test", time.Hour)
	require.NoError(t, err)

	ok, err := first.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// A release by a non-holder is a no-op.
	require.NoError(t, second.Release(context.Background()))
	assert.Len(t, store.values, 1)

	require.NoError(t, first.Release(context.Background()))
	assert.Empty(t, store.values)

	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockDoesNotFreeSuccessorLease(t *testing.T) {
	store := &memLockStore{values: map[string]string{}}
	lock, err := NewRedisLock(store, "k", time.Hour)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// The lease expired and another worker took it.
	store.values["k"] = "someone-else"
	require.NoError(t, lock.Release(context.Background()))
	assert.Equal(t, "someone-else", store.values["k"])
}

func TestNewRedisLockValidates(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Hour)
	assert.Error(t, err)
	_, err = NewRedisLock(&memLockStore{}, "", time.Hour)
	assert.Error(t, err)
	_, err = NewRedisLock(&memLockStore{}, "k", 0)
	assert.Error(t, err)
}

func TestLocalLock(t *testing.T) {
	var lock LocalLock
	ok, _ := lock.Acquire(context.Background())
	assert.True(t, ok)
	ok, _ = lock.Acquire(context.Background())
	assert.False(t, ok)
	require.NoError(t, lock.Release(context.Background()))
}

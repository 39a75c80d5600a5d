package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(zerolog.Nop())
}

func TestMemoryStoreGetSet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 20*time.Millisecond))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	time.Sleep(40 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSets(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "set", "a", "b"))

	ok, err := s.SIsMember(ctx, "set", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SIsMember(ctx, "set", "c")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem(ctx, "set", "a"))
	ok, err = s.SIsMember(ctx, "set", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreWindowAdd(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	window := 100 * time.Millisecond
	base := time.Now()

	count, err := s.WindowAdd(ctx, "w", "m1", base, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.WindowAdd(ctx, "w", "m2", base.Add(10*time.Millisecond), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The first entry falls out once the window slides past it.
	count, err = s.WindowAdd(ctx, "w", "m3", base.Add(105*time.Millisecond), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = s.WindowCount(ctx, "w", base.Add(300*time.Millisecond), window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemoryStoreWindowsAreIsolated(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now()

	_, err := s.WindowAdd(ctx, "w1", "m", now, time.Minute)
	require.NoError(t, err)

	count, err := s.WindowCount(ctx, "w2", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	_, err := NewStore("etcd", "", zerolog.Nop())
	assert.Error(t, err)
}

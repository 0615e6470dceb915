package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, store.SetEx(ctx, "k", "v", 0))
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})

	t.Run("expired key is gone", func(t *testing.T) {
		require.NoError(t, store.SetEx(ctx, "ttl", "v", time.Second))
		store.now = func() time.Time { return time.Now().Add(2 * time.Second) }
		defer func() { store.now = time.Now }()

		_, err := store.Get(ctx, "ttl")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemory_Incr(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	n, err := store.Incr(ctx, "counter", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "counter", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	t.Run("restarts after expiry", func(t *testing.T) {
		store.now = func() time.Time { return time.Now().Add(5 * time.Second) }
		defer func() { store.now = time.Now }()

		n, err := store.Incr(ctx, "counter", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestMemory_SetNX(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	ok, err := store.SetNX(ctx, "lock", "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestMemory_Keys(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.SetEx(ctx, "embed:1", "x", 0))
	require.NoError(t, store.SetEx(ctx, "embed:2", "y", 0))
	require.NoError(t, store.SetEx(ctx, "user:1", "z", 0))

	keys, err := store.Keys(ctx, "embed:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"embed:1", "embed:2"}, keys)
}

func TestMemory_ListDrain(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	t.Run("drain preserves push order and empties the list", func(t *testing.T) {
		require.NoError(t, store.RPush(ctx, "q", "one"))
		require.NoError(t, store.RPush(ctx, "q", "two"))
		require.NoError(t, store.RPush(ctx, "q", "three"))

		items, err := store.Drain(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three"}, items)

		items, err = store.Drain(ctx, "q")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("drain of absent list is empty, not nil error", func(t *testing.T) {
		items, err := store.Drain(ctx, "never-pushed")
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})

	t.Run("del removes list state too", func(t *testing.T) {
		require.NoError(t, store.RPush(ctx, "q2", "x"))
		require.NoError(t, store.Del(ctx, "q2"))
		items, err := store.Drain(ctx, "q2")
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

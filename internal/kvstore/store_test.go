package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k", `[{"id":"1"}]`))
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, `[{"id":"1"}]`, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k", "first"))
		require.NoError(t, store.Set(ctx, "k", "second"))
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "second", got)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", "v"))
		require.NoError(t, store.Remove(ctx, "gone"))
		_, err := store.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrNotFound)

		// removing a missing key is not an error
		assert.NoError(t, store.Remove(ctx, "gone"))
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestScopedStore(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()

	exerciseStore(t, Scoped(inner, "device-1"))

	a := Scoped(inner, "a")
	b := Scoped(inner, "b:")
	require.NoError(t, a.Set(ctx, "queue", "from-a"))
	require.NoError(t, b.Set(ctx, "queue", "from-b"))

	got, err := inner.Get(ctx, "a:queue")
	require.NoError(t, err)
	assert.Equal(t, "from-a", got)

	got, err = b.Get(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, "from-b", got)

	require.NoError(t, Scoped(inner, "").Set(ctx, "plain", "v"))
	got, err = inner.Get(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

package device

import (
	"context"
	"errors"
	"testing"

	"offlinequeue/internal/kvstore"
	"offlinequeue/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct{ kvstore.MemoryStore }

func (b *brokenStore) Get(ctx context.Context, key string) (string, error) {
	return "", errors.New("disk gone")
}

func TestLoadOrCreateID(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	first, err := LoadOrCreateID(ctx, store)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	assert.NoError(t, err)

	second, err := LoadOrCreateID(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := store.Get(ctx, models.DeviceIDKey)
	require.NoError(t, err)
	assert.Equal(t, first, stored)
}

func TestLoadOrCreateIDReadError(t *testing.T) {
	_, err := LoadOrCreateID(context.Background(), &brokenStore{})
	assert.Error(t, err)
}

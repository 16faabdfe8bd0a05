// Package device resolves the stable installation id of this client.
package device

import (
	"context"
	"errors"
	"fmt"

	"offlinequeue/internal/kvstore"
	"offlinequeue/internal/models"

	"github.com/google/uuid"
)

// LoadOrCreateID returns the installation id stored under models.DeviceIDKey, creating
// and persisting a new UUID on first use.
func LoadOrCreateID(ctx context.Context, store kvstore.Store) (string, error) {
	id, err := store.Get(ctx, models.DeviceIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id = uuid.NewString()
	if err := store.Set(ctx, models.DeviceIDKey, id); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}

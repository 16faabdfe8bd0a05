package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offlinequeue/internal/kvstore"
	"offlinequeue/internal/models"

	"github.com/rs/zerolog"
)

// storedOperation is the persisted layout of one operation.
type storedOperation struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Data       json.RawMessage `json:"data"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Persister reads and writes an ordered operation list under one key.
type Persister struct {
	store  kvstore.Store
	key    string
	logger *zerolog.Logger
}

func NewPersister(store kvstore.Store, key string, logger *zerolog.Logger) *Persister {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Persister{store: store, key: key, logger: logger}
}

// Load returns the persisted list. A missing key, a storage error or
// malformed data all yield an empty list.
func (p *Persister) Load(ctx context.Context) []models.QueuedOperation {
	raw, err := p.store.Get(ctx, p.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		p.logger.Error().Err(err).Str("key", p.key).Msg("Failed to load queue, starting empty")
		return nil
	}

	var stored []storedOperation
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		p.logger.Error().Err(err).Str("key", p.key).Msg("Persisted queue is malformed, starting empty")
		return nil
	}

	ops := make([]models.QueuedOperation, 0, len(stored))
	seen := make(map[string]bool, len(stored))
	for _, s := range stored {
		kind := models.OperationKind(s.Kind)
		switch {
		case s.ID == "":
			p.logger.Warn().Str("kind", s.Kind).Msg("Skipping persisted operation without id")
			continue
		case !kind.Valid():
			p.logger.Warn().Str("id", s.ID).Str("kind", s.Kind).Msg("Skipping persisted operation of unknown kind")
			continue
		case seen[s.ID]:
			p.logger.Warn().Str("id", s.ID).Msg("Skipping duplicate persisted operation")
			continue
		}
		seen[s.ID] = true

		retry := s.RetryCount
		if retry < 0 {
			retry = 0
		}
		ops = append(ops, models.QueuedOperation{
			ID:         models.OperationID(s.ID),
			Kind:       kind,
			Data:       s.Data,
			EnqueuedAt: time.UnixMilli(s.EnqueuedAt),
			RetryCount: retry,
		})
	}
	return ops
}

// Save overwrites the persisted list. Failures are logged and returned.
func (p *Persister) Save(ctx context.Context, ops []models.QueuedOperation) error {
	stored := make([]storedOperation, len(ops))
	for i, op := range ops {
		stored[i] = storedOperation{
			ID:         string(op.ID),
			Kind:       string(op.Kind),
			Data:       op.Data,
			EnqueuedAt: op.EnqueuedAt.UnixMilli(),
			RetryCount: op.RetryCount,
		}
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		p.logger.Error().Err(err).Str("key", p.key).Msg("Failed to encode queue")
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := p.store.Set(ctx, p.key, string(raw)); err != nil {
		p.logger.Error().Err(err).Str("key", p.key).Int("operations", len(ops)).Msg("Failed to persist queue")
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Append adds op to the end of the persisted list, keeping at most limit
// entries (oldest evicted first). A limit of zero or less keeps everything.
func (p *Persister) Append(ctx context.Context, op models.QueuedOperation, limit int) error {
	ops := append(p.Load(ctx), op)
	if limit > 0 && len(ops) > limit {
		ops = ops[len(ops)-limit:]
	}
	return p.Save(ctx, ops)
}

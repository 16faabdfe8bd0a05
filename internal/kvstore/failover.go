package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// dirtyKeysKey lists, in the fallback, keys written while primary was down.
const dirtyKeysKey = "__failover:dirty"

// FailoverStore writes through to primary and mirrors every successful write
// into fallback. Once primary fails, calls go to fallback until a recovery
// probe succeeds. Keys written during the outage are tracked in fallback and
// copied back into primary before primary serves again, including after a
// restart.
type FailoverStore struct {
	primary  Store
	fallback Store
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	dirty     map[string]struct{}
	loaded    bool
	now       func() time.Time
}

func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		dirty:    make(map[string]struct{}),
		now:      time.Now,
	}
}

func (r *FailoverStore) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary store failed, falling back")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

// usePrimary reports whether the next call should try primary. Pending
// outage writes are reconciled first; primary stays unused until that works.
func (r *FailoverStore) usePrimary(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadDirtyLocked(ctx)
	down := r.isDown.Load()
	if !down && len(r.dirty) == 0 {
		return true
	}
	if down {
		if r.now().Sub(r.lastCheck) <= recoveryInterval {
			return false
		}
		r.lastCheck = r.now()
	}

	if err := r.reconcileLocked(ctx); err != nil {
		r.logger.Warn().Err(err).Int("pending", len(r.dirty)).Msg("Primary store not reconciled, staying on fallback")
		r.isDown.Store(true)
		r.lastCheck = r.now()
		return false
	}
	if r.isDown.CompareAndSwap(true, false) {
		r.logger.Info().Msg("Primary store recovered")
	}
	return true
}

func (r *FailoverStore) loadDirtyLocked(ctx context.Context) {
	if r.loaded {
		return
	}
	raw, err := r.fallback.Get(ctx, dirtyKeysKey)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		r.logger.Warn().Err(err).Msg("Failed to read pending failover keys")
		return
	default:
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			r.logger.Warn().Err(err).Msg("Discarding malformed pending failover keys")
		}
		for _, k := range keys {
			r.dirty[k] = struct{}{}
		}
	}
	r.loaded = true
}

// reconcileLocked copies every dirty key from fallback into primary and
// clears the pending list.
func (r *FailoverStore) reconcileLocked(ctx context.Context) error {
	if len(r.dirty) == 0 {
		return nil
	}
	for key := range r.dirty {
		val, err := r.fallback.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			err = r.primary.Remove(ctx, key)
		case err != nil:
			return fmt.Errorf("read fallback %q: %w", key, err)
		default:
			err = r.primary.Set(ctx, key, val)
		}
		if err != nil {
			return fmt.Errorf("replay %q into primary: %w", key, err)
		}
		delete(r.dirty, key)
	}
	if err := r.fallback.Remove(ctx, dirtyKeysKey); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to clear pending failover keys")
	}
	r.logger.Info().Msg("Primary store reconciled from fallback")
	return nil
}

// markDirty records a key written to fallback only.
func (r *FailoverStore) markDirty(ctx context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadDirtyLocked(ctx)
	r.dirty[key] = struct{}{}

	keys := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	raw, _ := json.Marshal(keys)
	if err := r.fallback.Set(ctx, dirtyKeysKey, string(raw)); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist pending failover key")
	}
}

func (r *FailoverStore) Get(ctx context.Context, key string) (string, error) {
	if r.usePrimary(ctx) {
		val, err := r.primary.Get(ctx, key)
		if err == nil || errors.Is(err, ErrNotFound) {
			return val, err
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverStore) Set(ctx context.Context, key, value string) error {
	if r.usePrimary(ctx) {
		err := r.primary.Set(ctx, key, value)
		if err == nil {
			if mirrorErr := r.fallback.Set(ctx, key, value); mirrorErr != nil {
				r.logger.Warn().Err(mirrorErr).Str("key", key).Msg("Failed to mirror write into fallback store")
			}
			return nil
		}
		r.markDown(err)
	}
	if err := r.fallback.Set(ctx, key, value); err != nil {
		return err
	}
	r.markDirty(ctx, key)
	return nil
}

func (r *FailoverStore) Remove(ctx context.Context, key string) error {
	if r.usePrimary(ctx) {
		err := r.primary.Remove(ctx, key)
		if err == nil {
			if mirrorErr := r.fallback.Remove(ctx, key); mirrorErr != nil {
				r.logger.Warn().Err(mirrorErr).Str("key", key).Msg("Failed to mirror remove into fallback store")
			}
			return nil
		}
		r.markDown(err)
	}
	if err := r.fallback.Remove(ctx, key); err != nil {
		return err
	}
	r.markDirty(ctx, key)
	return nil
}

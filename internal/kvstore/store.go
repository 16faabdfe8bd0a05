// Package kvstore provides the persistent key-value store the offline queue
// survives restarts with. Values are opaque string blobs.
package kvstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a generic get/set/remove store of string blobs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ScopedStore namespaces every key of an underlying store.
type ScopedStore struct {
	inner Store
	scope string
}

// Scoped wraps inner so that all keys are stored as "scope:key".
// An empty scope returns a pass-through wrapper.
func Scoped(inner Store, scope string) *ScopedStore {
	return &ScopedStore{inner: inner, scope: strings.TrimSuffix(scope, ":")}
}

func (s *ScopedStore) key(key string) string {
	if s.scope == "" {
		return key
	}
	return s.scope + ":" + key
}

func (s *ScopedStore) Get(ctx context.Context, key string) (string, error) {
	return s.inner.Get(ctx, s.key(key))
}

func (s *ScopedStore) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.key(key), value)
}

func (s *ScopedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.key(key))
}

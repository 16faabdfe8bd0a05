package kvstore

import (
	"context"
	"sync"
)

type MemoryStore struct {
	values sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	val, ok := s.values.Load(key)
	if !ok {
		return "", ErrNotFound
	}
	return val.(string), nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.values.Store(key, value)
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.values.Delete(key)
	return nil
}

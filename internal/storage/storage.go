package storage

import (
	"context"
	"encoding/json"
	"sync"

	"fastnear.io/wallet-adapter/pkg/errors"
)

// Store is the injected key/value persistence boundary. Implementations are
// expected to be cheap per call; values are JSON-serialized strings.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// MemoryStore is the safe fallback when no durable store is injected.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// ReadJSON loads and decodes the value at key into out. Missing keys and
// malformed persisted JSON both leave out at the caller's fallback value
// rather than failing, so a corrupt blob never wedges the adapter.
func ReadJSON(ctx context.Context, store Store, key string, out interface{}) error {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return errors.Wrap(err, "read storage key")
	}
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return nil
	}
	return nil
}

func WriteJSON(ctx context.Context, store Store, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshal storage value")
	}
	return store.Set(ctx, key, string(raw))
}

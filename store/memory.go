package store

import (
	"context"
	"sync"

	"github.com/yourusername/quotafence/core"
)

// MemoryStore provides thread-safe in-memory storage for bucket states.
// States are copied in and out so callers never share a pointer with the store.
type MemoryStore struct {
	buckets sync.Map // map[string]core.BucketState
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get retrieves the bucket state for a given key
func (s *MemoryStore) Get(_ context.Context, key string) (*core.BucketState, error) {
	val, ok := s.buckets.Load(key)
	if !ok {
		return nil, nil
	}
	state := val.(core.BucketState)
	return &state, nil
}

// Set stores the bucket state for a given key
func (s *MemoryStore) Set(_ context.Context, key string, state *core.BucketState) error {
	s.buckets.Store(key, *state)
	return nil
}

// Delete removes the bucket state for a given key
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.buckets.Delete(key)
	return nil
}

// Clear removes all bucket states
func (s *MemoryStore) Clear(_ context.Context) error {
	s.buckets.Range(func(key, _ any) bool {
		s.buckets.Delete(key)
		return true
	})
	return nil
}

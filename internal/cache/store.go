// Package cache keeps provider responses for a bounded time so refreshes
// inside the TTL window do not reach the upstream APIs.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marstr/collection/v2"
)

// ErrMiss is returned by Store.Get when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// DefaultCapacity bounds the in-memory store.
const DefaultCapacity = 512

// Store holds opaque values with a time to live.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a Store backed by a fixed-capacity LRU. Expired entries
// are treated as misses and overwritten on the next Set.
type MemoryStore struct {
	mu  sync.Mutex
	lru *collection.LRUCache[string, entry]
	now func() time.Time
}

// NewMemoryStore creates a store holding at most capacity keys.
func NewMemoryStore(capacity uint) *MemoryStore {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		lru: collection.NewLRUCache[string, entry](capacity),
		now: time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, ErrMiss
	}
	return e.data, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Put(key, entry{data: value, expiresAt: s.now().Add(ttl)})
	return nil
}

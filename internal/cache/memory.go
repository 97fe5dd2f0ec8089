package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMemorySize = 10000
	defaultMemoryTTL  = 5 * time.Minute
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store backed by an expiring LRU. The LRU evicts at
// maxTTL; shorter per-entry TTLs are enforced on read.
type MemoryStore struct {
	lru    *lru.LRU[string, memoryEntry]
	maxTTL time.Duration
}

// NewMemoryStore builds a bounded in-memory store. Non-positive arguments fall back to defaults.
func NewMemoryStore(size int, maxTTL time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMemorySize
	}
	if maxTTL <= 0 {
		maxTTL = defaultMemoryTTL
	}
	return &MemoryStore{
		lru:    lru.NewLRU[string, memoryEntry](size, nil, maxTTL),
		maxTTL: maxTTL,
	}
}

// Get returns a copy of the cached value.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := s.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.lru.Remove(key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set stores a copy of value. A ttl above the store's maximum is capped.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.lru.Add(key, memoryEntry{value: stored, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes keys, ignoring missing ones.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.lru.Remove(key)
	}
	return nil
}

// Purge drops every entry.
func (s *MemoryStore) Purge(context.Context) error {
	s.lru.Purge()
	return nil
}

// Len reports the number of live entries.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

package cache

import (
	"context"
	"sync"
	"time"

	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

// MemoryStore is the in-process cache store. Single-binary deployments and
// tests use it; production points at RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[id.Fingerprint]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[id.Fingerprint]Entry)}
}

// Get returns the entry for fp, stale or not. Entries past TTL plus the
// stale-retention bound are evicted lazily here.
func (s *MemoryStore) Get(ctx context.Context, fp id.Fingerprint) (*Entry, error) {
	s.mu.RLock()
	entry, ok := s.entries[fp]
	s.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeCacheMiss, "no cache entry for fingerprint")
	}
	if time.Now().After(entry.ExpiresAt().Add(staleRetention)) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have refreshed it.
		if current, still := s.entries[fp]; still && current.StoredAt.Equal(entry.StoredAt) {
			delete(s.entries, fp)
		}
		s.mu.Unlock()
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeCacheMiss, "cache entry evicted")
	}
	return &entry, nil
}

// Put overwrites the entry for its fingerprint.
func (s *MemoryStore) Put(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Fingerprint] = entry
	return nil
}

// Delete removes an entry. Deleting an absent entry is not an error.
func (s *MemoryStore) Delete(ctx context.Context, fp id.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

// Len reports the number of stored entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

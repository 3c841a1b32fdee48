// Package dedup provides the dispatch de-duplication store: a bounded
// recency record of (account, post) pairs that have already been submitted.
// Three implementations share the domain.DedupStore contract: an in-memory
// store (default), a SQLite-backed store that survives restarts, and a
// Redis-backed store for deployments that share suppression state.
package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps dispatch records in memory, evicting by retention
// horizon and by a hard entry cap. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	entries    map[string]time.Time
	order      []string // insertion order, oldest first
}

// NewMemoryStore creates a store that suppresses repeats within ttl and
// holds at most maxEntries records.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	return &MemoryStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]time.Time),
	}
}

// ShouldDispatch implements domain.DedupStore.
func (s *MemoryStore) ShouldDispatch(_ context.Context, accountKey, postURI string) (bool, error) {
	key := accountKey + "\x00" + postURI
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(now)

	if at, ok := s.entries[key]; ok && now.Sub(at) < s.ttl {
		return false, nil
	}

	if _, ok := s.entries[key]; !ok {
		s.order = append(s.order, key)
	}
	s.entries[key] = now

	for len(s.entries) > s.maxEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}

	return true, nil
}

// evictLocked drops records past the retention horizon from the front of
// the insertion order. Re-inserted keys may survive one extra pass; the map
// check in ShouldDispatch stays authoritative.
func (s *MemoryStore) evictLocked(now time.Time) {
	for len(s.order) > 0 {
		key := s.order[0]
		at, ok := s.entries[key]
		if ok && now.Sub(at) < s.ttl {
			break
		}
		s.order = s.order[1:]
		if ok && now.Sub(at) >= s.ttl {
			delete(s.entries, key)
		}
	}
}

// Len returns the current number of records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close implements domain.DedupStore.
func (s *MemoryStore) Close() error {
	return nil
}

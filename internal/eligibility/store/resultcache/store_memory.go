// Package resultcache stores memoized check outcomes keyed by fingerprint.
// Entries are append-only; the newest entry for a fingerprint is the answer.
package resultcache

import (
	"context"
	"fmt"
	"sync"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
)

// InMemoryStore keeps every appended entry; Latest scans a fingerprint's
// history for the newest.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]models.CacheEntry
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]models.CacheEntry)}
}

func (s *InMemoryStore) Append(_ context.Context, entry models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Fingerprint] = append(s.entries[entry.Fingerprint], entry)
	return nil
}

// Latest returns the newest entry; on equal timestamps the later append wins.
func (s *InMemoryStore) Latest(_ context.Context, fingerprint string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.entries[fingerprint]
	if len(history) == 0 {
		return nil, fmt.Errorf("cache entry not found: %w", sentinel.ErrNotFound)
	}
	best := history[0]
	for _, e := range history[1:] {
		if !e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	return &best, nil
}

// Count returns the number of entries for a fingerprint.
func (s *InMemoryStore) Count(fingerprint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[fingerprint])
}

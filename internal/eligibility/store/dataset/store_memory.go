// Package dataset holds the local reference datasets consulted instead of the
// external matcher: the HMRC-style set keyed by national insurance number and
// the Home-Office-style set keyed by asylum seeker service number.
package dataset

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
)

// Kind selects one of the reference datasets.
type Kind string

const (
	HMRC       Kind = "hmrc"
	HomeOffice Kind = "homeOffice"
)

// InMemoryStore is a dataset held in memory.
type InMemoryStore struct {
	kind    Kind
	mu      sync.RWMutex
	records map[string]models.DatasetRecord
}

func NewInMemory(kind Kind) *InMemoryStore {
	return &InMemoryStore{kind: kind, records: make(map[string]models.DatasetRecord)}
}

func (s *InMemoryStore) Kind() Kind {
	return s.kind
}

// Upsert inserts or replaces records by document.
func (s *InMemoryStore) Upsert(_ context.Context, records ...models.DatasetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r.Document = documentKey(r.Document)
		s.records[r.Document] = r
	}
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, document string) (*models.DatasetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[documentKey(document)]; ok {
		return &r, nil
	}
	return nil, fmt.Errorf("%s record not found: %w", s.kind, sentinel.ErrNotFound)
}

func documentKey(document string) string {
	return strings.ToUpper(strings.Join(strings.Fields(document), ""))
}

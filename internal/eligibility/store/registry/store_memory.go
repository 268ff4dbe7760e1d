package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return ErrNotFound when the requested check or group does not exist
// - Return ErrConflict when an id or (group, sequence) pair is already taken
// - FinalizeIfQueued reports applied=false, not an error, when the check is already terminal

// InMemoryStore keeps checks in memory for tests and single-binary mode.
// Returned checks are copies; callers never share state with the store.
type InMemoryStore struct {
	mu     sync.RWMutex
	checks map[string]*models.Check
}

// NewInMemory constructs an empty in-memory check registry.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{checks: make(map[string]*models.Check)}
}

func (s *InMemoryStore) Create(_ context.Context, check *models.Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(check); err != nil {
		return err
	}
	s.checks[check.ID] = clone(check)
	return nil
}

// CreateBatch inserts all checks or none.
func (s *InMemoryStore) CreateBatch(_ context.Context, checks []*models.Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(checks))
	for _, c := range checks {
		if seen[c.ID] {
			return fmt.Errorf("duplicate check id %s in batch: %w", c.ID, sentinel.ErrConflict)
		}
		seen[c.ID] = true
		if err := s.checkUnique(c); err != nil {
			return err
		}
	}
	for _, c := range checks {
		s.checks[c.ID] = clone(c)
	}
	return nil
}

func (s *InMemoryStore) checkUnique(check *models.Check) error {
	if _, ok := s.checks[check.ID]; ok {
		return fmt.Errorf("check %s exists: %w", check.ID, sentinel.ErrConflict)
	}
	if check.Group == nil {
		return nil
	}
	for _, existing := range s.checks {
		if existing.Group != nil && *existing.Group == *check.Group && *existing.Sequence == *check.Sequence {
			return fmt.Errorf("group %s sequence %d exists: %w", *check.Group, *check.Sequence, sentinel.ErrConflict)
		}
	}
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.checks[id]; ok {
		return clone(c), nil
	}
	return nil, fmt.Errorf("check not found: %w", sentinel.ErrNotFound)
}

// FinalizeIfQueued applies the terminal outcome only while the check is queued.
func (s *InMemoryStore) FinalizeIfQueued(_ context.Context, id string, outcome models.Outcome, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[id]
	if !ok {
		return false, fmt.Errorf("check not found: %w", sentinel.ErrNotFound)
	}
	if c.Status != models.StatusQueuedForProcessing {
		return false, nil
	}
	if err := c.Finalize(outcome, now); err != nil {
		return false, err
	}
	return true, nil
}

func (s *InMemoryStore) ListByGroup(_ context.Context, groupID string) ([]*models.Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Check
	for _, c := range s.checks {
		if c.Group != nil && *c.Group == groupID {
			out = append(out, clone(c))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("group not found: %w", sentinel.ErrNotFound)
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].Sequence < *out[j].Sequence })
	return out, nil
}

func (s *InMemoryStore) CountProgress(_ context.Context, groupID string) (models.BulkProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p models.BulkProgress
	for _, c := range s.checks {
		if c.Group == nil || *c.Group != groupID {
			continue
		}
		p.Total++
		if c.IsTerminal() {
			p.Complete++
		}
	}
	if p.Total == 0 {
		return p, fmt.Errorf("group not found: %w", sentinel.ErrNotFound)
	}
	return p, nil
}

// ListStaleQueued returns ids of queued checks not updated since olderThan, oldest first.
func (s *InMemoryStore) ListStaleQueued(_ context.Context, olderThan time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*models.Check
	for _, c := range s.checks {
		if c.Status == models.StatusQueuedForProcessing && c.UpdatedAt.Before(olderThan) {
			stale = append(stale, c)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, len(stale))
	for i, c := range stale {
		ids[i] = c.ID
	}
	return ids, nil
}

// Touch bumps updatedAt on queued checks so the sweeper does not pick them up again immediately.
func (s *InMemoryStore) Touch(_ context.Context, ids []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.checks[id]; ok && c.Status == models.StatusQueuedForProcessing {
			c.UpdatedAt = now
		}
	}
	return nil
}

// PurgeBefore deletes checks last updated before cutoff and returns how many were removed.
func (s *InMemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.checks {
		if c.UpdatedAt.Before(cutoff) {
			delete(s.checks, id)
			n++
		}
	}
	return n, nil
}

func clone(c *models.Check) *models.Check {
	cp := *c
	if c.Group != nil {
		g := *c.Group
		cp.Group = &g
	}
	if c.Sequence != nil {
		seq := *c.Sequence
		cp.Sequence = &seq
	}
	if c.ResultHashID != nil {
		h := *c.ResultHashID
		cp.ResultHashID = &h
	}
	return &cp
}

package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"eligibility/internal/eligibility/models"
	dErrors "eligibility/pkg/domain-errors"
	"eligibility/pkg/platform/sentinel"
	"eligibility/pkg/requestcontext"
)

// ResultCache memoizes terminal outcomes by fingerprint. It never
// deduplicates: every Store appends and the newest entry answers Lookup.
type ResultCache struct {
	store CacheStore
}

func NewResultCache(store CacheStore) *ResultCache {
	return &ResultCache{store: store}
}

// Lookup returns the newest entry for the payload's fingerprint, or an error
// wrapping sentinel.ErrNotFound on a miss.
func (c *ResultCache) Lookup(ctx context.Context, checkType models.CheckType, payload models.Payload) (*models.CacheEntry, error) {
	entry, err := c.store.Latest(ctx, models.Fingerprint(checkType, payload))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "result cache lookup failed")
	}
	return entry, nil
}

// Store appends an entry and returns its id. Error outcomes are rejected.
func (c *ResultCache) Store(ctx context.Context, checkType models.CheckType, payload models.Payload, outcome models.Status, source models.Source) (string, error) {
	if !outcome.Cacheable() {
		return "", dErrors.Newf(dErrors.CodeInvariantViolation, "outcome %s cannot be cached", outcome)
	}
	entry := models.CacheEntry{
		ID:          uuid.NewString(),
		Fingerprint: models.Fingerprint(checkType, payload),
		Outcome:     outcome,
		Source:      source,
		CreatedAt:   requestcontext.Now(ctx),
	}
	if err := c.store.Append(ctx, entry); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "result cache store failed")
	}
	return entry.ID, nil
}

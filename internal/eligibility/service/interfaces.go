package service

import (
	"context"
	"time"

	"eligibility/internal/eligibility/matcher"
	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/audit"
)

// CheckStore is the check registry. FinalizeIfQueued must be a conditional
// write: it applies only while the stored status is queuedForProcessing.
type CheckStore interface {
	Create(ctx context.Context, check *models.Check) error
	CreateBatch(ctx context.Context, checks []*models.Check) error
	FindByID(ctx context.Context, id string) (*models.Check, error)
	FinalizeIfQueued(ctx context.Context, id string, outcome models.Outcome, now time.Time) (bool, error)
	ListByGroup(ctx context.Context, groupID string) ([]*models.Check, error)
	CountProgress(ctx context.Context, groupID string) (models.BulkProgress, error)
	ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
	Touch(ctx context.Context, ids []string, now time.Time) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheStore is the append-only entry store behind ResultCache.
type CacheStore interface {
	Append(ctx context.Context, entry models.CacheEntry) error
	Latest(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
}

// Dataset is a local reference dataset keyed by identity document.
type Dataset interface {
	Find(ctx context.Context, document string) (*models.DatasetRecord, error)
}

// Matcher is the external benefits authority.
type Matcher interface {
	Match(ctx context.Context, checkType models.CheckType, payload models.Payload) (matcher.Result, error)
}

// Publisher enqueues check ids for asynchronous processing.
type Publisher interface {
	Publish(ctx context.Context, checkIDs ...string) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

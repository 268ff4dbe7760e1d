package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"eligibility/internal/eligibility/metrics"
	"eligibility/internal/eligibility/models"
	dErrors "eligibility/pkg/domain-errors"
	"eligibility/pkg/platform/audit"
	"eligibility/pkg/platform/sentinel"
	"eligibility/pkg/requestcontext"
)

const defaultMaxBulkItems = 250

// BulkCoordinator submits groups of checks and reports on them. Every item
// goes through the queue, including those with a local resolution.
type BulkCoordinator struct {
	checks    CheckStore
	publisher Publisher
	maxItems  int

	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	newID          func() string
}

type BulkOption func(*BulkCoordinator)

func WithBulkLogger(logger *slog.Logger) BulkOption {
	return func(b *BulkCoordinator) {
		b.logger = logger
	}
}

func WithBulkMetrics(m *metrics.Metrics) BulkOption {
	return func(b *BulkCoordinator) {
		b.metrics = m
	}
}

func WithBulkAuditPublisher(publisher AuditPublisher) BulkOption {
	return func(b *BulkCoordinator) {
		b.auditPublisher = publisher
	}
}

func WithMaxItems(n int) BulkOption {
	return func(b *BulkCoordinator) {
		if n > 0 {
			b.maxItems = n
		}
	}
}

func WithBulkIDGenerator(fn func() string) BulkOption {
	return func(b *BulkCoordinator) {
		b.newID = fn
	}
}

func NewBulkCoordinator(checks CheckStore, publisher Publisher, opts ...BulkOption) *BulkCoordinator {
	b := &BulkCoordinator{
		checks:    checks,
		publisher: publisher,
		maxItems:  defaultMaxBulkItems,
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubmitGroup validates every item before creating anything, so one invalid
// item rejects the whole group. Rows are created together with sequence set
// to the input index, then one message per check is published.
//
// A publish failure after the rows exist is logged and the group id is still
// returned; the stale sweeper republishes the queued checks.
func (b *BulkCoordinator) SubmitGroup(ctx context.Context, items []models.BulkRequestItem) (string, error) {
	if len(items) == 0 {
		return "", dErrors.New(dErrors.CodeValidation, "bulk group must contain at least one item")
	}
	if len(items) > b.maxItems {
		return "", dErrors.Newf(dErrors.CodeValidation, "bulk group exceeds the maximum of %d items", b.maxItems)
	}

	groupID := b.newID()
	now := requestcontext.Now(ctx)
	checks := make([]*models.Check, len(items))
	for i, item := range items {
		if !Supports(item.Type) {
			return "", dErrors.Newf(dErrors.CodeValidation, "item %d: unsupported check type %q", i, item.Type)
		}
		check, err := models.NewCheck(b.newID(), item.Type, item.Payload, now)
		if err != nil {
			return "", itemError(i, err)
		}
		check.InGroup(groupID, i)
		checks[i] = check
	}

	if err := b.checks.CreateBatch(ctx, checks); err != nil {
		return "", wrapStoreErr(err, "failed to create bulk group")
	}
	b.metrics.IncCreated("bulk", len(checks))
	emitAudit(ctx, b.auditPublisher, b.logger, audit.Event{
		Action:    string(audit.EventBulkSubmitted),
		Subject:   groupID,
		GroupID:   groupID,
		CheckType: string(items[0].Type),
		Decision:  string(models.StatusQueuedForProcessing),
	})

	ids := make([]string, len(checks))
	for i, c := range checks {
		ids[i] = c.ID
	}
	if err := b.publisher.Publish(ctx, ids...); err != nil {
		b.logger.ErrorContext(ctx, "failed to publish bulk group, sweeper will retry",
			"group_id", groupID,
			"count", len(ids),
			"error", err,
		)
	}
	b.logger.InfoContext(ctx, "bulk group submitted", "group_id", groupID, "count", len(ids))
	return groupID, nil
}

// GetProgress counts terminal items in a group.
func (b *BulkCoordinator) GetProgress(ctx context.Context, groupID string) (models.BulkProgress, error) {
	p, err := b.checks.CountProgress(ctx, groupID)
	if err != nil {
		return models.BulkProgress{}, wrapGroupErr(err)
	}
	return p, nil
}

// GetResults lists a group's items ordered by sequence.
func (b *BulkCoordinator) GetResults(ctx context.Context, groupID string) ([]models.BulkItem, error) {
	checks, err := b.checks.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, wrapGroupErr(err)
	}
	items := make([]models.BulkItem, len(checks))
	for i, c := range checks {
		items[i] = models.BulkItem{
			CheckID:  c.ID,
			Sequence: *c.Sequence,
			Type:     c.Type,
			Status:   c.Status,
			Payload:  c.Payload,
		}
	}
	return items, nil
}

func wrapGroupErr(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "bulk group not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load bulk group")
}

// itemError names the failing input index so callers can fix one item.
func itemError(i int, err error) error {
	msg := err.Error()
	var de *dErrors.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	return dErrors.Newf(dErrors.CodeValidation, "item %d: %s", i, msg)
}

// Package service holds the eligibility processing engine and the bulk
// coordinator. Handlers and queue consumers call into it; it owns every
// status transition of a check.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"eligibility/internal/eligibility/metrics"
	"eligibility/internal/eligibility/models"
	dErrors "eligibility/pkg/domain-errors"
	"eligibility/pkg/platform/audit"
	"eligibility/pkg/platform/sentinel"
	"eligibility/pkg/requestcontext"
)

const defaultStaleBatch = 500

// ReasonAttemptsExhausted is recorded on checks the queue dead-lettered.
const ReasonAttemptsExhausted = "attemptsExhausted"

// Datasets groups the local reference datasets.
type Datasets struct {
	HMRC       Dataset
	HomeOffice Dataset
}

// Engine processes checks from queued to a terminal status.
type Engine struct {
	checks     CheckStore
	cache      *ResultCache
	hmrc       Dataset
	homeOffice Dataset
	matcher    Matcher
	publisher  Publisher
	staleBatch int

	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	tracer         trace.Tracer
	newID          func() string
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(e *Engine) {
		e.auditPublisher = publisher
	}
}

// WithMatcher routes national insurance checks to the external authority.
// Without it they are decided from the HMRC dataset.
func WithMatcher(m Matcher) Option {
	return func(e *Engine) {
		e.matcher = m
	}
}

// WithStaleBatch caps how many checks one RequeueStale call republishes.
func WithStaleBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.staleBatch = n
		}
	}
}

// WithIDGenerator replaces uuid generation; tests use it for stable ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// NewEngine constructs an Engine.
func NewEngine(checks CheckStore, cache *ResultCache, datasets Datasets, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		checks:     checks,
		cache:      cache,
		hmrc:       datasets.HMRC,
		homeOffice: datasets.HomeOffice,
		publisher:  publisher,
		staleBatch: defaultStaleBatch,
		logger:     slog.Default(),
		tracer:     otel.Tracer("eligibility/service"),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateCheck validates and records a queued check. Checks whose resolution
// is local are processed inline; the rest are published for the workers.
func (e *Engine) CreateCheck(ctx context.Context, checkType models.CheckType, payload models.Payload) (*models.Check, error) {
	if !Supports(checkType) {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unsupported check type %q", checkType)
	}
	check, err := models.NewCheck(e.newID(), checkType, payload, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := e.checks.Create(ctx, check); err != nil {
		return nil, wrapStoreErr(err, "failed to create check")
	}
	e.metrics.IncCreated("single", 1)
	e.emitAudit(ctx, audit.Event{
		Action:    string(audit.EventCheckCreated),
		Subject:   check.ID,
		CheckType: string(check.Type),
		Decision:  string(check.Status),
	})
	e.logger.InfoContext(ctx, "check created", "check_id", check.ID, "check_type", check.Type)

	if e.resolvers()[checkType].route(check.Payload) == routeLocal {
		processed, err := e.Process(ctx, check.ID)
		if err == nil {
			return processed, nil
		}
		e.logger.WarnContext(ctx, "inline processing failed, deferring to queue",
			"check_id", check.ID,
			"error", err,
		)
	}

	if err := e.publisher.Publish(ctx, check.ID); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish check",
			"check_id", check.ID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "check recorded but could not be queued")
	}
	return check, nil
}

// GetCheck returns the current state of a check.
func (e *Engine) GetCheck(ctx context.Context, checkID string) (*models.Check, error) {
	check, err := e.checks.FindByID(ctx, checkID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load check")
	}
	return check, nil
}

// Process drives one check to a terminal status. It is idempotent: a check
// that is already terminal is returned unchanged. Storage failures are
// returned so the queue redelivers; the check then stays queued.
func (e *Engine) Process(ctx context.Context, checkID string) (*models.Check, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "eligibility.Process",
		trace.WithAttributes(attribute.String("check.id", checkID)))
	defer span.End()
	defer func() { e.metrics.ObserveProcess(time.Since(start)) }()

	check, err := e.checks.FindByID(ctx, checkID)
	if err != nil {
		span.RecordError(err)
		return nil, wrapStoreErr(err, "failed to load check")
	}
	if check.IsTerminal() {
		span.SetAttributes(attribute.Bool("check.already_terminal", true))
		return check, nil
	}

	outcome, err := e.resolve(ctx, check)
	if err != nil {
		span.RecordError(err)
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to resolve check")
	}
	span.SetAttributes(
		attribute.String("check.status", string(outcome.Status)),
		attribute.String("check.source", string(outcome.Source)),
	)
	return e.finalize(ctx, check, outcome)
}

// Abandon finalizes a still queued check as error once the queue has given up
// delivering it, which takes it out of the stale sweep. A terminal check is
// returned unchanged.
func (e *Engine) Abandon(ctx context.Context, checkID string) (*models.Check, error) {
	check, err := e.checks.FindByID(ctx, checkID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load check")
	}
	if check.IsTerminal() {
		return check, nil
	}
	return e.finalize(ctx, check, models.Outcome{Status: models.StatusError, Reason: ReasonAttemptsExhausted})
}

func (e *Engine) resolve(ctx context.Context, check *models.Check) (models.Outcome, error) {
	entry, err := e.cache.Lookup(ctx, check.Type, check.Payload)
	switch {
	case err == nil:
		e.metrics.IncCacheLookup("hit")
		return models.Outcome{
			Status:       entry.Outcome,
			Source:       models.SourceCache,
			ResultHashID: &entry.ID,
			Reason:       reasonCacheHit,
		}, nil
	case errors.Is(err, sentinel.ErrNotFound):
		e.metrics.IncCacheLookup("miss")
	default:
		e.metrics.IncCacheLookup("error")
		e.logger.WarnContext(ctx, "result cache lookup failed, treating as miss",
			"check_id", check.ID,
			"error", err,
		)
	}

	r, ok := e.resolvers()[check.Type]
	if !ok {
		return models.Outcome{Status: models.StatusError, Reason: "unsupportedType"}, nil
	}
	outcome, err := r.resolve(ctx, check.Payload)
	if err != nil {
		return models.Outcome{}, err
	}

	if outcome.Status.Cacheable() {
		entryID, err := e.cache.Store(ctx, check.Type, check.Payload, outcome.Status, outcome.Source)
		if err != nil {
			e.metrics.IncCacheWriteFailure()
			e.logger.ErrorContext(ctx, "result cache store failed, finalizing without cache entry",
				"check_id", check.ID,
				"error", err,
			)
			e.emitAudit(ctx, audit.Event{
				Action:    string(audit.EventCacheWriteFailed),
				Subject:   check.ID,
				CheckType: string(check.Type),
				Decision:  string(outcome.Status),
				Source:    string(outcome.Source),
			})
		} else {
			outcome.ResultHashID = &entryID
		}
	}
	return outcome, nil
}

// finalize performs the conditional terminal write. When a concurrent
// duplicate already finalized the check, the stored state is returned.
func (e *Engine) finalize(ctx context.Context, check *models.Check, outcome models.Outcome) (*models.Check, error) {
	now := requestcontext.Now(ctx)
	applied, err := e.checks.FinalizeIfQueued(ctx, check.ID, outcome, now)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to finalize check")
	}
	if !applied {
		e.logger.InfoContext(ctx, "check already finalized by another delivery", "check_id", check.ID)
		return e.GetCheck(ctx, check.ID)
	}
	if err := check.Finalize(outcome, now); err != nil {
		return nil, err
	}

	e.metrics.IncOutcome(string(outcome.Status), string(outcome.Source), outcome.Reason)
	e.emitAudit(ctx, audit.Event{
		Action:    string(audit.EventCheckCompleted),
		Subject:   check.ID,
		CheckType: string(check.Type),
		Decision:  string(outcome.Status),
		Source:    string(outcome.Source),
		GroupID:   deref(check.Group),
		Reason:    outcome.Reason,
	})
	e.logger.InfoContext(ctx, "check completed",
		"check_id", check.ID,
		"outcome", outcome.Status,
		"source", outcome.Source,
		"reason", outcome.Reason,
	)
	return check, nil
}

// RequeueStale republishes checks still queued after olderThan and returns
// how many were sent. Covers lost messages and crashes before finalize.
func (e *Engine) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := requestcontext.Now(ctx)
	ids, err := e.checks.ListStaleQueued(ctx, now.Add(-olderThan), e.staleBatch)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list stale checks")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.publisher.Publish(ctx, ids...); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to republish stale checks")
	}
	if err := e.checks.Touch(ctx, ids, now); err != nil {
		// Republished anyway; the next sweep may send them again, which is safe.
		e.logger.WarnContext(ctx, "failed to touch requeued checks", "count", len(ids), "error", err)
	}
	for _, id := range ids {
		e.emitAudit(ctx, audit.Event{
			Action:   string(audit.EventCheckRequeued),
			Subject:  id,
			Decision: string(models.StatusQueuedForProcessing),
		})
	}
	e.metrics.AddStaleRequeued(len(ids))
	e.logger.InfoContext(ctx, "requeued stale checks", "count", len(ids))
	return len(ids), nil
}

// PurgeBefore deletes checks last updated before cutoff.
func (e *Engine) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := e.checks.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to purge checks")
	}
	if n > 0 {
		e.emitAudit(ctx, audit.Event{
			Action:  string(audit.EventChecksPurged),
			Subject: "retention",
			Reason:  "updated before " + cutoff.UTC().Format(time.RFC3339),
		})
	}
	e.logger.InfoContext(ctx, "purged checks", "count", n, "cutoff", cutoff)
	return n, nil
}

// emitAudit never fails the caller.
func (e *Engine) emitAudit(ctx context.Context, event audit.Event) {
	emitAudit(ctx, e.auditPublisher, e.logger, event)
}

func emitAudit(ctx context.Context, publisher AuditPublisher, logger *slog.Logger, event audit.Event) {
	if publisher == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if err := publisher.Emit(ctx, event); err != nil {
		logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"subject", event.Subject,
			"error", err,
		)
	}
}

func wrapStoreErr(err error, msg string) error {
	var coded *dErrors.Error
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "check not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "check already exists")
	case errors.As(err, &coded):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package worker connects the processing engine to a queue consumer and runs
// the periodic maintenance jobs.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"eligibility/internal/eligibility/metrics"
	"eligibility/internal/eligibility/models"
	"eligibility/internal/queue"
	dErrors "eligibility/pkg/domain-errors"
	"eligibility/pkg/requestcontext"
)

// Processor drives one check to a terminal status.
type Processor interface {
	Process(ctx context.Context, checkID string) (*models.Check, error)
}

// Abandoner settles checks the queue stopped delivering.
type Abandoner interface {
	Abandon(ctx context.Context, checkID string) (*models.Check, error)
}

// Option configures the handler and the maintenance jobs.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Handler results recorded in the queue_handled metric.
const (
	resultProcessed = "processed"
	resultDropped   = "dropped"
	resultRetry     = "retry"
	resultAbandoned = "abandoned"
)

// NewHandler returns the queue handler for processing checks. A delivery for
// a check that no longer exists is acknowledged so it is not redelivered.
// Every other failure is returned for redelivery.
func NewHandler(p Processor, backend string, opts ...Option) queue.Handler {
	o := buildOptions(opts)
	return func(ctx context.Context, checkID string) error {
		ctx = requestcontext.WithRequestID(ctx, uuid.NewString())
		start := time.Now()

		check, err := p.Process(ctx, checkID)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeNotFound) {
				o.logger.WarnContext(ctx, "dropping delivery for unknown check",
					"check_id", checkID,
					"backend", backend,
				)
				o.metrics.IncQueueHandled(backend, resultDropped)
				return nil
			}
			o.logger.ErrorContext(ctx, "check processing failed",
				"check_id", checkID,
				"backend", backend,
				"error", err,
			)
			o.metrics.IncQueueHandled(backend, resultRetry)
			return err
		}

		o.logger.InfoContext(ctx, "check processed",
			"check_id", checkID,
			"status", check.Status,
			"backend", backend,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		o.metrics.IncQueueHandled(backend, resultProcessed)
		return nil
	}
}

// NewDeadLetterFunc returns the queue callback for ids that ran out of
// attempts. The check is finalized as error so the stale sweeper, which only
// sees queued checks, does not hand it a fresh attempt budget.
func NewDeadLetterFunc(a Abandoner, backend string, opts ...Option) queue.DeadLetterFunc {
	o := buildOptions(opts)
	return func(ctx context.Context, checkID string) {
		check, err := a.Abandon(ctx, checkID)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeNotFound) {
				return
			}
			// Still queued; the next sweep gives it another round.
			o.logger.ErrorContext(ctx, "failed to settle dead-lettered check",
				"check_id", checkID,
				"backend", backend,
				"error", err,
			)
			return
		}
		o.logger.WarnContext(ctx, "dead-lettered check settled",
			"check_id", checkID,
			"status", check.Status,
			"backend", backend,
		)
		o.metrics.IncQueueHandled(backend, resultAbandoned)
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"eligibility/pkg/requestcontext"
)

// Maintainer is the slice of the engine the periodic jobs use.
type Maintainer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MaintenanceConfig controls the sweeper and the retention purge.
// A zero RetentionPeriod disables the purge.
type MaintenanceConfig struct {
	StaleAfter      time.Duration `envconfig:"STALE_AFTER" default:"10m"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	RetentionPeriod time.Duration `envconfig:"RETENTION_PERIOD" default:"0s"`
	PurgeInterval   time.Duration `envconfig:"PURGE_INTERVAL" default:"1h"`
}

// Sweeper republishes checks stuck in queuedForProcessing. It covers lost
// messages and workers that crashed between the cache write and finalize.
type Sweeper struct {
	engine Maintainer
	cfg    MaintenanceConfig
	logger *slog.Logger
}

func NewSweeper(engine Maintainer, cfg MaintenanceConfig, opts ...Option) *Sweeper {
	o := buildOptions(opts)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Sweeper{engine: engine, cfg: cfg, logger: o.logger}
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	return every(ctx, s.cfg.SweepInterval, func(ctx context.Context) {
		s.Sweep(ctx)
	})
}

// Sweep runs one pass and returns the number of checks republished.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.engine.RequeueStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.logger.ErrorContext(ctx, "stale check sweep failed", "error", err)
		return n
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "stale checks republished",
			"count", n,
			"older_than", s.cfg.StaleAfter.String(),
		)
	}
	return n
}

// Purger deletes checks whose last update predates the retention period.
type Purger struct {
	engine Maintainer
	cfg    MaintenanceConfig
	logger *slog.Logger
}

func NewPurger(engine Maintainer, cfg MaintenanceConfig, opts ...Option) *Purger {
	o := buildOptions(opts)
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	return &Purger{engine: engine, cfg: cfg, logger: o.logger}
}

// Enabled reports whether a retention period is configured.
func (p *Purger) Enabled() bool {
	return p.cfg.RetentionPeriod > 0
}

// Run purges every PurgeInterval until ctx is cancelled. It returns
// immediately when retention is disabled.
func (p *Purger) Run(ctx context.Context) error {
	if !p.Enabled() {
		p.logger.InfoContext(ctx, "retention purge disabled")
		return nil
	}
	return every(ctx, p.cfg.PurgeInterval, func(ctx context.Context) {
		p.Purge(ctx)
	})
}

// Purge runs one pass and returns the number of checks deleted.
func (p *Purger) Purge(ctx context.Context) int64 {
	if !p.Enabled() {
		return 0
	}
	cutoff := requestcontext.Now(ctx).Add(-p.cfg.RetentionPeriod)
	n, err := p.engine.PurgeBefore(ctx, cutoff)
	if err != nil {
		p.logger.ErrorContext(ctx, "retention purge failed", "error", err)
		return 0
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "expired checks purged",
			"count", n,
			"cutoff", cutoff,
		)
	}
	return n
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

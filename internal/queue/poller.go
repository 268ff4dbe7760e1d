package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// Claim is a leased delivery. The lease expires at VisibleAt unless it is
// acked or nacked first, after which the id becomes claimable again.
type Claim struct {
	CheckID   string
	Receipt   string
	Attempt   int
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}

// LeaseStore is the claim/ack/nack surface shared by the memory and redis
// backends. Nack reports whether the id was moved to the dead letters.
type LeaseStore interface {
	Enqueue(ctx context.Context, checkIDs ...string) error
	Claim(ctx context.Context, max int, consumer string, visibility time.Duration) ([]Claim, error)
	Ack(ctx context.Context, c Claim) error
	Nack(ctx context.Context, c Claim) (bool, error)
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	consumer string
	onDead   DeadLetterFunc
}

// DeadLetterFunc is called once for every id a backend moves to its dead
// letters. ctx is not cancelled by consumer shutdown.
type DeadLetterFunc func(ctx context.Context, checkID string)

// WithLogger sets the logger used by the backend and its poller.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDeadLetterFunc registers fn for ids that exhausted their attempts.
func WithDeadLetterFunc(fn DeadLetterFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onDead = fn
		}
	}
}

// WithConsumerName sets the prefix used for lease receipts and worker names.
// Defaults to the host name.
func WithConsumerName(name string) Option {
	return func(o *options) {
		o.consumer = name
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), onDead: func(context.Context, string) {}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		o.consumer = host
	}
	return o
}

// Poller drives a LeaseStore with a fixed number of claiming goroutines and
// one reaper that returns expired leases to the pending list. Each goroutine
// holds at most one lease, taken just before its handler runs, so a lease
// never ages while it waits behind other deliveries.
// Throughput scales with Config.Workers.
type Poller struct {
	store   LeaseStore
	cfg     Config
	logger  *slog.Logger
	backend string
	name    string
	onDead  DeadLetterFunc
}

// NewPoller builds a poller over store. backend is only used for log fields.
func NewPoller(store LeaseStore, backend string, cfg Config, opts ...Option) *Poller {
	o := buildOptions(opts)
	return &Poller{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  o.logger,
		backend: backend,
		name:    o.consumer,
		onDead:  o.onDead,
	}
}

// Run blocks until ctx is cancelled. It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.reap(ctx)
		return nil
	})
	for i := 0; i < p.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", p.name, i)
		g.Go(func() error {
			p.work(ctx, worker, h)
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) work(ctx context.Context, worker string, h Handler) {
	for ctx.Err() == nil {
		claims, err := p.store.Claim(ctx, 1, worker, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.ErrorContext(ctx, "queue claim failed",
				"backend", p.backend,
				"worker", worker,
				"error", err,
			)
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if len(claims) == 0 {
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		for _, c := range claims {
			p.deliver(ctx, c, h)
		}
	}
}

func (p *Poller) deliver(ctx context.Context, c Claim, h Handler) {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.VisibilityTimeout)
	herr := h(hctx, c.CheckID)
	cancel()

	// Settle the lease even when shutdown cancelled ctx mid-delivery.
	ctx = context.WithoutCancel(ctx)

	if herr == nil {
		if err := p.store.Ack(ctx, c); err != nil {
			p.logger.ErrorContext(ctx, "queue ack failed, lease will expire",
				"backend", p.backend,
				"check_id", c.CheckID,
				"error", err,
			)
		}
		return
	}

	dead, err := p.store.Nack(ctx, c)
	if err != nil {
		p.logger.ErrorContext(ctx, "queue nack failed, lease will expire",
			"backend", p.backend,
			"check_id", c.CheckID,
			"error", err,
		)
		return
	}
	if dead {
		p.logger.ErrorContext(ctx, "check moved to dead letters",
			"backend", p.backend,
			"check_id", c.CheckID,
			"attempt", c.Attempt,
			"error", herr,
		)
		p.onDead(ctx, c.CheckID)
		return
	}
	p.logger.WarnContext(ctx, "check handling failed, redelivering",
		"backend", p.backend,
		"check_id", c.CheckID,
		"attempt", c.Attempt,
		"error", herr,
	)
}

func (p *Poller) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.store.RequeueExpired(ctx, now.UTC(), 100)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.ErrorContext(ctx, "requeue of expired leases failed",
						"backend", p.backend,
						"error", err,
					)
				}
				continue
			}
			if n > 0 {
				p.logger.InfoContext(ctx, "expired leases requeued",
					"backend", p.backend,
					"count", n,
				)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Package app wires configuration into the engine, its stores and the queue.
// Both the API and worker processes build their dependency graph here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"eligibility/internal/eligibility/handler"
	"eligibility/internal/eligibility/matcher"
	"eligibility/internal/eligibility/metrics"
	"eligibility/internal/eligibility/service"
	"eligibility/internal/eligibility/store/dataset"
	"eligibility/internal/eligibility/store/registry"
	"eligibility/internal/eligibility/store/resultcache"
	"eligibility/internal/eligibility/worker"
	"eligibility/internal/platform/config"
	platformmetrics "eligibility/internal/platform/metrics"
	"eligibility/internal/platform/postgres"
	platformredis "eligibility/internal/platform/redis"
	"eligibility/internal/queue"
	"eligibility/pkg/platform/audit"
	auditpublisher "eligibility/pkg/platform/audit/publisher"
	auditmemory "eligibility/pkg/platform/audit/store/memory"
	auditpostgres "eligibility/pkg/platform/audit/store/postgres"
	"eligibility/pkg/platform/middleware/ratelimit"
	"eligibility/pkg/platform/middleware/requestid"
	"eligibility/pkg/platform/middleware/requesttime"
)

const auditBuffer = 256

// App is the assembled process.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Engine  *service.Engine
	Bulk    *service.BulkCoordinator
	Queue   queue.Queue

	db       *sql.DB
	redis    *platformredis.Client
	audit    *auditpublisher.Publisher
	gatherer prometheus.Gatherer
	settle   queue.DeadLetterFunc
}

type Option func(*options)

type options struct {
	registry *prometheus.Registry
	datasets *service.Datasets
}

// WithRegistry registers module metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithDatasets replaces the configured reference datasets.
func WithDatasets(ds service.Datasets) Option {
	return func(o *options) {
		o.datasets = &ds
	}
}

// New opens every configured connection and builds the engine. On error the
// connections opened so far are closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if o.registry != nil {
		a.Metrics = metrics.NewWith(o.registry)
		a.gatherer = o.registry
	} else {
		a.Metrics = metrics.New()
		a.gatherer = prometheus.DefaultGatherer
	}

	if cfg.Database.URL != "" {
		a.db, err = postgres.Open(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
	}
	a.redis, err = platformredis.New(ctx, platformredis.Config{
		URL:          cfg.Redis.URL,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}

	conns := queue.Connections{RedisURL: cfg.Redis.URL}
	if a.redis != nil {
		conns.Redis = a.redis.Client
	}
	a.Queue, err = queue.Open(ctx, cfg.Queue, conns,
		queue.WithLogger(logger),
		queue.WithDeadLetterFunc(a.settleDeadLetter),
	)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	if a.db != nil {
		auditStore = auditpostgres.New(a.db)
	}
	a.audit = auditpublisher.NewPublisher(auditStore,
		auditpublisher.WithLogger(logger),
		auditpublisher.WithAsyncBuffer(auditBuffer),
	)

	datasets := a.datasets()
	if o.datasets != nil {
		datasets = *o.datasets
	}

	engineOpts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(a.Metrics),
		service.WithAuditPublisher(a.audit),
	}
	if cfg.Matcher.BaseURL != "" {
		engineOpts = append(engineOpts, service.WithMatcher(matcher.New(cfg.Matcher,
			matcher.WithLogger(logger),
			matcher.WithMetrics(a.Metrics),
		)))
	}

	checks := a.checkStore()
	a.Engine = service.NewEngine(checks, service.NewResultCache(a.cacheStore()), datasets, a.Queue, engineOpts...)
	a.Bulk = service.NewBulkCoordinator(checks, a.Queue,
		service.WithBulkLogger(logger),
		service.WithBulkMetrics(a.Metrics),
		service.WithBulkAuditPublisher(a.audit),
		service.WithMaxItems(cfg.Bulk.MaxItems),
	)
	a.settle = worker.NewDeadLetterFunc(a.Engine, cfg.Queue.Backend,
		worker.WithLogger(logger),
		worker.WithMetrics(a.Metrics),
	)
	return a, nil
}

// settleDeadLetter is handed to the queue before the engine exists.
func (a *App) settleDeadLetter(ctx context.Context, checkID string) {
	if a.settle != nil {
		a.settle(ctx, checkID)
	}
}

func (a *App) checkStore() service.CheckStore {
	if a.db != nil {
		return registry.NewPostgres(a.db)
	}
	return registry.NewInMemory()
}

func (a *App) cacheStore() service.CacheStore {
	var backing resultcache.Backing = resultcache.NewInMemory()
	if a.db != nil {
		backing = resultcache.NewPostgres(a.db)
	}
	if a.redis == nil {
		return backing
	}
	layerOpts := []resultcache.RedisLayerOption{resultcache.WithLayerLogger(a.Logger)}
	if a.Config.Cache.LocalTTL > 0 {
		layerOpts = append(layerOpts, resultcache.WithLocalCache(a.Config.Cache.LocalTTL))
	}
	return resultcache.NewRedisLayer(a.redis.Client, backing, a.Config.Cache.TTL, layerOpts...)
}

func (a *App) datasets() service.Datasets {
	if a.db != nil {
		return service.Datasets{
			HMRC:       dataset.NewPostgres(a.db, dataset.HMRC),
			HomeOffice: dataset.NewPostgres(a.db, dataset.HomeOffice),
		}
	}
	return service.Datasets{
		HMRC:       dataset.NewInMemory(dataset.HMRC),
		HomeOffice: dataset.NewInMemory(dataset.HomeOffice),
	}
}

// Router builds the public HTTP surface.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(chimw.Recoverer)

	handler.NewHealth(a.healthChecks()).Register(r)
	r.Method(http.MethodGet, "/metrics", platformmetrics.HandlerFor(a.gatherer))

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(a.Config.RateLimit))
		handler.New(a.Engine, a.Bulk, a.Logger).Register(r)
	})
	return r
}

func (a *App) healthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{}
	if a.db != nil {
		checks["database"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	return checks
}

// RunWorker drains the queue into the engine and runs the stale sweeper and
// retention purge until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	workerOpts := []worker.Option{worker.WithLogger(a.Logger), worker.WithMetrics(a.Metrics)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Queue.Consume(ctx, worker.NewHandler(a.Engine, a.Config.Queue.Backend, workerOpts...))
	})
	g.Go(func() error {
		return worker.NewSweeper(a.Engine, a.Config.Worker, workerOpts...).Run(ctx)
	})
	g.Go(func() error {
		return worker.NewPurger(a.Engine, a.Config.Worker, workerOpts...).Run(ctx)
	})
	return g.Wait()
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	if a.audit != nil {
		a.audit.Close()
	}
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

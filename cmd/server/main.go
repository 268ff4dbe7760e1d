package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"eligibility/internal/app"
	"eligibility/internal/platform/config"
	"eligibility/internal/platform/httpserver"
	"eligibility/internal/platform/logger"
	"eligibility/internal/queue"
)

// main serves the HTTP API. With the in-process memory queue there is no
// separate worker to drain it, so the consumer runs here as well.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("error", true).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.Production())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown failed", "error", err)
		}
	}()

	srv := httpserver.New(cfg.Server.Addr, a.Router())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting eligibility api",
			"addr", cfg.Server.Addr,
			"queue_backend", cfg.Queue.Backend,
			"postgres", cfg.Database.URL != "",
			"redis", cfg.Redis.URL != "",
		)
		return httpserver.Serve(ctx, srv, cfg.Server.ShutdownTimeout)
	})
	if cfg.Queue.Backend == queue.BackendMemory {
		g.Go(func() error {
			return a.RunWorker(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

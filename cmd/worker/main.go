package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"eligibility/internal/app"
	"eligibility/internal/platform/config"
	"eligibility/internal/platform/logger"
	"eligibility/internal/queue"
)

// main consumes queued checks and runs the periodic maintenance jobs.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("error", true).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.Production())

	if cfg.Queue.Backend == queue.BackendMemory {
		log.Warn("memory queue is process local; the worker only sees work it publishes itself")
	}

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

	log.Info("starting eligibility worker",
		"queue_backend", cfg.Queue.Backend,
		"workers", cfg.Queue.Workers,
		"max_attempts", cfg.Queue.MaxAttempts,
	)
	if err := a.RunWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}

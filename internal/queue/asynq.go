package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const asynqTaskType = "eligibility:check:process"

// AsynqQueue hands delivery to asynq. Its task timeout is the visibility
// timeout and its retry budget is MaxAttempts-1, after which asynq archives
// the task.
type AsynqQueue struct {
	cfg    Config
	conn   asynq.RedisClientOpt
	client *asynq.Client
	logger *slog.Logger
	onDead DeadLetterFunc
}

// NewAsynq parses a redis URL into asynq connection options.
func NewAsynq(redisURL string, cfg Config, opts ...Option) (*AsynqQueue, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	conn := asynq.RedisClientOpt{
		Addr:      parsed.Addr,
		Username:  parsed.Username,
		Password:  parsed.Password,
		DB:        parsed.DB,
		TLSConfig: parsed.TLSConfig,
	}
	o := buildOptions(opts)
	return &AsynqQueue{
		cfg:    cfg.withDefaults(),
		conn:   conn,
		client: asynq.NewClient(conn),
		logger: o.logger,
		onDead: o.onDead,
	}, nil
}

func (q *AsynqQueue) task(checkID string) *asynq.Task {
	return asynq.NewTask(asynqTaskType, []byte(checkID),
		asynq.Queue(q.cfg.Name),
		asynq.MaxRetry(q.cfg.MaxAttempts-1),
		asynq.Timeout(q.cfg.VisibilityTimeout),
	)
}

func (q *AsynqQueue) Publish(ctx context.Context, checkIDs ...string) error {
	for _, id := range checkIDs {
		if _, err := q.client.EnqueueContext(ctx, q.task(id)); err != nil {
			return fmt.Errorf("enqueue check %s: %w", id, err)
		}
	}
	return nil
}

// Consume runs an asynq server until ctx is cancelled.
func (q *AsynqQueue) Consume(ctx context.Context, h Handler) error {
	srv := asynq.NewServer(q.conn, asynq.Config{
		Concurrency: q.cfg.Workers,
		Queues:      map[string]int{q.cfg.Name: 1},
		Logger:      &asynqLogger{logger: q.logger},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return time.Duration(n) * time.Second
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			dead := retried >= maxRetry
			msg := "check handling failed, redelivering"
			if dead {
				msg = "check moved to dead letters"
			}
			q.logger.ErrorContext(ctx, msg,
				"backend", BackendAsynq,
				"check_id", string(task.Payload()),
				"attempt", retried+1,
				"error", err,
			)
			if dead {
				q.onDead(context.WithoutCancel(ctx), string(task.Payload()))
			}
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(asynqTaskType, func(ctx context.Context, t *asynq.Task) error {
		return h(ctx, string(t.Payload()))
	})

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// asynqLogger routes asynq's own logging into slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...), "component", "asynq") }

func (l *asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}

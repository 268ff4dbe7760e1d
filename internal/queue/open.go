package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Connections carries the shared clients a backend may need.
type Connections struct {
	Redis    redis.UniversalClient
	RedisURL string
}

// Open builds the backend named by cfg.Backend. The kafka backend also
// creates its topics.
func Open(ctx context.Context, cfg Config, conns Connections, opts ...Option) (Queue, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(cfg, opts...), nil
	case BackendRedis:
		if conns.Redis == nil {
			return nil, errors.New("redis queue requires a redis connection")
		}
		return NewRedis(conns.Redis, cfg, opts...), nil
	case BackendKafka:
		q, err := NewKafka(cfg, opts...)
		if err != nil {
			return nil, err
		}
		if err := q.EnsureTopics(ctx); err != nil {
			q.Close()
			return nil, err
		}
		return q, nil
	case BackendAsynq:
		if conns.RedisURL == "" {
			return nil, errors.New("asynq queue requires a redis URL")
		}
		return NewAsynq(conns.RedisURL, cfg, opts...)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// Package config loads the process configuration from ELIGIBILITY_* variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"eligibility/internal/eligibility/matcher"
	"eligibility/internal/eligibility/worker"
	"eligibility/internal/queue"
	"eligibility/pkg/platform/middleware/ratelimit"
)

const envPrefix = "eligibility"

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Database selects postgres when URL is set and in-memory stores otherwise.
type Database struct {
	URL             string        `envconfig:"URL"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
}

// Redis is optional. When URL is empty the result cache is not fronted by
// redis and the redis and asynq queue backends are unavailable.
type Redis struct {
	URL          string        `envconfig:"URL"`
	PoolSize     int           `envconfig:"POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
}

// Cache controls the redis layer in front of the result cache.
type Cache struct {
	TTL      time.Duration `envconfig:"TTL" default:"24h"`
	LocalTTL time.Duration `envconfig:"LOCAL_TTL" default:"0s"`
}

// Bulk bounds a single bulk submission.
type Bulk struct {
	MaxItems int `envconfig:"MAX_ITEMS" default:"250"`
}

// Config is the full process configuration.
type Config struct {
	Env       string                   `envconfig:"ENV" default:"development"`
	LogLevel  string                   `envconfig:"LOG_LEVEL" default:"info"`
	Server    Server                   `envconfig:"SERVER"`
	Database  Database                 `envconfig:"DATABASE"`
	Redis     Redis                    `envconfig:"REDIS"`
	Cache     Cache                    `envconfig:"CACHE"`
	Queue     queue.Config             `envconfig:"QUEUE"`
	Matcher   matcher.Config           `envconfig:"MATCHER"`
	Bulk      Bulk                     `envconfig:"BULK"`
	Worker    worker.MaintenanceConfig `envconfig:"WORKER"`
	RateLimit ratelimit.Config         `envconfig:"RATE_LIMIT"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Production reports whether the process runs with production defaults.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks rules that span fields.
func (c Config) Validate() error {
	var errs []error

	switch c.Queue.Backend {
	case queue.BackendMemory:
	case queue.BackendRedis, queue.BackendAsynq:
		if c.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("queue backend %q requires ELIGIBILITY_REDIS_URL", c.Queue.Backend))
		}
	case queue.BackendKafka:
		if len(c.Queue.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("queue backend \"kafka\" requires ELIGIBILITY_QUEUE_KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue max attempts must be at least 1"))
	}
	if c.Bulk.MaxItems < 1 {
		errs = append(errs, errors.New("bulk max items must be at least 1"))
	}

	// A lease must outlive every matcher attempt of both steps, otherwise a
	// slow but healthy check is redelivered while still in flight.
	if c.Matcher.BaseURL != "" {
		budget := 2 * c.Matcher.StepTimeout * time.Duration(c.Matcher.MaxRetries+1)
		if c.Queue.VisibilityTimeout <= budget {
			errs = append(errs, fmt.Errorf("queue visibility timeout %s must exceed matcher budget %s",
				c.Queue.VisibilityTimeout, budget))
		}
	}

	return errors.Join(errs...)
}

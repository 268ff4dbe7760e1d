// Package queue carries check ids from the intake side to the processing
// workers. Delivery is at-least-once on every backend: a handler may see the
// same id more than once and must tolerate it.
package queue

import (
	"context"
	"errors"
	"time"

	strs "eligibility/pkg/platform/strings"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendKafka  = "kafka"
	BackendAsynq  = "asynq"
)

const (
	defaultName              = "eligibility-checks"
	defaultMaxAttempts       = 5
	defaultVisibilityTimeout = 2 * time.Minute
	defaultWorkers           = 4
	defaultPollInterval      = 250 * time.Millisecond
)

// ErrClosed is returned by Publish after the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Handler processes one check id. A nil return acknowledges the delivery;
// an error asks for redelivery until attempts are exhausted.
type Handler func(ctx context.Context, checkID string) error

// Publisher enqueues check ids for processing.
type Publisher interface {
	Publish(ctx context.Context, checkIDs ...string) error
}

// Consumer delivers enqueued ids to a Handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Queue is a backend that can both publish and consume.
type Queue interface {
	Publisher
	Consumer
	Close() error
}

// Config is shared by all backends. Fields a backend does not use are ignored.
type Config struct {
	Backend           string        `envconfig:"BACKEND" default:"memory"`
	Name              string        `envconfig:"NAME" default:"eligibility-checks"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"2m"`
	Workers           int           `envconfig:"WORKERS" default:"4"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"250ms"`
	KafkaBrokers      []string      `envconfig:"KAFKA_BROKERS"`
	KafkaGroup        string        `envconfig:"KAFKA_GROUP" default:"eligibility-workers"`
	KafkaPartitions   int32         `envconfig:"KAFKA_PARTITIONS" default:"6"`
	KafkaReplication  int16         `envconfig:"KAFKA_REPLICATION" default:"1"`
}

// withDefaults fills zero values so backends constructed in tests behave
// like the ones built from the environment.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	c.KafkaBrokers = strs.DedupeAndTrim(c.KafkaBrokers)
	if c.KafkaGroup == "" {
		c.KafkaGroup = "eligibility-workers"
	}
	if c.KafkaPartitions <= 0 {
		c.KafkaPartitions = 1
	}
	if c.KafkaReplication <= 0 {
		c.KafkaReplication = 1
	}
	return c
}

// DeadLetterTopic is where the kafka backend parks records that exhausted
// their attempts.
func (c Config) DeadLetterTopic() string {
	return c.withDefaults().Name + ".dead"
}

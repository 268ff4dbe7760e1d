package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eligibility/internal/queue"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, queue.BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 250, cfg.Bulk.MaxItems)
	assert.Equal(t, 10*time.Minute, cfg.Worker.StaleAfter)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Redis.URL)
	assert.False(t, cfg.Production())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ELIGIBILITY_ENV", "production")
	t.Setenv("ELIGIBILITY_SERVER_ADDR", ":9090")
	t.Setenv("ELIGIBILITY_QUEUE_BACKEND", "kafka")
	t.Setenv("ELIGIBILITY_QUEUE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ELIGIBILITY_BULK_MAX_ITEMS", "50")
	t.Setenv("ELIGIBILITY_RATE_LIMIT_RPS", "20")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Queue.KafkaBrokers)
	assert.Equal(t, 50, cfg.Bulk.MaxItems)
	assert.InDelta(t, 20.0, cfg.RateLimit.RequestsPerSecond, 0.001)
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	t.Setenv("ELIGIBILITY_BULK_MAX_ITEMS", "lots")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"redis backend without redis", func(c *Config) { c.Queue.Backend = queue.BackendRedis }, "ELIGIBILITY_REDIS_URL"},
		{"asynq backend without redis", func(c *Config) { c.Queue.Backend = queue.BackendAsynq }, "ELIGIBILITY_REDIS_URL"},
		{"redis backend with redis", func(c *Config) {
			c.Queue.Backend = queue.BackendRedis
			c.Redis.URL = "redis://localhost:6379/0"
		}, ""},
		{"kafka without brokers", func(c *Config) { c.Queue.Backend = queue.BackendKafka }, "KAFKA_BROKERS"},
		{"unknown backend", func(c *Config) { c.Queue.Backend = "sqs" }, "unknown queue backend"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "max attempts"},
		{"zero bulk size", func(c *Config) { c.Bulk.MaxItems = 0 }, "bulk max items"},
		{"lease shorter than matcher budget", func(c *Config) {
			c.Matcher.BaseURL = "https://matcher.example"
			c.Matcher.StepTimeout = 30 * time.Second
			c.Matcher.MaxRetries = 2
			c.Queue.VisibilityTimeout = time.Minute
		}, "visibility timeout"},
		{"lease covers matcher budget", func(c *Config) {
			c.Matcher.BaseURL = "https://matcher.example"
			c.Matcher.StepTimeout = 10 * time.Second
			c.Matcher.MaxRetries = 2
			c.Queue.VisibilityTimeout = 2 * time.Minute
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

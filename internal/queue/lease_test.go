package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type leaseQueue interface {
	Queue
	LeaseStore
}

// LeaseSuite runs the same lease behaviour against every lease backend.
type LeaseSuite struct {
	suite.Suite
	open func(cfg Config, opts ...Option) (leaseQueue, func() []string)

	q    leaseQueue
	dead func() []string
	ctx  context.Context
}

func testConfig() Config {
	return Config{
		MaxAttempts:       3,
		VisibilityTimeout: time.Minute,
		Workers:           2,
		PollInterval:      5 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *LeaseSuite) SetupTest() {
	s.ctx = context.Background()
	s.q, s.dead = s.open(testConfig())
}

func (s *LeaseSuite) TestClaimIsFIFO() {
	s.Require().NoError(s.q.Publish(s.ctx, "a", "b", "c"))

	claims, err := s.q.Claim(s.ctx, 2, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Len(claims, 2)
	s.Equal("a", claims[0].CheckID)
	s.Equal("b", claims[1].CheckID)
	s.Equal(1, claims[0].Attempt)
	s.NotEqual(claims[0].Receipt, claims[1].Receipt)

	rest, err := s.q.Claim(s.ctx, 5, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Len(rest, 1)
	s.Equal("c", rest[0].CheckID)

	none, err := s.q.Claim(s.ctx, 5, "w1", time.Minute)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *LeaseSuite) TestAckRemovesDelivery() {
	s.Require().NoError(s.q.Publish(s.ctx, "a"))
	claims, err := s.q.Claim(s.ctx, 1, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().NoError(s.q.Ack(s.ctx, claims[0]))

	n, err := s.q.RequeueExpired(s.ctx, time.Now().Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Zero(n, "acked lease must not come back")

	none, err := s.q.Claim(s.ctx, 1, "w1", time.Minute)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *LeaseSuite) TestNackRedeliversThenDeadLetters() {
	s.Require().NoError(s.q.Publish(s.ctx, "a"))

	for attempt := 1; attempt <= 3; attempt++ {
		claims, err := s.q.Claim(s.ctx, 1, "w1", time.Minute)
		s.Require().NoError(err)
		s.Require().Len(claims, 1, "attempt %d", attempt)
		s.Equal(attempt, claims[0].Attempt)

		dead, err := s.q.Nack(s.ctx, claims[0])
		s.Require().NoError(err)
		s.Equal(attempt == 3, dead)
	}

	none, err := s.q.Claim(s.ctx, 1, "w1", time.Minute)
	s.Require().NoError(err)
	s.Empty(none)
	s.Equal([]string{"a"}, s.dead())
}

func (s *LeaseSuite) TestExpiredLeaseIsRequeued() {
	s.Require().NoError(s.q.Publish(s.ctx, "a"))
	first, err := s.q.Claim(s.ctx, 1, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Len(first, 1)

	n, err := s.q.RequeueExpired(s.ctx, time.Now(), 10)
	s.Require().NoError(err)
	s.Zero(n, "lease still valid")

	n, err = s.q.RequeueExpired(s.ctx, time.Now().Add(2*time.Minute), 10)
	s.Require().NoError(err)
	s.Equal(1, n)

	second, err := s.q.Claim(s.ctx, 1, "w2", time.Minute)
	s.Require().NoError(err)
	s.Require().Len(second, 1)
	s.Equal("a", second[0].CheckID)

	// The first holder lost its lease; its late ack must not settle the new one.
	s.Require().NoError(s.q.Ack(s.ctx, first[0]))
	dead, err := s.q.Nack(s.ctx, second[0])
	s.Require().NoError(err)
	s.False(dead)
	third, err := s.q.Claim(s.ctx, 1, "w2", time.Minute)
	s.Require().NoError(err)
	s.Require().Len(third, 1)
	s.Equal(2, third[0].Attempt)
}

func (s *LeaseSuite) TestConsumeRedeliversFailures() {
	var (
		mu    sync.Mutex
		seen  = map[string]int{}
		done  = make(chan struct{})
		fired bool
	)
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen[id]++
		if id == "flaky" && seen[id] == 1 {
			return errors.New("matcher unavailable")
		}
		if !fired && seen["a"] == 1 && seen["b"] == 1 && seen["flaky"] == 2 {
			fired = true
			close(done)
		}
		return nil
	}

	s.Require().NoError(s.q.Publish(s.ctx, "a", "flaky", "b"))
	ctx, cancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.q.Consume(ctx, handler) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Fail("handler did not see every delivery")
	}
	cancel()
	s.Require().NoError(<-errCh)

	mu.Lock()
	defer mu.Unlock()
	s.Equal(map[string]int{"a": 1, "b": 1, "flaky": 2}, seen)
	s.Empty(s.dead())
}

func (s *LeaseSuite) TestConsumeDeadLettersPoisonMessage() {
	var (
		mu       sync.Mutex
		calls    int
		reported []string
	)
	s.q, s.dead = s.open(testConfig(), WithDeadLetterFunc(func(ctx context.Context, id string) {
		mu.Lock()
		defer mu.Unlock()
		s.NoError(ctx.Err())
		reported = append(reported, id)
	}))
	handler := func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("boom")
	}

	s.Require().NoError(s.q.Publish(s.ctx, "poison"))
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.q.Consume(ctx, handler) }()

	s.Eventually(func() bool {
		return len(s.dead()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	s.Require().NoError(<-errCh)

	mu.Lock()
	defer mu.Unlock()
	s.Equal(3, calls)
	s.Equal([]string{"poison"}, s.dead())
	s.Equal([]string{"poison"}, reported)
}

func (s *LeaseSuite) TestSlowHandlerKeepsItsLease() {
	cfg := testConfig()
	cfg.VisibilityTimeout = 150 * time.Millisecond
	s.q, s.dead = s.open(cfg)

	var (
		mu       sync.Mutex
		inflight = map[string]int{}
		peak     = map[string]int{}
		calls    = map[string]int{}
	)
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		inflight[id]++
		calls[id]++
		peak[id] = max(peak[id], inflight[id])
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		inflight[id]--
		mu.Unlock()
		return nil
	}

	s.Require().NoError(s.q.Publish(s.ctx, "a", "b", "c"))
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.q.Consume(ctx, handler) }()

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3 && inflight["a"]+inflight["b"]+inflight["c"] == 0
	}, 5*time.Second, 10*time.Millisecond)
	// Give a wrongly reaped lease time to be handled a second time.
	time.Sleep(200 * time.Millisecond)
	cancel()
	s.Require().NoError(<-errCh)

	mu.Lock()
	defer mu.Unlock()
	s.Equal(map[string]int{"a": 1, "b": 1, "c": 1}, peak)
	s.Equal(map[string]int{"a": 1, "b": 1, "c": 1}, calls)
}

func TestMemoryLeaseQueue(t *testing.T) {
	suite.Run(t, &LeaseSuite{
		open: func(cfg Config, opts ...Option) (leaseQueue, func() []string) {
			q := NewMemory(cfg, append([]Option{WithLogger(quietLogger()), WithConsumerName("test")}, opts...)...)
			return q, q.DeadLetters
		},
	})
}

func TestRedisLeaseQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	suite.Run(t, &LeaseSuite{
		open: func(cfg Config, opts ...Option) (leaseQueue, func() []string) {
			mr.FlushAll()
			q := NewRedis(client, cfg, append([]Option{WithLogger(quietLogger()), WithConsumerName("test")}, opts...)...)
			return q, func() []string {
				ids, err := q.DeadLetters(context.Background(), 10)
				require.NoError(t, err)
				return ids
			}
		},
	})
}

func TestRedisQueueKeysShareHashTag(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedis(client, Config{Name: "checks"})
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "a", "b"))
	_, err := q.Claim(ctx, 1, "w1", time.Minute)
	require.NoError(t, err)

	assert.True(t, mr.Exists("eligibility:{checks}:pending"))
	assert.True(t, mr.Exists("eligibility:{checks}:claims"))
	assert.True(t, mr.Exists("eligibility:{checks}:visibility"))

	pending, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(1), inflight)
}

func TestMemoryQueueRejectsPublishAfterClose(t *testing.T) {
	q := NewMemory(Config{})
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(context.Background(), "a"), ErrClosed)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	q, err := Open(ctx, Config{Backend: BackendMemory}, Connections{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = Open(ctx, Config{Backend: BackendRedis}, Connections{})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: BackendAsynq}, Connections{})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: BackendKafka}, Connections{})
	assert.Error(t, err, "kafka needs brokers")

	_, err = Open(ctx, Config{Backend: "sqs"}, Connections{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q, err = Open(ctx, Config{Backend: BackendRedis}, Connections{Redis: client})
	require.NoError(t, err)
	assert.IsType(t, &RedisQueue{}, q)

	q, err = Open(ctx, Config{Backend: BackendAsynq}, Connections{RedisURL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	assert.IsType(t, &AsynqQueue{}, q)
	require.NoError(t, q.Close())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "eligibility-checks", cfg.Name)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, "eligibility-checks.dead", cfg.DeadLetterTopic())
}

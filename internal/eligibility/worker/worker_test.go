package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"eligibility/internal/eligibility/matcher"
	"eligibility/internal/eligibility/metrics"
	"eligibility/internal/eligibility/models"
	"eligibility/internal/eligibility/service"
	"eligibility/internal/eligibility/service/mocks"
	"eligibility/internal/eligibility/store/dataset"
	"eligibility/internal/eligibility/store/registry"
	"eligibility/internal/eligibility/store/resultcache"
	"eligibility/internal/queue"
	dErrors "eligibility/pkg/domain-errors"
	"eligibility/pkg/requestcontext"
)

type processorFunc func(ctx context.Context, checkID string) (*models.Check, error)

func (f processorFunc) Process(ctx context.Context, checkID string) (*models.Check, error) {
	return f(ctx, checkID)
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandlerOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
		result  string
	}{
		{"processed", nil, false, resultProcessed},
		{"unknown check is acked", dErrors.New(dErrors.CodeNotFound, "check not found"), false, resultDropped},
		{"storage failure is redelivered", dErrors.New(dErrors.CodeInternal, "db down"), true, resultRetry},
		{"resolution failure is redelivered", dErrors.New(dErrors.CodeUnavailable, "cache down"), true, resultRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewWith(prometheus.NewRegistry())
			var gotRequestID string
			p := processorFunc(func(ctx context.Context, id string) (*models.Check, error) {
				gotRequestID = requestcontext.RequestID(ctx)
				if tt.err != nil {
					return nil, tt.err
				}
				return &models.Check{ID: id, Status: models.StatusEligible}, nil
			})

			h := NewHandler(p, queue.BackendMemory, quiet(), WithMetrics(m))
			err := h(context.Background(), "c-1")
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.NotEmpty(t, gotRequestID, "each delivery gets a correlation id")
			assert.Equal(t, 1.0, promtestutil.ToFloat64(m.QueueHandled.WithLabelValues(queue.BackendMemory, tt.result)))
		})
	}
}

type fakeMaintainer struct {
	mu        sync.Mutex
	sweeps    int
	olderThan time.Duration
	cutoffs   []time.Time
	requeued  int
	err       error
}

func (f *fakeMaintainer) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	f.olderThan = olderThan
	return f.requeued, f.err
}

func (f *fakeMaintainer) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, f.err
}

func (f *fakeMaintainer) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func TestSweeper(t *testing.T) {
	m := &fakeMaintainer{requeued: 3}
	s := NewSweeper(m, MaintenanceConfig{StaleAfter: 15 * time.Minute, SweepInterval: 5 * time.Millisecond}, quiet())

	assert.Equal(t, 3, s.Sweep(context.Background()))
	assert.Equal(t, 15*time.Minute, m.olderThan)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	assert.Eventually(t, func() bool { return m.sweepCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSweeperKeepsRunningAfterFailure(t *testing.T) {
	m := &fakeMaintainer{err: errors.New("broker down")}
	s := NewSweeper(m, MaintenanceConfig{SweepInterval: 5 * time.Millisecond}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	assert.Eventually(t, func() bool { return m.sweepCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 10*time.Minute, m.olderThan, "default stale threshold")
}

func TestPurger(t *testing.T) {
	now := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)

	t.Run("disabled without a retention period", func(t *testing.T) {
		m := &fakeMaintainer{}
		p := NewPurger(m, MaintenanceConfig{}, quiet())
		assert.False(t, p.Enabled())
		assert.Zero(t, p.Purge(ctx))
		require.NoError(t, p.Run(ctx), "returns immediately")
		assert.Empty(t, m.cutoffs)
	})

	t.Run("cutoff is now minus retention", func(t *testing.T) {
		m := &fakeMaintainer{}
		p := NewPurger(m, MaintenanceConfig{RetentionPeriod: 30 * 24 * time.Hour}, quiet())
		assert.EqualValues(t, 2, p.Purge(ctx))
		require.Len(t, m.cutoffs, 1)
		assert.Equal(t, now.Add(-30*24*time.Hour), m.cutoffs[0])
	})

	t.Run("failure reports nothing purged", func(t *testing.T) {
		m := &fakeMaintainer{err: errors.New("db down")}
		p := NewPurger(m, MaintenanceConfig{RetentionPeriod: time.Hour}, quiet())
		assert.Zero(t, p.Purge(ctx))
	})
}

// TestQueueToEngine drives a check from creation through the memory queue to
// a terminal status with the real engine.
func TestQueueToEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockMatcher(ctrl)
	m.EXPECT().Match(gomock.Any(), models.CheckTypeFreeSchoolMeals, gomock.Any()).
		Return(matcher.Result{Outcome: models.StatusEligible, Reason: matcher.ReasonQualifyingAward}, nil).
		Times(1)

	q := queue.NewMemory(queue.Config{PollInterval: 5 * time.Millisecond, Workers: 2},
		queue.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	checks := registry.NewInMemory()
	reg := metrics.NewWith(prometheus.NewRegistry())
	engine := service.NewEngine(checks, service.NewResultCache(resultcache.NewInMemory()),
		service.Datasets{HMRC: dataset.NewInMemory(dataset.HMRC), HomeOffice: dataset.NewInMemory(dataset.HomeOffice)},
		q, service.WithMatcher(m), service.WithMetrics(reg))

	ctx := context.Background()
	check, err := engine.CreateCheck(ctx, models.CheckTypeFreeSchoolMeals, models.Payload{
		LastName:                "Smith",
		DateOfBirth:             "1990-12-15",
		NationalInsuranceNumber: "NN668767B",
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusQueuedForProcessing, check.Status)

	// A delivery for a check that was purged is acked and never dead-lettered.
	require.NoError(t, q.Publish(ctx, "00000000-0000-0000-0000-000000000000"))

	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(consumeCtx, NewHandler(engine, queue.BackendMemory, quiet(), WithMetrics(reg)))
	}()

	assert.Eventually(t, func() bool {
		got, err := engine.GetCheck(ctx, check.ID)
		return err == nil && got.Status == models.StatusEligible
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return promtestutil.ToFloat64(reg.QueueHandled.WithLabelValues(queue.BackendMemory, resultDropped)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, q.DeadLetters())
	pending, inflight := q.Depth()
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
}

type abandonerFunc func(ctx context.Context, checkID string) (*models.Check, error)

func (f abandonerFunc) Abandon(ctx context.Context, checkID string) (*models.Check, error) {
	return f(ctx, checkID)
}

func TestDeadLetterFunc(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		settled float64
	}{
		{"settled as error", nil, 1},
		{"unknown check is ignored", dErrors.New(dErrors.CodeNotFound, "check not found"), 0},
		{"storage failure leaves it to the sweeper", dErrors.New(dErrors.CodeInternal, "db down"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewWith(prometheus.NewRegistry())
			var got string
			a := abandonerFunc(func(_ context.Context, id string) (*models.Check, error) {
				got = id
				if tt.err != nil {
					return nil, tt.err
				}
				return &models.Check{ID: id, Status: models.StatusError}, nil
			})

			NewDeadLetterFunc(a, queue.BackendRedis, quiet(), WithMetrics(m))(context.Background(), "c-1")
			assert.Equal(t, "c-1", got)
			assert.Equal(t, tt.settled, promtestutil.ToFloat64(m.QueueHandled.WithLabelValues(queue.BackendRedis, resultAbandoned)))
		})
	}
}

type unreadableDataset struct {
	mu    sync.Mutex
	calls int
}

func (d *unreadableDataset) Find(context.Context, string) (*models.DatasetRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil, errors.New("connection reset")
}

// TestDeadLetteredCheckLeavesTheSweep exhausts a check's attempts against an
// unreadable dataset and expects the sweeper to leave it alone afterwards.
func TestDeadLetteredCheckLeavesTheSweep(t *testing.T) {
	hmrc := &unreadableDataset{}

	checks := registry.NewInMemory()
	reg := metrics.NewWith(prometheus.NewRegistry())
	var engine *service.Engine
	q := queue.NewMemory(queue.Config{PollInterval: 5 * time.Millisecond, Workers: 1, MaxAttempts: 2},
		queue.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		queue.WithDeadLetterFunc(func(ctx context.Context, id string) {
			NewDeadLetterFunc(engine, queue.BackendMemory, quiet(), WithMetrics(reg))(ctx, id)
		}),
	)
	engine = service.NewEngine(checks, service.NewResultCache(resultcache.NewInMemory()),
		service.Datasets{HMRC: hmrc, HomeOffice: dataset.NewInMemory(dataset.HomeOffice)},
		q, service.WithMetrics(reg))

	ctx := context.Background()
	check, err := engine.CreateCheck(ctx, models.CheckTypeFreeSchoolMeals, models.Payload{
		LastName:                "Smith",
		DateOfBirth:             "1990-12-15",
		NationalInsuranceNumber: "NN668767B",
	})
	require.NoError(t, err)

	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(consumeCtx, NewHandler(engine, queue.BackendMemory, quiet(), WithMetrics(reg)))
	}()

	assert.Eventually(t, func() bool {
		got, err := engine.GetCheck(ctx, check.ID)
		return err == nil && got.Status == models.StatusError
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{check.ID}, q.DeadLetters())
	hmrc.mu.Lock()
	assert.Equal(t, 3, hmrc.calls, "one inline attempt and two deliveries")
	hmrc.mu.Unlock()

	later := requestcontext.WithTime(ctx, time.Now().Add(time.Hour))
	sweeper := NewSweeper(engine, MaintenanceConfig{StaleAfter: time.Minute}, quiet())
	assert.Zero(t, sweeper.Sweep(later))
}

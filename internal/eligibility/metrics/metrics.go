package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the eligibility module.
// All methods are nil-safe so components can run without metrics in tests.
type Metrics struct {
	ChecksCreated     *prometheus.CounterVec
	Outcomes          *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheWriteFailure prometheus.Counter
	MatcherLatency    *prometheus.HistogramVec
	ProcessLatency    prometheus.Histogram
	QueueHandled      *prometheus.CounterVec
	StaleRequeued     prometheus.Counter
}

// New registers the module metrics with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the module metrics with reg. Tests pass a fresh registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_checks_created_total",
			Help: "Checks created by entry point",
		}, []string{"entry"}), // entry: "single", "bulk"

		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_check_outcomes_total",
			Help: "Terminal check outcomes by status, source and reason",
		}, []string{"status", "source", "reason"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_result_cache_lookups_total",
			Help: "Result cache lookups by result",
		}, []string{"result"}), // result: "hit", "miss", "error"

		CacheWriteFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "eligibility_result_cache_write_failures_total",
			Help: "Result cache writes that failed and were skipped",
		}),

		MatcherLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eligibility_matcher_step_duration_seconds",
			Help:    "Duration of external matcher protocol steps",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"step", "result"}),

		ProcessLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "eligibility_process_duration_seconds",
			Help:    "Duration of a full Process call",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),

		QueueHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eligibility_queue_messages_total",
			Help: "Queue messages handled by result",
		}, []string{"backend", "result"}), // result: "ack", "redeliver", "dead"

		StaleRequeued: f.NewCounter(prometheus.CounterOpts{
			Name: "eligibility_stale_checks_requeued_total",
			Help: "Queued checks republished by the stale sweeper",
		}),
	}
}

func (m *Metrics) IncCreated(entry string, n int) {
	if m != nil {
		m.ChecksCreated.WithLabelValues(entry).Add(float64(n))
	}
}

func (m *Metrics) IncOutcome(status, source, reason string) {
	if m != nil {
		m.Outcomes.WithLabelValues(status, source, reason).Inc()
	}
}

func (m *Metrics) IncCacheLookup(result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncCacheWriteFailure() {
	if m != nil {
		m.CacheWriteFailure.Inc()
	}
}

func (m *Metrics) ObserveMatcherStep(step, result string, d time.Duration) {
	if m != nil {
		m.MatcherLatency.WithLabelValues(step, result).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveProcess(d time.Duration) {
	if m != nil {
		m.ProcessLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncQueueHandled(backend, result string) {
	if m != nil {
		m.QueueHandled.WithLabelValues(backend, result).Inc()
	}
}

func (m *Metrics) AddStaleRequeued(n int) {
	if m != nil {
		m.StaleRequeued.Add(float64(n))
	}
}

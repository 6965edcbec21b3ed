// Package metrics exposes the daemon's Prometheus metrics: collector
// run counts and latency, writer queue/backlog depth, and provider
// governor backoff state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CollectorRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_collector_runs_total",
			Help: "Total number of collector runs by collector id and outcome",
		},
		[]string{"collector", "outcome"},
	)

	CollectorRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_collector_run_duration_seconds",
			Help:    "Collector run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collector"},
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_provider_calls_total",
			Help: "Total number of provider calls by provider id and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderWaitCycles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_provider_wait_cycles",
			Help: "Current number of cycles a provider's performance governor is waiting",
		},
		[]string{"provider"},
	)

	WriterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_writer_queue_depth",
			Help: "Number of envelopes currently queued for a writer",
		},
		[]string{"writer"},
	)

	WriterBacklogSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_writer_backlog_size",
			Help: "Number of backlog files currently held for a writer",
		},
		[]string{"writer"},
	)

	WriterHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_writer_healthy",
			Help: "Whether a writer's backend last reported healthy (1) or not (0)",
		},
		[]string{"writer"},
	)

	WriteBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_writer_batch_duration_seconds",
			Help:    "Time taken to write one batch to a writer backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"writer"},
	)
)

func init() {
	prometheus.MustRegister(
		CollectorRunsTotal,
		CollectorRunDuration,
		ProviderCallsTotal,
		ProviderWaitCycles,
		WriterQueueDepth,
		WriterBacklogSize,
		WriterHealthy,
		WriteBatchDuration,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports its duration to a histogram.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled
// histogram vector.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

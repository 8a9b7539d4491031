// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterJobsTotal           *prometheus.CounterVec
	harvesterQueueDepth          *prometheus.GaugeVec
	harvesterActiveWorkers       prometheus.Gauge
	harvesterReapedJobsTotal     prometheus.Counter
	harvesterClaimSeconds        prometheus.Histogram
	harvesterRateLimitWaitSecond prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of job outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvesterQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Number of jobs currently in each status.",
			},
			[]string{"status"},
		)

		harvesterActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently registered as active.",
			},
		)

		harvesterReapedJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_reaped_jobs_total",
				Help: "Total number of stale jobs returned to the retry pool.",
			},
		)

		harvesterClaimSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_claim_duration_seconds",
				Help:    "Histogram of claim transaction latencies.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		)

		harvesterRateLimitWaitSecond = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the outcome counter for the given outcome.
func ObserveJob(outcome string) {
	if harvesterJobsTotal == nil {
		return
	}
	harvesterJobsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current number of jobs in a status.
func SetQueueDepth(status string, n int64) {
	if harvesterQueueDepth == nil {
		return
	}
	harvesterQueueDepth.WithLabelValues(status).Set(float64(n))
}

// SetActiveWorkers records the current active worker count.
func SetActiveWorkers(n int64) {
	if harvesterActiveWorkers == nil {
		return
	}
	harvesterActiveWorkers.Set(float64(n))
}

// ObserveReap adds reaped jobs to the reap counter.
func ObserveReap(n int) {
	if harvesterReapedJobsTotal == nil {
		return
	}
	harvesterReapedJobsTotal.Add(float64(n))
}

// ObserveClaim records the duration of a claim transaction.
func ObserveClaim(duration time.Duration) {
	if harvesterClaimSeconds == nil {
		return
	}
	harvesterClaimSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	if harvesterRateLimitWaitSecond == nil {
		return
	}
	harvesterRateLimitWaitSecond.Observe(duration.Seconds())
}

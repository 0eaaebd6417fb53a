// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsIngestedTotal      prometheus.Counter
	jobsTotal                  *prometheus.CounterVec
	completionsTotal           *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	scrapeDurationSeconds      *prometheus.HistogramVec
	reconcileEnqueuedTotal     prometheus.Counter
	reconcileEvictedTotal      prometheus.Counter
	janitorRemovedTotal        *prometheus.CounterVec
	reaperRevertedTotal        prometheus.Counter
	deliveryWaitSeconds        prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsIngestedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "instasaver_requests_ingested_total",
				Help: "Total number of content requests accepted from chat.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instasaver_jobs_total",
				Help: "Total number of dispatch jobs handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		completionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instasaver_completions_total",
				Help: "Total number of delivered requests, labeled by media bucket.",
			},
			[]string{"bucket"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "instasaver_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "instasaver_scrape_duration_seconds",
				Help:    "Histogram of scrape latencies, labeled by result.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"result"},
		)

		reconcileEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "instasaver_reconcile_enqueued_total",
				Help: "Total number of jobs enqueued by the reconciler.",
			},
		)

		reconcileEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "instasaver_reconcile_evicted_total",
				Help: "Total number of over-cap PENDING records destroyed by the reconciler.",
			},
		)

		janitorRemovedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instasaver_janitor_removed_total",
				Help: "Total number of finished jobs purged from the queue, labeled by state.",
			},
			[]string{"state"},
		)

		reaperRevertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "instasaver_reaper_reverted_total",
				Help: "Total number of stale PROCESSING records returned to PENDING.",
			},
		)

		deliveryWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "instasaver_delivery_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting on the chat rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngested counts an accepted chat request.
func ObserveIngested() {
	requestsIngestedTotal.Inc()
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCompletion counts a delivered request in its media bucket.
func ObserveCompletion(bucket string) {
	completionsTotal.WithLabelValues(bucket).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveScrape records one scrape attempt.
func ObserveScrape(result string, duration time.Duration) {
	scrapeDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveReconcile records the outcome of one reconciliation pass.
func ObserveReconcile(enqueued, evicted int) {
	reconcileEnqueuedTotal.Add(float64(enqueued))
	reconcileEvictedTotal.Add(float64(evicted))
}

// ObserveJanitor records purged job metadata.
func ObserveJanitor(state string, removed int) {
	janitorRemovedTotal.WithLabelValues(state).Add(float64(removed))
}

// ObserveReaper records reverted records.
func ObserveReaper(reverted int) {
	reaperRevertedTotal.Add(float64(reverted))
}

// ObserveDeliveryWait records the duration of a rate limit wait.
func ObserveDeliveryWait(duration time.Duration) {
	deliveryWaitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

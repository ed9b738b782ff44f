// Package telemetry exposes Prometheus collectors for the scan engine.
package telemetry

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
	scansTotal                 *prometheus.CounterVec
	batchesTotal               *prometheus.CounterVec
	itemsHarvestedTotal        *prometheus.CounterVec
	itemsEnrichedTotal         *prometheus.CounterVec
	captchaAttemptsTotal       *prometheus.CounterVec
	circuitsActive             prometheus.Gauge
	progressEventsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_scans_total",
				Help: "Total number of finalized scans, labeled by kind and final status.",
			},
			[]string{"kind", "status"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_batches_total",
				Help: "Total number of processed batches, labeled by outcome.",
			},
			[]string{"status"},
		)

		itemsHarvestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_items_harvested_total",
				Help: "Total number of items harvested, labeled by scan kind.",
			},
			[]string{"kind"},
		)

		itemsEnrichedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_items_enriched_total",
				Help: "Total number of items through the enrichment pipeline, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		captchaAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_captcha_attempts_total",
				Help: "Total number of login challenge attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		circuitsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanengine_circuits_active",
				Help: "Number of relay circuits currently provisioned.",
			},
		)

		progressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_progress_events_total",
				Help: "Total number of scan progress events, labeled by stage.",
			},
			[]string{"stage"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanengine_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by circuit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"circuit"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScan records a finalized scan.
func ObserveScan(kind, status string) {
	scansTotal.WithLabelValues(kind, status).Inc()
}

// ObserveBatch records a finished batch.
func ObserveBatch(status string) {
	batchesTotal.WithLabelValues(status).Inc()
}

// ObserveHarvested adds to the harvested item counter.
func ObserveHarvested(kind string, n int) {
	if n > 0 {
		itemsHarvestedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveEnriched records one item leaving the enrichment pipeline.
func ObserveEnriched(outcome string) {
	itemsEnrichedTotal.WithLabelValues(outcome).Inc()
}

// ObserveProgressEvent records one scan progress event by stage.
func ObserveProgressEvent(stage string) {
	progressEventsTotal.WithLabelValues(stage).Inc()
}

// ObserveCaptchaAttempt records one challenge solve attempt.
func ObserveCaptchaAttempt(outcome string) {
	captchaAttemptsTotal.WithLabelValues(outcome).Inc()
}

// IncCircuitsActive increments the active circuits gauge.
func IncCircuitsActive() {
	circuitsActive.Inc()
}

// DecCircuitsActive decrements the active circuits gauge.
func DecCircuitsActive() {
	circuitsActive.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(circuit string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(circuit).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

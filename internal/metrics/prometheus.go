// Package metrics aggregates per-worker counters into a run summary and
// exposes Prometheus collectors for the scanner.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perimeterlabs/vantage/internal/scan"
)

var (
	scanJobsTotal          *prometheus.CounterVec
	scanRetriesTotal       *prometheus.CounterVec
	scanEngineRestarts     prometheus.Counter
	scanActiveWorkers      prometheus.Gauge
	scanInspectSeconds     prometheus.Histogram
	writerFlushSeconds     prometheus.Histogram
	writerFlushBatchSize   prometheus.Histogram
	writerFlushErrorsTotal prometheus.Counter
	httpRequestSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call this
// function multiple times.
func Init() {
	once.Do(func() {
		scanJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vantage_jobs_total",
				Help: "Total number of jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		scanRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vantage_retries_total",
				Help: "Total number of job retries, labeled by failure class.",
			},
			[]string{"class"},
		)

		scanEngineRestarts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vantage_engine_restarts_total",
				Help: "Total inspection engine handle rebuilds after a crash.",
			},
		)

		scanActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vantage_active_workers",
				Help: "Number of workers currently executing a job.",
			},
		)

		scanInspectSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vantage_inspect_duration_seconds",
				Help:    "Histogram of end-to-end per-job inspection latency.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			},
		)

		writerFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vantage_writer_flush_duration_seconds",
				Help:    "Histogram of result writer flush latency.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		writerFlushBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vantage_writer_flush_batch_size",
				Help:    "Histogram of result counts per flush.",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		)

		writerFlushErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vantage_writer_flush_errors_total",
				Help: "Total flush attempts that failed and were retried.",
			},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vantage_http_request_duration_seconds",
				Help:    "Histogram of status server request latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job and its latency.
func ObserveJob(status scan.ResultStatus, seconds float64) {
	scanJobsTotal.WithLabelValues(string(status)).Inc()
	scanInspectSeconds.Observe(seconds)
}

// ObserveRetry counts one retry attempt for the given failure class.
func ObserveRetry(class scan.FailureClass) {
	scanRetriesTotal.WithLabelValues(string(class)).Inc()
}

// ObserveEngineRestart counts one inspection engine rebuild.
func ObserveEngineRestart() {
	scanEngineRestarts.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scanActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scanActiveWorkers.Dec()
}

// ObserveFlush records one successful flush.
func ObserveFlush(batchSize int, seconds float64) {
	writerFlushBatchSize.Observe(float64(batchSize))
	writerFlushSeconds.Observe(seconds)
}

// ObserveFlushError counts one failed flush attempt.
func ObserveFlushError() {
	writerFlushErrorsTotal.Inc()
}

// ObserveHTTPRequest records one status server request.
func ObserveHTTPRequest(method, route string, status int, seconds float64) {
	httpRequestSeconds.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Observe(seconds)
}

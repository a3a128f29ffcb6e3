// Package metrics exposes Prometheus collectors for the harvester service.
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
	scrapersTotal              *prometheus.CounterVec
	rowsProcessedTotal         *prometheus.CounterVec
	fetchRequestsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	outputTabsTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scrapers_total",
				Help: "Total number of scraper runs, labeled by scraper and status.",
			},
			[]string{"scraper", "status"},
		)

		rowsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_rows_processed_total",
				Help: "Total number of input rows processed, labeled by scraper.",
			},
			[]string{"scraper"},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_requests_total",
				Help: "Total number of source fetches, labeled by format and status.",
			},
			[]string{"format", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of source fetch latencies, labeled by format.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"format"},
		)

		outputTabsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_output_tabs_total",
				Help: "Total number of tabs written, labeled by sink.",
			},
			[]string{"sink"},
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

// ScraperRun increments the scraper counter for the given status, one of
// "ok", "fallback" or "error".
func ScraperRun(scraper, status string) {
	if scrapersTotal == nil {
		return
	}
	scrapersTotal.WithLabelValues(scraper, status).Inc()
}

// AddRowsProcessed adds to the processed row counter.
func AddRowsProcessed(scraper string, rows int) {
	if rowsProcessedTotal == nil || rows <= 0 {
		return
	}
	rowsProcessedTotal.WithLabelValues(scraper).Add(float64(rows))
}

// ObserveFetch records one source fetch.
func ObserveFetch(format, status string, duration time.Duration) {
	if fetchRequestsTotal == nil {
		return
	}
	fetchRequestsTotal.WithLabelValues(format, status).Inc()
	fetchDurationSeconds.WithLabelValues(format).Observe(duration.Seconds())
}

// ObserveTabWrite increments the output tab counter for a sink.
func ObserveTabWrite(sink string) {
	if outputTabsTotal == nil {
		return
	}
	outputTabsTotal.WithLabelValues(sink).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the harvester and its tools.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	backoffsTotal              *prometheus.CounterVec
	advertisementsTotal        *prometheus.CounterVec
	analyzedTotal              *prometheus.CounterVec
	exportedTotal              *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of portal requests, labeled by portal and status class.",
			},
			[]string{"portal", "status_class"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by portal.",
			},
			[]string{"portal"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"portal"},
		)

		backoffsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_backoffs_total",
				Help: "Number of times a portal entered backoff after a server error.",
			},
			[]string{"portal"},
		)

		advertisementsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_advertisements_total",
				Help: "Detail URLs handled, labeled by portal and outcome.",
			},
			[]string{"portal", "outcome"},
		)

		analyzedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_advertisements_total",
				Help: "Advertisements evaluated by the keyword analyzer, labeled by result.",
			},
			[]string{"result"},
		)

		exportedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exporter_documents_total",
				Help: "Documents materialized by the exporter, labeled by format.",
			},
			[]string{"format"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one portal request.
func ObserveFetch(portal string, statusClass string, bytesFetched int) {
	Init()
	fetchesTotal.WithLabelValues(portal, statusClass).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(portal).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(portal string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(portal).Observe(duration.Seconds())
}

// ObserveBackoff counts a portal entering backoff.
func ObserveBackoff(portal string) {
	Init()
	backoffsTotal.WithLabelValues(portal).Inc()
}

// ObserveAdvertisement counts the outcome for one detail URL.
func ObserveAdvertisement(portal, outcome string) {
	Init()
	advertisementsTotal.WithLabelValues(portal, outcome).Inc()
}

// ObserveAnalysis counts one analyzed advertisement.
func ObserveAnalysis(matched bool) {
	Init()
	result := "unmatched"
	if matched {
		result = "matched"
	}
	analyzedTotal.WithLabelValues(result).Inc()
}

// ObserveExport counts one exported document.
func ObserveExport(format string) {
	Init()
	exportedTotal.WithLabelValues(strings.ToLower(format)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes process-wide Prometheus collectors for the status
// API and the outbound backend client.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	backendRequestsTotal       *prometheus.CounterVec
	backendRequestDuration     *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		backendRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_requests_total",
				Help: "Requests sent to the conversion backend, labeled by operation and code.",
			},
			[]string{"operation", "code"},
		)

		backendRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_request_duration_seconds",
				Help:    "Latency of conversion backend requests, labeled by operation.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
			},
			[]string{"operation"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") && !strings.HasPrefix(rawURL, "ws") {
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBackendRequest records one call to the conversion backend. A code of
// zero means the request failed before a response arrived.
func ObserveBackendRequest(operation string, code int, duration time.Duration) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	backendRequestsTotal.WithLabelValues(operation, label).Inc()
	backendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

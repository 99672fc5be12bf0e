package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// apiMetrics holds the API collectors on a private registry exported via /metrics.
type apiMetrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	submissions      *prometheus.CounterVec
	publishFailures  prometheus.Counter
	statusTimeouts   prometheus.Counter
	progressSessions prometheus.Gauge
}

func newAPIMetrics() *apiMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &apiMetrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_api_http_requests_total",
			Help: "HTTP requests handled by the API.",
		}, []string{"route", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swot_api_http_request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_api_job_submissions_total",
			Help: "Accepted job submissions.",
		}, []string{"job_type"}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "swot_api_kafka_publish_failures_total",
			Help: "Job envelopes that could not be published.",
		}),
		statusTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "swot_api_status_request_timeouts_total",
			Help: "Status requests without a worker reply in time.",
		}),
		progressSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "swot_api_progress_sessions",
			Help: "Open progress WebSocket sessions.",
		}),
	}
}

func (m *apiMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code of a handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency for one route.
func (a *app) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		a.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		a.metrics.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

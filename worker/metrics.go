package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job attempt outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

// workerMetrics holds the worker's collectors on a private registry exported via /metrics.
type workerMetrics struct {
	registry       *prometheus.Registry
	attempts       *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	dropped        *prometheus.CounterVec
	fetchErrors    prometheus.Counter
	redeliveries   prometheus.Counter
	files          *prometheus.CounterVec
	datapoints     *prometheus.CounterVec
	containers     *prometheus.CounterVec
	grpcRequests   *prometheus.CounterVec
	rabbitRequests prometheus.Counter
	shutdowns      prometheus.Counter
}

func newWorkerMetrics() *workerMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &workerMetrics{
		registry: reg,
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_worker_job_attempts_total",
			Help: "Total worker job processing attempts.",
		}, []string{"job_type"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_worker_job_outcomes_total",
			Help: "Worker job attempts by outcome: completed, failed (retryable) or rejected (permanent).",
		}, []string{"job_type", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swot_worker_job_duration_seconds",
			Help:    "Worker job attempt duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job_type"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "swot_worker_jobs_in_flight",
			Help: "Current in-flight worker jobs.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_worker_job_dropped_total",
			Help: "Worker messages dropped before processing.",
		}, []string{"reason"}),
		fetchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "swot_worker_kafka_fetch_errors_total",
			Help: "Kafka fetch-loop errors observed by the worker.",
		}),
		redeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "swot_worker_message_redeliveries_total",
			Help: "Messages processed again after a retryable failure.",
		}),
		files: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_worker_files_total",
			Help: "Uploaded files read by standardize jobs.",
		}, []string{"result"}),
		datapoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_worker_datapoints_total",
			Help: "Datapoints handled per pipeline stage.",
		}, []string{"stage"}),
		containers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_worker_analysis_containers_total",
			Help: "Analysis container launches.",
		}, []string{"method", "result"}),
		grpcRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swot_worker_grpc_requests_total",
			Help: "Worker status gRPC requests.",
		}, []string{"method"}),
		rabbitRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "swot_worker_rabbit_progress_requests_total",
			Help: "RabbitMQ progress requests handled by the worker.",
		}),
		shutdowns: f.NewCounter(prometheus.CounterOpts{
			Name: "swot_worker_graceful_shutdown_requests_total",
			Help: "Graceful shutdown requests received.",
		}),
	}
}

// startAttempt records an accepted attempt and returns the func that records its outcome.
func (m *workerMetrics) startAttempt(jobType string) func(outcome string) {
	start := time.Now()
	m.attempts.WithLabelValues(jobType).Inc()
	m.inFlight.Inc()
	return func(outcome string) {
		m.inFlight.Dec()
		m.outcomes.WithLabelValues(jobType, outcome).Inc()
		m.duration.WithLabelValues(jobType).Observe(time.Since(start).Seconds())
	}
}

// metricsMux serves /metrics and a liveness probe.
func (w *worker) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(w.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rw.Write([]byte("ok\n"))
	})
	return mux
}

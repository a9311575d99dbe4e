package ledgerd

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service counters on a private registry so tests can
// run several servers side by side without duplicate registration panics.
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	operations    *prometheus.CounterVec
	commitLatency prometheus.Histogram
}

// NewMetrics builds the ledgerd metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the ledger service.",
	}, []string{"route", "method", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerd",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "operations_total",
		Help:      "Ledger operations settled, labelled by outcome.",
	}, []string{"operation", "outcome"})
	commitLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgerd",
		Name:      "commit_duration_seconds",
		Help:      "Time from submission to durable commit.",
		Buckets:   prometheus.DefBuckets,
	})
	registry.MustRegister(requests, latency, operations, commitLatency)
	return &Metrics{
		registry:      registry,
		requests:      requests,
		latency:       latency,
		operations:    operations,
		commitLatency: commitLatency,
	}
}

// Middleware records request totals and durations for the wrapped route.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			m.latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// ObserveOperation records a settled ledger operation and its commit latency.
func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(operation, outcome).Inc()
	if outcome == "committed" {
		m.commitLatency.Observe(elapsed.Seconds())
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

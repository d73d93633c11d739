// Package metrics exposes limiter, upstream and HTTP metrics to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/retry"
)

// Metrics holds the collectors. Keys name upstream APIs, so the key label
// stays low-cardinality.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	granted     *prometheus.CounterVec
	available   *prometheus.GaugeVec
	limit       *prometheus.GaugeVec
	burst       *prometheus.GaugeVec
	storeErrors *prometheus.CounterVec
	retries     *prometheus.CounterVec
	rejected    *prometheus.CounterVec

	reqCounter  *prometheus.CounterVec
	reqDuration *prometheus.HistogramVec
}

// New creates Metrics registered on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafence_acquire_total",
				Help: "Acquire decisions by key and result (granted|denied)",
			},
			[]string{"key", "result"},
		),
		granted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafence_tokens_granted_total",
				Help: "Tokens handed out per key",
			},
			[]string{"key"},
		),
		available: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotafence_bucket_tokens",
				Help: "Tokens in the bucket at its last observation",
			},
			[]string{"key"},
		),
		limit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotafence_bucket_limit_per_second",
				Help: "Refill rate of the bucket in tokens per second",
			},
			[]string{"key"},
		),
		burst: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotafence_bucket_burst",
				Help: "Capacity of the bucket",
			},
			[]string{"key"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafence_store_errors_total",
				Help: "Failed bucket store operations",
			},
			[]string{"key", "op"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafence_upstream_retries_total",
				Help: "Upstream call retries by cause (status code or timeout)",
			},
			[]string{"cause"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafence_admission_rejected_total",
				Help: "Requests answered 429 by the admission middleware",
			},
			[]string{"key"},
		),
		reqCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotafence_http_requests_total",
				Help: "Total number of HTTP requests handled by quotafence",
			},
			[]string{"method", "route", "status"},
		),
		reqDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotafence_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.granted, m.available, m.limit, m.burst,
		m.storeErrors, m.retries, m.rejected,
		m.reqCounter, m.reqDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the prometheus HTTP handler to mount at /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision implements limiter.Recorder.
func (m *Metrics) ObserveDecision(key string, granted bool, tokens int64) {
	if granted {
		m.decisions.WithLabelValues(key, "granted").Inc()
		m.granted.WithLabelValues(key).Add(float64(tokens))
		return
	}
	m.decisions.WithLabelValues(key, "denied").Inc()
}

// ObserveState implements limiter.Recorder.
func (m *Metrics) ObserveState(s core.BucketState) {
	m.available.WithLabelValues(s.Key).Set(s.Tokens)
	m.limit.WithLabelValues(s.Key).Set(s.Limit)
	m.burst.WithLabelValues(s.Key).Set(float64(s.Burst))
}

// ObserveStoreError implements limiter.Recorder.
func (m *Metrics) ObserveStoreError(key, op string) {
	m.storeErrors.WithLabelValues(key, op).Inc()
}

// ObserveRetry has the signature of retry.OnRetry.
func (m *Metrics) ObserveRetry(_ int, _ time.Duration, err error) {
	cause := "other"
	var se *retry.StatusError
	switch {
	case errors.Is(err, retry.ErrTimeout):
		cause = "timeout"
	case errors.As(err, &se):
		cause = strconv.Itoa(se.StatusCode)
	}
	m.retries.WithLabelValues(cause).Inc()
}

// IncRejected should be called by the admission middleware when it answers 429
func (m *Metrics) IncRejected(key string) {
	m.rejected.WithLabelValues(key).Inc()
}

// routeLabelForRequest returns a stable, low-cardinality route label.
// It prefers the chi route pattern (e.g. "/v1/buckets/{key}") when present,
// otherwise falls back to the actual URL path.
func routeLabelForRequest(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// Middleware instruments requests: counts and measures duration.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabelForRequest(r)
		m.reqCounter.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.reqDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the status code written by the next handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

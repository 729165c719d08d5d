// Package metrics holds the Prometheus collectors for the dispatch server.
// All recording methods are safe on a nil *Metrics so components can be
// built without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagepod"

// Wait outcomes.
const (
	WaitNotified    = "notified"
	WaitTimeout     = "timeout"
	WaitCancelled   = "cancelled"
	WaitUnavailable = "unavailable"
)

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	notifications    *prometheus.CounterVec
	waits            *prometheus.CounterVec
	waiters          prometheus.Gauge
	jobsSubmitted    prometheus.Counter
	jobTransitions   *prometheus.CounterVec
	pollJobsReturned prometheus.Histogram
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests handled, by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency, including long-poll waits",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"method", "route"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Executor wake-up notifications sent, by transport",
			},
			[]string{"backend"},
		),
		waits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_waits_total",
				Help:      "Completed long-poll waits, by outcome",
			},
			[]string{"outcome"},
		),
		waiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_waiters",
				Help:      "Long-poll requests currently blocked on a notification",
			},
		),
		jobsSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Jobs created through the dispatch gateway",
			},
		),
		jobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_transitions_total",
				Help:      "Job status changes applied, by resulting status",
			},
			[]string{"status"},
		),
		pollJobsReturned: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_jobs_returned",
				Help:      "Number of queued jobs returned per executor poll",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.notifications,
		m.waits,
		m.waiters,
		m.jobsSubmitted,
		m.jobTransitions,
		m.pollJobsReturned,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) NotificationSent(backend string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(backend).Inc()
}

// WaitStarted increments the waiter gauge and returns a func that records
// the outcome and decrements it again.
func (m *Metrics) WaitStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.waiters.Inc()
	return func(outcome string) {
		m.waiters.Dec()
		m.waits.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) WaitSkipped() {
	if m == nil {
		return
	}
	m.waits.WithLabelValues(WaitUnavailable).Inc()
}

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

func (m *Metrics) JobTransition(status string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) PollReturned(jobs int) {
	if m == nil {
		return
	}
	m.pollJobsReturned.Observe(float64(jobs))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency labelled by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

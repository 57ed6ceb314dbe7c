// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the Redis proxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "redis_proxy"

// Session statuses used as the status label of SessionsTotal.
const (
	StatusRelayed      = "relayed"
	StatusUnreachable  = "unreachable"
	StatusAuthRejected = "auth_rejected"
	StatusRejected     = "rejected"
	StatusError        = "error"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	BytesRelayed    *prometheus.CounterVec

	// Upstream metrics
	AuthAttempts   prometheus.Counter
	AuthFailures   prometheus.Counter
	UpstreamErrors *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Rate limiter metrics
	RateLimitedConnections *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive prometheus.Gauge
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a new Metrics instance and registers it with reg. A nil reg
// registers with the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions currently open",
			},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of finished sessions by outcome",
			},
			[]string{"status"},
		),
		SessionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
		),
		BytesRelayed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_relayed_total",
				Help:      "Total number of bytes relayed",
			},
			[]string{"direction"},
		),
		AuthAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of upstream AUTH exchanges",
			},
		),
		AuthFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of upstream AUTH exchanges that were rejected",
			},
		),
		UpstreamErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream errors",
			},
			[]string{"error_type"},
		),
		CircuitBreakerState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
		),
		RateLimitedConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connections refused by a rate limiter",
			},
			[]string{"limiter_type"},
		),
		GoroutinesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of goroutines",
			},
		),
		MemoryAllocated: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// SessionStarted marks a session as open.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionFinished records the outcome of a session previously passed to
// SessionStarted.
func (m *Metrics) SessionFinished(status string, duration time.Duration, outbound, inbound int64) {
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
	if outbound > 0 {
		m.BytesRelayed.WithLabelValues("outbound").Add(float64(outbound))
	}
	if inbound > 0 {
		m.BytesRelayed.WithLabelValues("inbound").Add(float64(inbound))
	}
}

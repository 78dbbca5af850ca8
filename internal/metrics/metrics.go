// Package metrics exposes the proxy's Prometheus instrumentation,
// grounded on the teacher's internal/metrics package-level promauto
// pattern (budget.go, deployment.go), generalized to the proxy's own
// namespace and label schema.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keyrelay"

var (
	// RequestsTotal counts client requests by final outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total client requests handled, by outcome.",
		},
		[]string{"outcome", "status"},
	)

	// RequestDurationSeconds observes end-to-end request latency.
	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end client request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// AttemptsTotal counts upstream attempts by error type.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Total upstream attempts, by error type (empty for success).",
		},
		[]string{"error_type", "model"},
	)

	// Upstream429Total counts 429s observed from upstream.
	Upstream429Total = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_429_total",
			Help:      "Total 429 responses observed from upstream, by scope.",
		},
		[]string{"scope"},
	)

	// BreakerState reports each credential's circuit breaker state in
	// severity order (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credential_breaker_state",
			Help:      "Circuit breaker state per credential (0=closed, 1=half-open, 2=open).",
		},
		[]string{"credential_id"},
	)

	// QueueDepth reports the current request queue length.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of requests waiting in the credential queue.",
		},
	)

	// InFlight reports the current global in-flight request count.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of client requests being served.",
		},
	)

	// CooldownActive reports pool/model/credential cooldowns currently
	// active, by scope.
	CooldownActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooldown_active",
			Help:      "Whether a cooldown is currently active, by scope (pool|model|credential).",
		},
		[]string{"scope", "id"},
	)

	// AdmissionHoldsTotal counts admission holds, by outcome.
	AdmissionHoldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_holds_total",
			Help:      "Total admission holds, by outcome (success|timeout).",
		},
		[]string{"outcome"},
	)

	// ConnectionRebuildsTotal counts connection-pool rebuilds.
	ConnectionRebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_rebuilds_total",
			Help:      "Total connection-pool rebuilds triggered by the health monitor.",
		},
	)

	// ShadowDecisionsTotal counts model-router decisions made in shadow
	// mode.
	ShadowDecisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_shadow_decisions_total",
			Help:      "Total routing decisions computed while the router is in shadow mode.",
		},
	)

	// DriftEventsTotal counts router/pool availability disagreements.
	DriftEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_drift_events_total",
			Help:      "Total disagreements between the router's and pool's availability view.",
		},
	)
)

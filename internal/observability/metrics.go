// Package observability provides the process-wide metrics registry and
// structured logger construction.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central Prometheus metric set for the server.
//
// Usage:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.AuditEvents.WithLabelValues("pre_tool_use").Inc()
type Metrics struct {
	// AuditEvents counts audit events by event type.
	AuditEvents *prometheus.CounterVec

	// ToolsBlocked counts pre-execution policy blocks by tool name.
	ToolsBlocked *prometheus.CounterVec

	// JobsProcessed counts jobs reaching a terminal state.
	// Labels: type, state (succeeded|failed|cancelled)
	JobsProcessed *prometheus.CounterVec

	// JobsRunning is the number of jobs currently claimed by workers.
	JobsRunning prometheus.Gauge

	// ActiveSessions is the number of live session actors.
	ActiveSessions prometheus.Gauge

	// MessageDuration measures one full ProcessMessage round trip.
	// Buckets cover a slow LLM upstream, up to the response timeout.
	MessageDuration prometheus.Histogram

	// TokensUsed counts tokens by kind (input|output|cache_creation|cache_read).
	TokensUsed *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set on reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		AuditEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidmind_audit_events_total",
				Help: "Total audit events logged by event type",
			},
			[]string{"event_type"},
		),
		ToolsBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidmind_tools_blocked_total",
				Help: "Tool invocations denied by the pre-execution policy",
			},
			[]string{"tool_name"},
		),
		JobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidmind_jobs_processed_total",
				Help: "Background jobs reaching a terminal state",
			},
			[]string{"type", "state"},
		),
		JobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vidmind_jobs_running",
				Help: "Background jobs currently claimed by a worker",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vidmind_active_sessions",
				Help: "Live session actors in the registry",
			},
		),
		MessageDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vidmind_message_duration_seconds",
				Help:    "Duration of one full session message round trip",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidmind_tokens_total",
				Help: "Tokens consumed by kind",
			},
			[]string{"kind"},
		),
	}
}

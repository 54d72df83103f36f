// Package metrics exposes Prometheus collectors for the runtime. All
// collectors register on the default registry; mount
// promhttp.Handler() at /metrics to scrape them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
)

// Metrics is the central collector set, created once at startup.
type Metrics struct {
	// EventsDispatched counts events leaving the dispatcher.
	// Labels: kind, delivered (true|false)
	EventsDispatched *prometheus.CounterVec

	// ActiveSessions tracks sessions currently running or waiting for input.
	ActiveSessions prometheus.Gauge

	// Connections tracks open WebSocket connections.
	Connections prometheus.Gauge

	// EventAppendDuration measures one event-log append in seconds.
	// Buckets: 1ms .. 5s
	EventAppendDuration prometheus.Histogram

	// LLMCallDuration measures LLM call latency in seconds.
	// Labels: model
	// Buckets: 100ms .. 120s
	LLMCallDuration *prometheus.HistogramVec

	// LLMTokens counts token consumption.
	// Labels: model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// PendingInputs tracks input/UI-tool requests awaiting a client reply.
	PendingInputs prometheus.Gauge

	// ResumeReplays counts resume handshakes by outcome.
	// Labels: outcome (replayed|empty|failed)
	ResumeReplays *prometheus.CounterVec
}

// New creates and registers all collectors on the default registry.
// Call once per process; a second call panics on duplicate registration.
func New() *Metrics {
	return &Metrics{
		EventsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mozaiks_events_dispatched_total",
				Help: "Events routed by the dispatcher, by kind and delivery verdict.",
			},
			[]string{"kind", "delivered"},
		),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mozaiks_active_sessions",
			Help: "Sessions currently running or waiting for input.",
		}),
		Connections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mozaiks_ws_connections",
			Help: "Open WebSocket connections.",
		}),
		EventAppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mozaiks_event_append_seconds",
			Help:    "Event log append latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		LLMCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mozaiks_llm_call_seconds",
				Help:    "LLM call latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),
		LLMTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mozaiks_llm_tokens_total",
				Help: "Token consumption by model and type.",
			},
			[]string{"model", "type"},
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mozaiks_tool_executions_total",
				Help: "Tool invocations by name and status.",
			},
			[]string{"tool_name", "status"},
		),
		PendingInputs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mozaiks_pending_inputs",
			Help: "Input and UI-tool requests awaiting a client reply.",
		}),
		ResumeReplays: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mozaiks_resume_replays_total",
				Help: "Resume handshakes by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// Observer adapts Metrics to the dispatcher's observability sink.
func (m *Metrics) Observer() events.Observer {
	return observerFunc(func(_, _ string, e events.Event, delivered bool) {
		verdict := "false"
		if delivered {
			verdict = "true"
		}
		m.EventsDispatched.WithLabelValues(string(e.Kind()), verdict).Inc()
	})
}

type observerFunc func(tenantID, chatID string, e events.Event, delivered bool)

func (f observerFunc) Observe(tenantID, chatID string, e events.Event, delivered bool) {
	f(tenantID, chatID, e, delivered)
}

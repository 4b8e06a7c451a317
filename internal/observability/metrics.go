package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects brain-side Prometheus metrics: chat turns, router calls,
// tool executions, dispatched jobs, and transfer state changes. Exposed at
// /metrics by the HTTP server.
type Metrics struct {
	// ChatTurns counts completed chat turns.
	// Labels: channel, status (ok|error)
	ChatTurns *prometheus.CounterVec

	// RouterCalls counts model router calls.
	// Labels: provider, model, status (success|error|breaker_open)
	RouterCalls *prometheus.CounterVec

	// RouterDuration measures router call latency in seconds.
	// Labels: provider, model
	RouterDuration *prometheus.HistogramVec

	// RouterTokens tracks token usage.
	// Labels: provider, model, type (input|output)
	RouterTokens *prometheus.CounterVec

	// ToolExecutions counts unified-registry tool calls.
	// Labels: tool, owner (skill|plugin), status (success|error)
	ToolExecutions *prometheus.CounterVec

	// JobsDispatched counts dispatched jobs by type.
	JobsDispatched *prometheus.CounterVec

	// JobStatus counts job status transitions observed by the tracker.
	// Labels: status
	JobStatus *prometheus.CounterVec

	// ObserverRuns counts observer/reflector passes.
	// Labels: pass (observer|reflector), status (ok|cas_lost|error)
	ObserverRuns *prometheus.CounterVec

	// BrainState is 1 for the current state, 0 otherwise.
	// Labels: state
	BrainState *prometheus.GaugeVec

	// InFlightTurns tracks agent turns currently executing.
	InFlightTurns prometheus.Gauge
}

// NewMetrics registers all metrics with reg (default registry when nil).
// Call once at startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChatTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerst_chat_turns_total",
			Help: "Completed chat turns by channel and status",
		}, []string{"channel", "status"}),

		RouterCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerst_router_calls_total",
			Help: "Model router calls by provider, model, and status",
		}, []string{"provider", "model", "status"}),

		RouterDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakerst_router_call_duration_seconds",
			Help:    "Model router call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		RouterTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerst_router_tokens_total",
			Help: "Token usage by provider, model, and type",
		}, []string{"provider", "model", "type"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerst_tool_executions_total",
			Help: "Unified registry tool executions",
		}, []string{"tool", "owner", "status"}),

		JobsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerst_jobs_dispatched_total",
			Help: "Jobs published to the dispatch stream by type",
		}, []string{"type"}),

		JobStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerst_job_status_total",
			Help: "Job status transitions applied by the status tracker",
		}, []string{"status"}),

		ObserverRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bakerst_observer_runs_total",
			Help: "Observer and reflector passes by outcome",
		}, []string{"pass", "status"}),

		BrainState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bakerst_brain_state",
			Help: "Current brain lifecycle state (1 = active state)",
		}, []string{"state"}),

		InFlightTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bakerst_inflight_turns",
			Help: "Agent turns currently executing",
		}),
	}
}

// RecordRouterCall records a single router call outcome.
func (m *Metrics) RecordRouterCall(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.RouterCalls.WithLabelValues(provider, model, status).Inc()
	m.RouterDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.RouterTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.RouterTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// SetBrainState flips the state gauge so exactly one state reads 1.
func (m *Metrics) SetBrainState(state string) {
	for _, s := range []string{"pending", "active", "draining", "shutdown"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.BrainState.WithLabelValues(s).Set(v)
	}
}

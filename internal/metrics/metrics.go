// Package metrics exposes Prometheus instrumentation for the agent loop.
//
// A nil *Metrics is valid and records nothing, so components take one as an
// optional dependency.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	limiter := ratelimit.New(cfg, ratelimit.WithMetrics(m))
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered by New.
type Metrics struct {
	// ThrottleCounter counts limiter waits.
	// Labels: class (input|output|combined|requests|observed)
	ThrottleCounter *prometheus.CounterVec

	// ThrottleDelay measures computed limiter waits in seconds.
	ThrottleDelay prometheus.Histogram

	// ExhaustedCounter counts reservations that gave up.
	ExhaustedCounter prometheus.Counter

	// TokensRecorded counts tokens recorded in the window.
	// Labels: type (input|output)
	TokensRecorded *prometheus.CounterVec

	// ToolExecutionCounter counts tool calls by outcome.
	// Labels: tool_name, status (success|validation|execution|timeout|unknown_tool)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ParseFailures counts tool calls whose arguments could not be parsed.
	ParseFailures prometheus.Counter

	// TurnCounter counts model turns by outcome.
	// Labels: status (tools|done|failed)
	TurnCounter *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
// A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ThrottleCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_ratelimit_throttles_total",
				Help: "Number of rate limiter waits by limiting class",
			},
			[]string{"class"},
		),

		ThrottleDelay: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentloop_ratelimit_delay_seconds",
				Help:    "Computed rate limiter delays in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		ExhaustedCounter: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agentloop_ratelimit_exhausted_total",
				Help: "Number of reservations that exceeded the retry ceiling",
			},
		),

		TokensRecorded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_tokens_total",
				Help: "Tokens recorded in the rate limiter window by type",
			},
			[]string{"type"},
		),

		ToolExecutionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_tool_executions_total",
				Help: "Number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool_name"},
		),

		ParseFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agentloop_toolcall_parse_failures_total",
				Help: "Number of tool calls whose arguments could not be parsed",
			},
		),

		TurnCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_turns_total",
				Help: "Number of model turns by outcome",
			},
			[]string{"status"},
		),

		gatherer: reg,
	}
}

// Throttled records one limiter wait for class.
func (m *Metrics) Throttled(class string, delay time.Duration) {
	if m == nil {
		return
	}
	m.ThrottleCounter.WithLabelValues(class).Inc()
	m.ThrottleDelay.Observe(delay.Seconds())
}

// Exhausted records a reservation that gave up.
func (m *Metrics) Exhausted() {
	if m == nil {
		return
	}
	m.ExhaustedCounter.Inc()
}

// TokensUsed records usage appended to the window.
func (m *Metrics) TokensUsed(input, output int) {
	if m == nil {
		return
	}
	m.TokensRecorded.WithLabelValues("input").Add(float64(input))
	m.TokensRecorded.WithLabelValues("output").Add(float64(output))
}

// ToolExecuted records one tool execution.
func (m *Metrics) ToolExecuted(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ParseFailed records an unparseable tool call.
func (m *Metrics) ParseFailed() {
	if m == nil {
		return
	}
	m.ParseFailures.Inc()
}

// Turn records the outcome of one model turn.
func (m *Metrics) Turn(status string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine-level Prometheus metrics:
//   - events processed per type and terminal status
//   - event processing latency
//   - LLM request performance and token consumption
//   - tool execution counts and latencies
//   - errors by component
type Metrics struct {
	// EventCounter counts processed queue events.
	// Labels: type (MESSAGE|TOOL_CALL|TOOL_RESULT|SYSTEM), status (completed|failed)
	EventCounter *prometheus.CounterVec

	// EventDuration measures end-to-end event processing time in seconds.
	// Labels: type
	EventDuration *prometheus.HistogramVec

	// QueueDepth tracks pending events per thread at claim time.
	QueueDepth prometheus.Histogram

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (engine|store|queue|llm|tool), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in main; tests pass a fresh
// registry so parallel tests don't collide on registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_total",
				Help: "Total queue events processed by type and terminal status",
			},
			[]string{"type", "status"},
		),
		EventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_event_duration_seconds",
				Help:    "Duration of event processing in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"type"},
		),
		QueueDepth: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_queue_depth",
				Help:    "Pending events for a thread observed at claim time",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordEvent records a processed event's terminal status and duration.
func (m *Metrics) RecordEvent(eventType, status string, durationSeconds float64) {
	m.EventCounter.WithLabelValues(eventType, status).Inc()
	m.EventDuration.WithLabelValues(eventType).Observe(durationSeconds)
}

// RecordLLMRequest records an LLM request outcome.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records a tool execution outcome.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

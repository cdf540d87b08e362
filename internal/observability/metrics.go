package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the bot's Prometheus series.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("slack_fetch_messages", "success", elapsed.Seconds())
type Metrics struct {
	// MentionCounter counts inbound mentions by outcome.
	// Labels: outcome (replied|skipped|rejected|failed)
	MentionCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|timeout|cancelled|invalid_input)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and category.
	// Labels: component (agent|context|tool|session|ratelimit), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is the number of in-flight request cycles.
	ActiveSessions prometheus.Gauge

	// CycleDuration measures a full mention cycle in seconds.
	// Labels: status (completed|error)
	CycleDuration *prometheus.HistogramVec

	// RateLimitWait measures time spent blocked in the limiter.
	// Labels: key
	RateLimitWait *prometheus.HistogramVec

	// CircuitOpened counts circuit openings per operation key.
	// Labels: key, reason (throttled|failures)
	CircuitOpened *prometheus.CounterVec

	// ContextMessages observes how many messages a ThreadContext retained.
	ContextMessages prometheus.Histogram

	// RegistryReloads counts tool registry reload attempts.
	// Labels: status (success|error)
	RegistryReloads *prometheus.CounterVec
}

// NewMetrics creates and registers all series with reg. A nil reg uses the
// Prometheus default registerer; tests pass prometheus.NewRegistry() so
// repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MentionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meowth_mentions_total",
				Help: "Total number of bot mentions by outcome",
			},
			[]string{"outcome"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meowth_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meowth_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meowth_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meowth_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meowth_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meowth_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meowth_active_sessions",
				Help: "Current number of in-flight request cycles",
			},
		),

		CycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meowth_cycle_duration_seconds",
				Help:    "Duration of full mention cycles in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"status"},
		),

		RateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meowth_ratelimit_wait_seconds",
				Help:    "Time callers spent waiting for a rate limit permit",
				Buckets: []float64{0, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"key"},
		),

		CircuitOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meowth_ratelimit_circuit_open_total",
				Help: "Number of times a rate limit circuit was opened",
			},
			[]string{"key", "reason"},
		),

		ContextMessages: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meowth_context_messages",
				Help:    "Number of messages retained in a thread context",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 75, 100},
			},
		),

		RegistryReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meowth_tool_registry_reloads_total",
				Help: "Tool registry reload attempts by status",
			},
			[]string{"status"},
		),
	}
}

// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.

// RecordMention counts a mention outcome.
func (m *Metrics) RecordMention(outcome string) {
	if m == nil {
		return
	}
	m.MentionCounter.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
//
// Example:
//
//	metrics.RecordError("context", "context_fetch")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge and records the cycle duration.
func (m *Metrics) SessionEnded(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.CycleDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordRateLimitWait observes a limiter wait.
func (m *Metrics) RecordRateLimitWait(key string, seconds float64) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(key).Observe(seconds)
}

// RecordCircuitOpen counts a circuit opening.
func (m *Metrics) RecordCircuitOpen(key, reason string) {
	if m == nil {
		return
	}
	m.CircuitOpened.WithLabelValues(key, reason).Inc()
}

// RecordContextSize observes the retained message count of a context.
func (m *Metrics) RecordContextSize(messages int) {
	if m == nil {
		return
	}
	m.ContextMessages.Observe(float64(messages))
}

// RecordReload counts a registry reload attempt.
func (m *Metrics) RecordReload(status string) {
	if m == nil {
		return
	}
	m.RegistryReloads.WithLabelValues(status).Inc()
}

// Package telemetry collects workflow metrics and trace spans.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the orchestrator. All
// instruments register against a dedicated registry so tests can create
// independent instances without collisions.
type Metrics struct {
	registry *prometheus.Registry

	// WorkflowsStarted counts workflow starts.
	// Labels: workflow_type
	WorkflowsStarted *prometheus.CounterVec

	// WorkflowsCompleted counts terminal workflow outcomes.
	// Labels: workflow_type, outcome (completed|failed|cancelled)
	WorkflowsCompleted *prometheus.CounterVec

	// PhaseDuration measures wall time spent in each phase in seconds.
	// Labels: phase
	PhaseDuration *prometheus.HistogramVec

	// ReviewIterations observes how many review loop passes a workflow
	// needed before exiting.
	ReviewIterations prometheus.Histogram

	// DeployAttempts observes deployment attempts per workflow.
	DeployAttempts prometheus.Histogram

	// HandoffsTotal counts context handoffs by agent role.
	HandoffsTotal *prometheus.CounterVec

	// AgentTokensUsed accumulates token consumption.
	// Labels: role, type (input|output|cached)
	AgentTokensUsed *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// TaskTimeouts counts inter-agent tasks that hit the deadline.
	// Labels: to_role
	TaskTimeouts *prometheus.CounterVec

	// BreakerState reports circuit breaker state per dependency.
	// 0 = closed, 1 = half-open, 2 = open. Labels: name
	BreakerState *prometheus.GaugeVec

	// ActiveWorkflows gauges workflows currently in progress on this pod.
	ActiveWorkflows prometheus.Gauge

	// NotificationChunks counts outbound message chunks by kind.
	NotificationChunks *prometheus.CounterVec
}

// NewMetrics creates the instruments on a fresh registry, including the
// standard Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		WorkflowsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildhive_workflows_started_total",
				Help: "Total number of workflows started by type",
			},
			[]string{"workflow_type"},
		),

		WorkflowsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildhive_workflows_completed_total",
				Help: "Total number of workflows reaching a terminal state",
			},
			[]string{"workflow_type", "outcome"},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buildhive_phase_duration_seconds",
				Help:    "Wall time spent in each workflow phase",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"phase"},
		),

		ReviewIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "buildhive_review_iterations",
				Help:    "Review loop passes before the quality gate released",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			},
		),

		DeployAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "buildhive_deploy_attempts",
				Help:    "Deployment attempts per workflow",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			},
		),

		HandoffsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildhive_handoffs_total",
				Help: "Total number of agent context handoffs by role",
			},
			[]string{"role"},
		),

		AgentTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildhive_agent_tokens_total",
				Help: "Total tokens consumed by agent role and type",
			},
			[]string{"role", "type"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "buildhive_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		TaskTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildhive_task_timeouts_total",
				Help: "Inter-agent tasks that exceeded their deadline",
			},
			[]string{"to_role"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buildhive_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),

		ActiveWorkflows: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "buildhive_active_workflows",
				Help: "Workflows currently in progress on this pod",
			},
		),

		NotificationChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildhive_notification_chunks_total",
				Help: "Outbound notification chunks by message kind",
			},
			[]string{"kind"},
		),
	}
}

// Registry exposes the underlying registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTokens adds a usage sample for an agent role.
func (m *Metrics) RecordTokens(role string, input, output, cached int64) {
	if input > 0 {
		m.AgentTokensUsed.WithLabelValues(role, "input").Add(float64(input))
	}
	if output > 0 {
		m.AgentTokensUsed.WithLabelValues(role, "output").Add(float64(output))
	}
	if cached > 0 {
		m.AgentTokensUsed.WithLabelValues(role, "cached").Add(float64(cached))
	}
}

// RecordWorkflowOutcome counts a terminal state and clears the active gauge.
func (m *Metrics) RecordWorkflowOutcome(workflowType, outcome string) {
	m.WorkflowsCompleted.WithLabelValues(workflowType, outcome).Inc()
	m.ActiveWorkflows.Dec()
}

// ObserveBreaker maps a circuit breaker state onto its gauge.
func (m *Metrics) ObserveBreaker(name, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

// RecordWorkflowStart counts a start and bumps the active gauge.
func (m *Metrics) RecordWorkflowStart(workflowType string) {
	m.WorkflowsStarted.WithLabelValues(workflowType).Inc()
	m.ActiveWorkflows.Inc()
}

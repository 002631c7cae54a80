package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	a := NewMetrics()
	b := NewMetrics()
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordWorkflowStart("full_build")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveWorkflows))

	m.RecordWorkflowOutcome("full_build", "completed")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveWorkflows))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.WorkflowsCompleted.WithLabelValues("full_build", "completed")))
}

func TestRecordTokensSkipsZeroes(t *testing.T) {
	m := NewMetrics()
	m.RecordTokens("backend", 100, 50, 0)

	assert.Equal(t, float64(100), testutil.ToFloat64(m.AgentTokensUsed.WithLabelValues("backend", "input")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.AgentTokensUsed.WithLabelValues("backend", "output")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.AgentTokensUsed.WithLabelValues("backend", "cached")))
}

func TestMetricNamesStable(t *testing.T) {
	m := NewMetrics()
	m.RecordWorkflowStart("full_build")
	m.HandoffsTotal.WithLabelValues("backend").Inc()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, "\n")
	assert.Contains(t, joined, "buildhive_workflows_started_total")
	assert.Contains(t, joined, "buildhive_handoffs_total")
	assert.Contains(t, joined, "go_goroutines", "runtime collector registered")
}

func TestObserveBreakerMapsStatesToGauge(t *testing.T) {
	m := NewMetrics()

	m.ObserveBreaker("llm", "closed")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.BreakerState.WithLabelValues("llm")))

	m.ObserveBreaker("llm", "half_open")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerState.WithLabelValues("llm")))

	m.ObserveBreaker("llm", "open")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BreakerState.WithLabelValues("llm")))
}

func TestHashIDShortStableAndOpaque(t *testing.T) {
	h := HashID("U12345")
	assert.Equal(t, h, HashID("U12345"))
	assert.Len(t, h, 12)
	assert.NotContains(t, h, "U12345")
	assert.NotEqual(t, h, HashID("U67890"))
}

func TestSpanHelpersSafeWithoutProvider(t *testing.T) {
	ctx, span := StartWorkflowSpan(context.Background(), "u1", "full_build")
	_, phase := StartPhaseSpan(ctx, "design")
	EndSpan(phase, nil)
	EndSpan(span, assert.AnError)

	assert.Empty(t, TraceID(context.Background()))
}

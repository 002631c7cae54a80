package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

type stubLLM struct {
	text string
	err  error
}

func (s *stubLLM) Complete(context.Context, llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text}, nil
}

func (s *stubLLM) Model() string { return "stub" }

func TestPlanParsesWorkflowType(t *testing.T) {
	p := NewPlanner(&stubLLM{text: `{"workflow_type":"bug_fix","agents_needed":["frontend"],"estimated_steps":4,"notes":"small fix"}`})

	plan := p.Plan(context.Background(), "fix the login button", "")
	assert.Equal(t, models.WorkflowBugFix, plan.WorkflowType)
	assert.Equal(t, 4, plan.EstimatedSteps)
}

func TestPlanToleratesProseAroundJSON(t *testing.T) {
	p := NewPlanner(&stubLLM{text: "Here is the plan:\n{\"workflow_type\":\"redeploy\",\"estimated_steps\":2}\nDone."})

	plan := p.Plan(context.Background(), "redeploy my app", "")
	assert.Equal(t, models.WorkflowRedeploy, plan.WorkflowType)
}

func TestPlanDegradesToDefaultOnFailure(t *testing.T) {
	p := NewPlanner(&stubLLM{err: errors.New("provider down")})

	plan := p.Plan(context.Background(), "build something", "")
	require.NotNil(t, plan)
	assert.Equal(t, models.WorkflowFullBuild, plan.WorkflowType)
	assert.Equal(t, defaultEstimatedSteps, plan.EstimatedSteps)
}

func TestPlanDegradesOnUnknownType(t *testing.T) {
	p := NewPlanner(&stubLLM{text: `{"workflow_type":"world_domination","estimated_steps":9000}`})

	plan := p.Plan(context.Background(), "?", "")
	assert.Equal(t, models.WorkflowFullBuild, plan.WorkflowType)
}

func TestPlanFillsMissingEstimate(t *testing.T) {
	p := NewPlanner(&stubLLM{text: `{"workflow_type":"full_build"}`})

	plan := p.Plan(context.Background(), "build a shop", "")
	assert.Equal(t, defaultEstimatedSteps, plan.EstimatedSteps)
}

func TestInboxDrainClears(t *testing.T) {
	in := &Inbox{}
	in.AddRefinement("a")
	in.AddRefinement("b")

	assert.Equal(t, []string{"a", "b"}, in.Drain())
	assert.Empty(t, in.Drain())
	assert.False(t, in.Cancelled())

	in.Cancel()
	assert.True(t, in.Cancelled())
}

func TestInboxRegistry(t *testing.T) {
	reg := NewInboxes()
	a := reg.Open("u1")
	assert.Same(t, a, reg.Open("u1"), "open is idempotent per user")

	got, ok := reg.Lookup("u1")
	assert.True(t, ok)
	assert.Same(t, a, got)

	reg.Close("u1")
	_, ok = reg.Lookup("u1")
	assert.False(t, ok)
}

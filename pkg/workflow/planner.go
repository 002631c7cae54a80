package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

const plannerSystemPrompt = `You are a build orchestrator's planner. Given a user request,
produce a JSON plan. Respond with ONLY a JSON object, no prose:
{
  "workflow_type": "full_build" | "bug_fix" | "redeploy" | "design_only" | "custom",
  "agents_needed": ["designer", "backend", "frontend", "code-reviewer", "qa", "devops"],
  "estimated_steps": <int>,
  "notes": "<one line>"
}`

// defaultEstimatedSteps seeds steps_total when the planner gives no
// usable estimate. Progress still grows dynamically afterwards.
const defaultEstimatedSteps = 12

// Planner turns a user request into an advisory workflow plan. The
// engine is free to add steps beyond the estimate.
type Planner struct {
	client llm.Client
	logger *slog.Logger
}

// NewPlanner creates a Planner on the shared LLM client.
func NewPlanner(client llm.Client) *Planner {
	return &Planner{client: client, logger: slog.With("component", "planner")}
}

// Plan classifies the request. Planning failures degrade to a default
// full_build plan rather than failing the workflow before it starts.
func (p *Planner) Plan(ctx context.Context, originalRequest, contextSummary string) *models.Plan {
	prompt := "Request: " + originalRequest
	if contextSummary != "" {
		prompt += "\n\nContext: " + contextSummary
	}

	resp, err := p.client.Complete(ctx, llm.Request{
		System:   plannerSystemPrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Text: prompt}},
	})
	if err != nil {
		p.logger.Warn("Planning failed, using default plan", "error", err)
		return defaultPlan()
	}

	plan, err := parsePlan(resp.Text)
	if err != nil {
		p.logger.Warn("Planner output unparseable, using default plan", "error", err)
		return defaultPlan()
	}
	return plan
}

func parsePlan(text string) (*models.Plan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in planner output")
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	switch plan.WorkflowType {
	case models.WorkflowFullBuild, models.WorkflowBugFix, models.WorkflowRedeploy,
		models.WorkflowDesignOnly, models.WorkflowCustom:
	default:
		return nil, fmt.Errorf("unknown workflow type %q", plan.WorkflowType)
	}

	if plan.EstimatedSteps <= 0 {
		plan.EstimatedSteps = defaultEstimatedSteps
	}
	return &plan, nil
}

func defaultPlan() *models.Plan {
	return &models.Plan{
		WorkflowType:   models.WorkflowFullBuild,
		AgentsNeeded:   []string{"designer", "backend", "frontend", "code-reviewer", "qa", "devops"},
		EstimatedSteps: defaultEstimatedSteps,
		Notes:          "default plan after planner failure",
	}
}

// Package workflow plans and executes multi-agent build workflows with
// quality loops and deployment retry.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buildhive-ai/buildhive/pkg/a2a"
	"github.com/buildhive-ai/buildhive/pkg/agent"
	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/events"
	"github.com/buildhive-ai/buildhive/pkg/handoff"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/notify"
	"github.com/buildhive-ai/buildhive/pkg/retry"
	"github.com/buildhive-ai/buildhive/pkg/telemetry"
	"github.com/buildhive-ai/buildhive/pkg/tools"
)

// ErrStateUnavailable marks a state store failure mid-workflow. The
// step is aborted and the last durable state left untouched; the
// orphan scanner reclaims the workflow later.
var ErrStateUnavailable = errors.New("state store unavailable")

// errCancelled signals user cancellation internally.
var errCancelled = errors.New("workflow cancelled by user")

// StateStore is the durable workflow state surface the engine needs.
// Satisfied by *services.StateService.
type StateStore interface {
	Save(ctx context.Context, st *models.OrchestratorState) error
	Delete(ctx context.Context, userID string) error
	AppendAudit(ctx context.Context, userID string, eventType models.AuditEventType, payload any) error
}

// StatusPublisher streams workflow status to connected clients.
// Satisfied by *events.Publisher.
type StatusPublisher interface {
	PublishWorkflowStatus(ctx context.Context, payload events.WorkflowStatusPayload) error
	PublishProgress(ctx context.Context, payload events.WorkflowProgressPayload) error
}

// Deps are the collaborators one Engine instance shares across all
// workflows on this pod.
type Deps struct {
	Config    *config.Config
	States    StateStore
	Handoffs  handoff.Store
	LLM       llm.Client
	Bus       *a2a.Bus
	Notifier  *notify.Notifier
	Provider  *tools.Provider
	Publisher StatusPublisher
	Metrics   *telemetry.Metrics
	PodID     string
}

// Engine executes planned workflows. One Engine serves many concurrent
// workflows; per-workflow state lives in the run struct.
type Engine struct {
	deps    Deps
	planner *Planner
	logger  *slog.Logger
}

// NewEngine wires an engine from its collaborators.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps:    deps,
		planner: NewPlanner(deps.LLM),
		logger:  slog.With("component", "workflow_engine"),
	}
}

// Execute drives a claimed workflow from its current phase to a
// terminal state. Safe to call on a resumed workflow: completed steps
// are deduplicated via the step list, and phase entry points re-run
// idempotently.
func (e *Engine) Execute(ctx context.Context, state *models.OrchestratorState, inbox *Inbox) error {
	ctx, span := telemetry.StartWorkflowSpan(ctx, state.UserID, string(state.WorkflowType))

	registry := agent.NewRegistry(state.UserID, e.deps.Config.Agents, e.deps.LLM, e.deps.Bus)
	manager := handoff.NewManager(registry, e.deps.Handoffs)

	r := &run{
		e:        e,
		state:    state,
		inbox:    inbox,
		registry: registry,
		manager:  manager,
		logger:   e.logger.With("user_id", state.UserID),
	}
	r.registerCallbacks(ctx)
	defer registry.ReleaseAll()

	e.deps.Metrics.ActiveWorkflows.Inc()

	err := r.execute(ctx)
	telemetry.EndSpan(span, err)
	return err
}

// run holds the state of one workflow execution.
type run struct {
	e        *Engine
	state    *models.OrchestratorState
	inbox    *Inbox
	registry *agent.Registry
	manager  *handoff.Manager
	logger   *slog.Logger

	// pending holds refinements drained from the inbox that have not
	// yet been applied to an agent task.
	pending    []string
	phaseStart time.Time
}

func (r *run) cfg() *config.WorkflowConfig { return r.e.deps.Config.Workflow }

func (r *run) registerCallbacks(ctx context.Context) {
	r.registry.RegisterCallbacks(agent.Callbacks{
		OnWarning: func(inst *agent.Instance) {
			r.logger.Warn("Agent crossed warning threshold",
				"agent", inst.ID, "usage_fraction", inst.Tracker.UsageFraction())
		},
		OnHandoff: func(source, successor *agent.Instance) {
			r.e.deps.Metrics.HandoffsTotal.WithLabelValues(string(source.Role)).Inc()
			if err := r.e.deps.States.AppendAudit(ctx, r.state.UserID, models.AuditHandoffCompleted, map[string]any{
				"role": source.Role,
				"from": source.ID,
				"to":   successor.ID,
			}); err != nil {
				r.logger.Error("Failed to audit handoff", "error", err)
			}
		},
	})
}

func (r *run) execute(ctx context.Context) error {
	resumed := r.state.StepSeq > 0 || r.state.CurrentPhase != models.PhasePlanning
	if resumed {
		if err := r.e.deps.States.AppendAudit(ctx, r.state.UserID, models.AuditWorkflowResumed, map[string]any{
			"phase":  r.state.CurrentPhase,
			"pod_id": r.e.deps.PodID,
		}); err != nil {
			r.logger.Error("Failed to audit resume", "error", err)
		}
		r.e.deps.Notifier.Status(ctx, r.state.UserID,
			fmt.Sprintf("Resuming your workflow from the %s phase.", r.state.CurrentPhase))
	}

	r.phaseStart = time.Now()
	for !r.state.CurrentPhase.Terminal() {
		if err := r.checkpoint(ctx); err != nil {
			return r.finish(ctx, err)
		}

		var err error
		switch r.state.CurrentPhase {
		case models.PhasePlanning:
			err = r.runPlanning(ctx)
		case models.PhaseDesign:
			err = r.runDesign(ctx)
		case models.PhaseBackend:
			err = r.runBackend(ctx)
		case models.PhaseImplementation:
			err = r.runImplementation(ctx)
		case models.PhaseReview:
			err = r.runReview(ctx)
		case models.PhaseDeployment:
			err = r.runDeployment(ctx)
		default:
			err = fmt.Errorf("workflow in unexpected phase %q", r.state.CurrentPhase)
		}
		if err != nil {
			return r.finish(ctx, err)
		}
	}
	return r.finish(ctx, nil)
}

// checkpoint is called at every step boundary: it observes the cancel
// flag and folds queued refinements into durable state.
func (r *run) checkpoint(ctx context.Context) error {
	if r.inbox == nil {
		return nil
	}
	if r.inbox.Cancelled() {
		return errCancelled
	}
	refinements := r.inbox.Drain()
	if len(refinements) == 0 {
		return nil
	}
	for _, ref := range refinements {
		r.state.AccumulatedRefinements = append(r.state.AccumulatedRefinements, ref)
		r.pending = append(r.pending, ref)
		if err := r.e.deps.States.AppendAudit(ctx, r.state.UserID, models.AuditRefinementAdded, map[string]any{
			"refinement": ref,
			"phase":      r.state.CurrentPhase,
		}); err != nil {
			r.logger.Error("Failed to audit refinement", "error", err)
		}
	}
	return r.persist(ctx)
}

func (r *run) persist(ctx context.Context) error {
	if err := r.e.deps.States.Save(ctx, r.state); err != nil {
		return fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return nil
}

// completeStep records a finished step with a fresh step_seq, growing
// steps_total when the estimate is exhausted. Steps already recorded
// (crash resume) are skipped along with their side effects.
func (r *run) completeStep(ctx context.Context, stepID string) error {
	if r.state.HasStep(stepID) {
		return nil
	}
	r.state.StepSeq++
	r.state.StepsCompleted = append(r.state.StepsCompleted, stepID)
	if len(r.state.StepsCompleted) >= r.state.StepsTotal {
		r.state.StepsTotal += r.cfg().ProgressGrowthDelta
	}
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.e.deps.Publisher.PublishProgress(ctx, events.WorkflowProgressPayload{
		UserID:  r.state.UserID,
		Percent: r.state.ProgressPercent(),
		Step:    stepID,
	}); err != nil {
		r.logger.Debug("Progress publish failed", "error", err)
	}
	return nil
}

// transition persists the phase change and its audit event before any
// observable side effect.
func (r *run) transition(ctx context.Context, to models.Phase, reason string) error {
	from := r.state.CurrentPhase
	r.e.deps.Metrics.PhaseDuration.WithLabelValues(string(from)).Observe(time.Since(r.phaseStart).Seconds())

	r.state.CurrentPhase = to
	r.state.CurrentAgentWorking = ""
	r.state.CurrentTaskDescription = ""
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.e.deps.States.AppendAudit(ctx, r.state.UserID, models.AuditPhaseTransition, map[string]any{
		"from":     from,
		"to":       to,
		"reason":   reason,
		"percent":  r.state.ProgressPercent(),
		"duration": time.Since(r.phaseStart).String(),
	}); err != nil {
		r.logger.Error("Failed to audit transition", "error", err)
	}
	r.phaseStart = time.Now()

	r.publishStatus(ctx, "in_progress", reason)
	if !to.Terminal() {
		r.e.deps.Notifier.Status(ctx, r.state.UserID, phaseAnnouncement(to))
	}
	return nil
}

func (r *run) publishStatus(ctx context.Context, status, message string) {
	if err := r.e.deps.Publisher.PublishWorkflowStatus(ctx, events.WorkflowStatusPayload{
		UserID:   r.state.UserID,
		Phase:    r.state.CurrentPhase,
		Status:   status,
		Percent:  r.state.ProgressPercent(),
		Message:  message,
		PodID:    r.e.deps.PodID,
		Workflow: string(r.state.WorkflowType),
	}); err != nil {
		r.logger.Debug("Status publish failed", "error", err)
	}
}

// agentTask dispatches one task to the active instance of a role,
// retrying transient failures, and records the returned token usage.
func (r *run) agentTask(ctx context.Context, role models.AgentRole, description string, metadata map[string]string) (*models.TaskResponse, error) {
	r.state.CurrentAgentWorking = string(role)
	r.state.CurrentTaskDescription = description
	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	r.manager.SetTaskContext(r.state.OriginalPrompt, description, r.state.CurrentPhase)

	task := models.Task{
		ID:          uuid.NewString(),
		Description: description,
		From:        "orchestrator",
		To:          role,
		Priority:    models.PriorityMedium,
		Metadata:    metadata,
	}

	taskCtx, span := telemetry.StartAgentTaskSpan(ctx, string(role), task.ID)
	var resp *models.TaskResponse
	err := retry.Do(taskCtx, retry.Config{
		MaxAttempts:    r.e.deps.Config.Retry.MaxAttempts,
		InitialBackoff: r.e.deps.Config.Retry.InitialBackoff,
		MaxBackoff:     r.e.deps.Config.Retry.MaxBackoff,
	}, "agent_task_"+string(role), func() error {
		inst := r.registry.Acquire(role)
		out, err := r.e.deps.Bus.SendTask(taskCtx, "orchestrator", inst.ID, task)
		if err != nil {
			return err
		}
		if out.Status != models.TaskCompleted {
			return fmt.Errorf("agent task %s: %s", out.Status, out.Error)
		}
		resp = out
		return nil
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("%s task failed: %w", role, err)
	}

	r.e.deps.Metrics.RecordTokens(string(role), resp.TokenUsage.Input, resp.TokenUsage.Output, resp.TokenUsage.Cached)
	if _, _, err := r.registry.RecordUsage(ctx, role, description, resp.TokenUsage); err != nil {
		r.logger.Warn("Usage recording triggered a failed handoff", "role", role, "error", err)
	}
	return resp, nil
}

// maybeEagerHandoff hands an agent off at a phase boundary when its
// usage already exceeds the eager fraction, so the next phase starts
// with headroom instead of hitting CRITICAL mid-task.
func (r *run) maybeEagerHandoff(ctx context.Context, role models.AgentRole) {
	fraction := r.e.deps.Config.Agents.EagerHandoffFraction
	if fraction <= 0 {
		return
	}
	inst, ok := r.registry.Active(role)
	if !ok || inst.Tracker.UsageFraction() < fraction {
		return
	}
	if _, err := r.manager.InitiateHandoff(ctx, inst); err != nil {
		r.logger.Warn("Eager handoff failed, keeping instance", "role", role, "error", err)
	}
}

func (r *run) runPlanning(ctx context.Context) error {
	if !r.state.HasStep("plan") {
		plan := r.e.planner.Plan(ctx, r.state.OriginalPrompt, strings.Join(r.state.AccumulatedRefinements, "; "))
		r.state.WorkflowType = plan.WorkflowType
		if r.state.StepsTotal <= 0 {
			r.state.StepsTotal = plan.EstimatedSteps
		}
		if err := r.persist(ctx); err != nil {
			return err
		}
		if err := r.completeStep(ctx, "plan"); err != nil {
			return err
		}
		r.e.deps.Metrics.WorkflowsStarted.WithLabelValues(string(plan.WorkflowType)).Inc()
	}

	switch r.state.WorkflowType {
	case models.WorkflowBugFix:
		return r.transition(ctx, models.PhaseImplementation, "plan accepted, fixing in place")
	case models.WorkflowRedeploy:
		return r.transition(ctx, models.PhaseDeployment, "plan accepted, redeploying")
	default:
		return r.transition(ctx, models.PhaseDesign, "plan accepted")
	}
}

func (r *run) runDesign(ctx context.Context) error {
	description := "Produce a design specification for: " + r.state.OriginalPrompt
	if len(r.state.AccumulatedRefinements) > 0 {
		description += "\nUser refinements:\n- " + strings.Join(r.state.AccumulatedRefinements, "\n- ")
	}
	r.pending = nil // refinements are folded into the design prompt

	resp, err := r.agentTask(ctx, models.RoleDesigner, description, nil)
	if err != nil {
		return err
	}
	r.state.CurrentDesignSpec = resp.Result
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.completeStep(ctx, "design_spec"); err != nil {
		return err
	}
	r.maybeEagerHandoff(ctx, models.RoleDesigner)

	if r.state.WorkflowType == models.WorkflowDesignOnly {
		return r.transition(ctx, models.PhaseCompleted, "design delivered")
	}
	return r.transition(ctx, models.PhaseBackend, "design approved")
}

func (r *run) runBackend(ctx context.Context) error {
	if r.state.ProjectMetadata.ProjectID == "" {
		meta, err := r.provisionDatabase(ctx)
		if err != nil {
			return err
		}
		// Persisted before any consumer sees the connection URLs, so a
		// restart cannot lose the linkage.
		r.state.ProjectID = meta.ProjectID
		r.state.ProjectMetadata.ProjectID = meta.ProjectID
		r.state.ProjectMetadata.ConnectionURL = meta.ConnectionURL
		r.state.ProjectMetadata.PooledURL = meta.PooledURL
		r.state.ProjectMetadata.Region = meta.Region
		r.state.ProjectMetadata.BranchID = meta.BranchID
		r.state.ProjectMetadata.DBName = meta.DBName
		if err := r.persist(ctx); err != nil {
			return err
		}
	}
	if err := r.completeStep(ctx, "provision_database"); err != nil {
		return err
	}

	if r.state.ProjectMetadata.RepoURL == "" {
		var repo *tools.RepoInfo
		err := retry.Do(ctx, r.retryCfg(), "create_repo", func() error {
			var err error
			repo, err = r.e.deps.Provider.CreateRepo(ctx, r.projectKey(), "app-"+r.state.UserID)
			return err
		})
		if err != nil {
			return fmt.Errorf("repository creation failed: %w", err)
		}
		r.state.ProjectMetadata.RepoURL = repo.RepoURL
		if err := r.persist(ctx); err != nil {
			return err
		}
	}
	if err := r.completeStep(ctx, "create_repo"); err != nil {
		return err
	}

	resp, err := r.agentTask(ctx, models.RoleBackend, "Build the backend services and data model per the design", map[string]string{
		"design_spec":  string(r.state.CurrentDesignSpec),
		"database_url": r.state.ProjectMetadata.PooledURL,
		"repo_url":     r.state.ProjectMetadata.RepoURL,
	})
	if err != nil {
		return err
	}
	r.state.CurrentImplementation = resp.Result
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.completeStep(ctx, "backend_services"); err != nil {
		return err
	}
	r.maybeEagerHandoff(ctx, models.RoleBackend)

	return r.transition(ctx, models.PhaseImplementation, "backend ready")
}

func (r *run) provisionDatabase(ctx context.Context) (*models.ProjectMetadata, error) {
	var meta *models.ProjectMetadata
	err := retry.Do(ctx, r.retryCfg(), "create_database_project", func() error {
		var err error
		meta, err = r.e.deps.Provider.CreateDatabaseProject(ctx, r.projectKey())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("database provisioning failed: %w", err)
	}
	return meta, nil
}

func (r *run) runImplementation(ctx context.Context) error {
	metadata := map[string]string{
		"design_spec": string(r.state.CurrentDesignSpec),
	}
	if len(r.state.CurrentImplementation) > 0 {
		metadata["current_implementation"] = string(r.state.CurrentImplementation)
	}
	if len(r.pending) > 0 {
		metadata["refinements"] = strings.Join(r.pending, "\n")
		r.pending = nil
	}

	attempt := r.countSteps("implementation_") + 1
	resp, err := r.agentTask(ctx, models.RoleFrontend, "Implement the application per the approved design", metadata)
	if err != nil {
		return err
	}
	r.state.CurrentImplementation = resp.Result
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.completeStep(ctx, fmt.Sprintf("implementation_%d", attempt)); err != nil {
		return err
	}
	r.maybeEagerHandoff(ctx, models.RoleFrontend)

	return r.transition(ctx, models.PhaseReview, "implementation produced")
}

func (r *run) runReview(ctx context.Context) error {
	maxIter := r.cfg().MaxReviewIterations
	minQuality := r.cfg().MinQualityScore
	boundaryStreak := 0

	for iteration := r.countSteps("review_") + 1; ; iteration++ {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}

		review, err := r.requestReview(ctx, iteration)
		if err != nil {
			return err
		}
		if err := r.completeStep(ctx, fmt.Sprintf("review_%d", iteration)); err != nil {
			return err
		}

		exitReason := ""
		switch {
		case review.Approved && review.Score >= minQuality:
			exitReason = "approved"
		case review.Score == minQuality-1 && boundaryStreak >= 1:
			// Two consecutive just-below-threshold scores: the reviewer
			// has plateaued, proceed rather than loop forever.
			exitReason = "boundary_tie_break"
		case iteration >= maxIter:
			exitReason = "iteration_cap"
		}
		if review.Score == minQuality-1 {
			boundaryStreak++
		} else {
			boundaryStreak = 0
		}

		if exitReason != "" {
			if err := r.e.deps.States.AppendAudit(ctx, r.state.UserID, models.AuditQualityLoopExit, map[string]any{
				"reason":    exitReason,
				"iteration": iteration,
				"score":     review.Score,
			}); err != nil {
				r.logger.Error("Failed to audit quality loop exit", "error", err)
			}
			r.e.deps.Metrics.ReviewIterations.Observe(float64(iteration))
			return r.transition(ctx, models.PhaseDeployment, "quality gate "+exitReason)
		}

		feedback, _ := json.Marshal(map[string]any{
			"feedback":        review.Feedback,
			"critical_issues": review.CriticalIssues,
			"suggestions":     review.Suggestions,
		})
		metadata := map[string]string{
			"review_feedback":        string(feedback),
			"current_implementation": string(r.state.CurrentImplementation),
		}
		if len(r.pending) > 0 {
			metadata["refinements"] = strings.Join(r.pending, "\n")
			r.pending = nil
		}
		resp, err := r.agentTask(ctx, models.RoleFrontend,
			fmt.Sprintf("Address review feedback (iteration %d)", iteration), metadata)
		if err != nil {
			return err
		}
		r.state.CurrentImplementation = resp.Result
		if err := r.persist(ctx); err != nil {
			return err
		}
		if err := r.completeStep(ctx, fmt.Sprintf("review_fix_%d", iteration)); err != nil {
			return err
		}
	}
}

func (r *run) requestReview(ctx context.Context, iteration int) (*models.Review, error) {
	var review *models.Review
	err := retry.Do(ctx, r.retryCfg(), "review_request", func() error {
		reviewer := r.registry.Acquire(models.RoleCodeReviewer)
		out, err := r.e.deps.Bus.RequestReview(ctx, "orchestrator", reviewer.ID, r.state.CurrentImplementation, iteration)
		if err != nil {
			return err
		}
		review = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("review request failed: %w", err)
	}

	r.e.deps.Metrics.RecordTokens(string(models.RoleCodeReviewer), review.Usage.Input, review.Usage.Output, review.Usage.Cached)
	if _, _, err := r.registry.RecordUsage(ctx, models.RoleCodeReviewer, "review", review.Usage); err != nil {
		r.logger.Warn("Usage recording triggered a failed handoff",
			"role", models.RoleCodeReviewer, "error", err)
	}
	return review, nil
}

func (r *run) runDeployment(ctx context.Context) error {
	if r.state.WorkflowType == models.WorkflowRedeploy {
		return r.runRedeploy(ctx)
	}

	if !r.state.HasStep("deployment_config") {
		if _, err := r.agentTask(ctx, models.RoleDevOps, "Prepare the deployment configuration", map[string]string{
			"current_implementation": string(r.state.CurrentImplementation),
			"repo_url":               r.state.ProjectMetadata.RepoURL,
		}); err != nil {
			return err
		}
		if err := r.completeStep(ctx, "deployment_config"); err != nil {
			return err
		}
	}

	maxAttempts := r.cfg().MaxBuildRetries
	lastErr := "unknown build failure"
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		if err := r.e.deps.States.AppendAudit(ctx, r.state.UserID, models.AuditDeployAttempt, map[string]any{
			"attempt": attempt,
		}); err != nil {
			r.logger.Error("Failed to audit deploy attempt", "error", err)
		}

		result, err := r.deployOnce(ctx)
		if err != nil {
			lastErr = err.Error()
			r.logger.Warn("Deploy call failed", "attempt", attempt, "error", err)
			continue
		}

		if result.Succeeded {
			failures := r.verifyDeployment(ctx, result.URL)
			if len(failures) == 0 {
				r.state.ProjectMetadata.DeployURL = result.URL
				if err := r.persist(ctx); err != nil {
					return err
				}
				if err := r.completeStep(ctx, "deployed"); err != nil {
					return err
				}
				r.e.deps.Metrics.DeployAttempts.Observe(float64(attempt))
				return r.transition(ctx, models.PhaseCompleted, "deploy verified")
			}
			lastErr = "post-deploy verification failed: " + strings.Join(failures, "; ")
			result.BuildErrors = nil
			result.BuildLog = lastErr
		} else {
			lastErr = buildFailureSummary(result)
		}

		if attempt == maxAttempts {
			break
		}
		if err := r.fixBuildErrors(ctx, attempt, result); err != nil {
			return err
		}
	}
	return fmt.Errorf("deployment failed after %d attempts: %s", maxAttempts, lastErr)
}

func (r *run) runRedeploy(ctx context.Context) error {
	var result *tools.DeployResult
	err := retry.Do(ctx, r.retryCfg(), "redeploy", func() error {
		var err error
		result, err = r.e.deps.Provider.Redeploy(ctx, r.state.ProjectID)
		return err
	})
	if err != nil {
		return fmt.Errorf("redeploy failed: %w", err)
	}
	if !result.Succeeded {
		return fmt.Errorf("redeploy build failed: %s", buildFailureSummary(result))
	}
	if result.URL != "" {
		r.state.ProjectMetadata.DeployURL = result.URL
	}
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.completeStep(ctx, "deployed"); err != nil {
		return err
	}
	return r.transition(ctx, models.PhaseCompleted, "redeploy verified")
}

func (r *run) deployOnce(ctx context.Context) (*tools.DeployResult, error) {
	var result *tools.DeployResult
	err := retry.Do(ctx, r.retryCfg(), "deploy", func() error {
		var err error
		result, err = r.e.deps.Provider.Deploy(ctx, r.projectKey(), r.state.CurrentImplementation)
		return err
	})
	return result, err
}

// verifyDeployment runs a smoke scenario against the deployed URL.
// Verification infrastructure failures are logged and treated as a
// pass; only real scenario failures block completion.
func (r *run) verifyDeployment(ctx context.Context, url string) []string {
	if url == "" {
		return nil
	}
	scenario, err := r.e.deps.Provider.RunScenario(ctx, url, []string{"open /", "assert page loads"})
	if err != nil {
		r.logger.Warn("Post-deploy verification unavailable", "error", err)
		return nil
	}
	if scenario.Pass {
		return nil
	}
	return scenario.Failures
}

func (r *run) fixBuildErrors(ctx context.Context, attempt int, result *tools.DeployResult) error {
	errsJSON, _ := json.Marshal(result.BuildErrors)
	resp, err := r.agentTask(ctx, models.RoleFrontend,
		fmt.Sprintf("Fix the build errors from deploy attempt %d", attempt), map[string]string{
			"build_errors":           string(errsJSON),
			"build_log":              result.BuildLog,
			"current_implementation": string(r.state.CurrentImplementation),
		})
	if err != nil {
		return err
	}
	r.state.CurrentImplementation = resp.Result
	return r.persist(ctx)
}

// finish closes out the workflow. A state store failure propagates
// unchanged so the orphan scanner can reclaim the record later; every
// other path lands in a terminal phase with audit and notification.
func (r *run) finish(ctx context.Context, cause error) error {
	if cause != nil && errors.Is(cause, ErrStateUnavailable) {
		r.e.deps.Metrics.ActiveWorkflows.Dec()
		return cause
	}

	switch {
	case cause == nil:
		r.state.CurrentPhase = models.PhaseCompleted
		r.closeState(ctx, models.AuditWorkflowCompleted, map[string]any{
			"deploy_url": r.state.ProjectMetadata.DeployURL,
		})
		r.e.deps.Metrics.RecordWorkflowOutcome(string(r.state.WorkflowType), "completed")
		r.publishStatus(ctx, "completed", "workflow completed")
		r.e.deps.Notifier.Result(ctx, r.state.UserID, completionMessage(r.state))
		r.deleteState(ctx)
		return nil

	case errors.Is(cause, errCancelled):
		r.state.CurrentPhase = models.PhaseCancelled
		r.closeState(ctx, models.AuditWorkflowCancelled, nil)
		r.e.deps.Metrics.RecordWorkflowOutcome(string(r.state.WorkflowType), "cancelled")
		r.publishStatus(ctx, "cancelled", "cancelled by user")
		r.e.deps.Notifier.Status(ctx, r.state.UserID, "Your workflow was cancelled. Partial work has been discarded.")
		r.deleteState(ctx)
		return nil

	default:
		r.state.CurrentPhase = models.PhaseFailed
		r.closeState(ctx, models.AuditWorkflowFailed, map[string]any{
			"error": cause.Error(),
		})
		r.e.deps.Metrics.RecordWorkflowOutcome(string(r.state.WorkflowType), "failed")
		r.publishStatus(ctx, "failed", cause.Error())
		r.e.deps.Notifier.Error(ctx, r.state.UserID, "Your workflow failed: "+cause.Error())
		return cause
	}
}

func (r *run) closeState(ctx context.Context, event models.AuditEventType, payload map[string]any) {
	r.state.WorkStatus = models.WorkStatusDone
	r.state.IsActive = false
	r.state.CurrentAgentWorking = ""
	if err := r.e.deps.States.Save(ctx, r.state); err != nil {
		r.logger.Error("Failed to persist terminal state", "error", err)
	}
	if err := r.e.deps.States.AppendAudit(ctx, r.state.UserID, event, payload); err != nil {
		r.logger.Error("Failed to audit terminal state", "error", err)
	}
}

// deleteState removes completed and cancelled records; failed records
// stay for inspection. The audit trail survives either way.
func (r *run) deleteState(ctx context.Context) {
	if err := r.e.deps.States.Delete(ctx, r.state.UserID); err != nil {
		r.logger.Error("Failed to delete finished state", "error", err)
	}
}

func (r *run) retryCfg() retry.Config {
	return retry.Config{
		MaxAttempts:    r.e.deps.Config.Retry.MaxAttempts,
		InitialBackoff: r.e.deps.Config.Retry.InitialBackoff,
		MaxBackoff:     r.e.deps.Config.Retry.MaxBackoff,
	}
}

// projectKey is the idempotency key external tool servers use to
// deduplicate repeated provisioning calls after a crash resume.
func (r *run) projectKey() string {
	return fmt.Sprintf("%s-%d", r.state.UserID, r.state.CreatedAt.Unix())
}

func (r *run) countSteps(prefix string) int {
	n := 0
	for _, id := range r.state.StepsCompleted {
		if strings.HasPrefix(id, prefix) && !strings.HasPrefix(id, "review_fix_") {
			n++
		}
	}
	return n
}

func buildFailureSummary(result *tools.DeployResult) string {
	if len(result.BuildErrors) > 0 {
		parts := make([]string, 0, len(result.BuildErrors))
		for _, be := range result.BuildErrors {
			parts = append(parts, fmt.Sprintf("%s:%d: %s", be.File, be.Line, be.Message))
		}
		return strings.Join(parts, "; ")
	}
	if result.BuildLog != "" {
		return result.BuildLog
	}
	return "build failed with no diagnostics"
}

func phaseAnnouncement(p models.Phase) string {
	switch p {
	case models.PhaseDesign:
		return "Working on the design for your app."
	case models.PhaseBackend:
		return "Provisioning the database and building backend services."
	case models.PhaseImplementation:
		return "Implementing the application."
	case models.PhaseReview:
		return "Reviewing the implementation for quality."
	case models.PhaseDeployment:
		return "Deploying your application."
	default:
		return fmt.Sprintf("Entering %s phase.", p)
	}
}

func completionMessage(st *models.OrchestratorState) string {
	if st.ProjectMetadata.DeployURL != "" {
		return "Your app is live at " + st.ProjectMetadata.DeployURL
	}
	if st.WorkflowType == models.WorkflowDesignOnly {
		return "Your design specification is ready."
	}
	return "Your workflow completed successfully."
}

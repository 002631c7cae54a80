package models

import (
	"encoding/json"
	"time"
)

// Phase is a named stage in a workflow with defined entry and exit
// transitions. Terminal phases are completed, failed, and cancelled.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseDesign         Phase = "design"
	PhaseBackend        Phase = "backend"
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseDeployment     Phase = "deployment"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"
)

// Terminal reports whether the phase ends the workflow.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// WorkflowType is the planner's classification of a request.
type WorkflowType string

const (
	WorkflowFullBuild  WorkflowType = "full_build"
	WorkflowBugFix     WorkflowType = "bug_fix"
	WorkflowRedeploy   WorkflowType = "redeploy"
	WorkflowDesignOnly WorkflowType = "design_only"
	WorkflowCustom     WorkflowType = "custom"
)

// WorkStatus is the queue-visible lifecycle of a workflow record.
type WorkStatus string

const (
	WorkStatusPending    WorkStatus = "pending"
	WorkStatusInProgress WorkStatus = "in_progress"
	WorkStatusDone       WorkStatus = "done"
)

// ProjectMetadata links a workflow to externally provisioned resources.
// Written into the state record before any consumer sees the values, so a
// restart cannot lose the linkage.
type ProjectMetadata struct {
	ProjectID     string `json:"project_id,omitempty"`
	ConnectionURL string `json:"connection_url,omitempty"`
	PooledURL     string `json:"pooled_url,omitempty"`
	Region        string `json:"region,omitempty"`
	BranchID      string `json:"branch_id,omitempty"`
	DBName        string `json:"db_name,omitempty"`
	RepoURL       string `json:"repo_url,omitempty"`
	DeployURL     string `json:"deploy_url,omitempty"`
}

// OrchestratorState is the durable per-user workflow record. It is the
// single source of truth for crash recovery: every phase and step change
// is persisted before any observable side effect.
type OrchestratorState struct {
	UserID                 string          `json:"user_id"`
	Platform               Platform        `json:"platform"`
	IsActive               bool            `json:"is_active"`
	WorkStatus             WorkStatus      `json:"work_status"`
	PodID                  string          `json:"pod_id,omitempty"`
	CurrentPhase           Phase           `json:"current_phase"`
	WorkflowType           WorkflowType    `json:"workflow_type"`
	OriginalPrompt         string          `json:"original_prompt"`
	AccumulatedRefinements []string        `json:"accumulated_refinements"`
	CurrentDesignSpec      json.RawMessage `json:"current_design_spec,omitempty"`
	CurrentImplementation  json.RawMessage `json:"current_implementation,omitempty"`
	StepsCompleted         []string        `json:"steps_completed"`
	StepsTotal             int             `json:"steps_total"`
	StepSeq                int             `json:"step_seq"`
	CurrentAgentWorking    string          `json:"current_agent_working,omitempty"`
	CurrentTaskDescription string          `json:"current_task_description,omitempty"`
	ProjectID              string          `json:"project_id,omitempty"`
	ProjectMetadata        ProjectMetadata `json:"project_metadata"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	LastHeartbeatAt        time.Time       `json:"last_heartbeat_at"`
}

// ProgressPercent returns the user-visible completion percentage,
// clamped to [0, 100].
func (s *OrchestratorState) ProgressPercent() int {
	if s.StepsTotal <= 0 {
		return 0
	}
	pct := 100 * len(s.StepsCompleted) / s.StepsTotal
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// HasStep reports whether a step identifier was already recorded.
// Used to deduplicate side effects when a workflow resumes after a crash.
func (s *OrchestratorState) HasStep(stepID string) bool {
	for _, id := range s.StepsCompleted {
		if id == stepID {
			return true
		}
	}
	return false
}

// AuditEventType enumerates append-only audit event categories.
type AuditEventType string

const (
	AuditWorkflowStarted   AuditEventType = "workflow_started"
	AuditPhaseTransition   AuditEventType = "phase_transition"
	AuditRefinementAdded   AuditEventType = "refinement_added"
	AuditQualityLoopExit   AuditEventType = "quality_loop_exit"
	AuditDeployAttempt     AuditEventType = "deploy_attempt"
	AuditHandoffCompleted  AuditEventType = "handoff_completed"
	AuditWorkflowResumed   AuditEventType = "workflow_resumed"
	AuditWorkflowCompleted AuditEventType = "workflow_completed"
	AuditWorkflowFailed    AuditEventType = "workflow_failed"
	AuditWorkflowCancelled AuditEventType = "workflow_cancelled"
)

// AuditEvent is an append-only diagnostic record.
type AuditEvent struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	EventType AuditEventType  `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Plan is the planner's advisory output. The engine is free to add steps
// beyond EstimatedSteps.
type Plan struct {
	WorkflowType   WorkflowType `json:"workflow_type"`
	AgentsNeeded   []string     `json:"agents_needed"`
	EstimatedSteps int          `json:"estimated_steps"`
	Notes          string       `json:"notes,omitempty"`
}

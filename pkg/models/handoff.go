package models

import (
	"encoding/json"
	"time"
)

// AgentRole is one of the fixed orchestration roles.
type AgentRole string

const (
	RoleDesigner     AgentRole = "designer"
	RoleBackend      AgentRole = "backend"
	RoleFrontend     AgentRole = "frontend"
	RoleCodeReviewer AgentRole = "code-reviewer"
	RoleQA           AgentRole = "qa"
	RoleDevOps       AgentRole = "devops"
)

// AgentState is the lifecycle state of a spawned agent instance.
type AgentState string

const (
	AgentInitializing    AgentState = "initializing"
	AgentActive          AgentState = "active"
	AgentWarning         AgentState = "warning"
	AgentCritical        AgentState = "critical"
	AgentHandoffPending  AgentState = "handoff_pending"
	AgentHandoffComplete AgentState = "handoff_complete"
	AgentTerminated      AgentState = "terminated"
)

// TokenUsage is a snapshot of an instance's cumulative token counters.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 { return u.Input + u.Output }

// SourceAgent identifies the instance that produced a handoff.
type SourceAgent struct {
	ID                string    `json:"id"`
	Role              AgentRole `json:"role"`
	Version           int       `json:"version"`
	TerminationReason string    `json:"termination_reason"`
}

// TargetAgent identifies the successor a handoff is addressed to.
type TargetAgent struct {
	Role            AgentRole `json:"role"`
	ExpectedVersion int       `json:"expected_version"`
}

// TaskProgress describes how far along the interrupted task was.
type TaskProgress struct {
	CompletionPercent int    `json:"completion_percent"`
	Phase             Phase  `json:"phase"`
	Status            string `json:"status"`
}

// Decision records a choice the predecessor made while working.
type Decision struct {
	Decision   string    `json:"decision"`
	Reasoning  string    `json:"reasoning"`
	Confidence string    `json:"confidence"`
	Impact     string    `json:"impact"`
	Timestamp  time.Time `json:"timestamp"`
}

// RejectedAlternative records an approach that was considered and dropped.
type RejectedAlternative struct {
	Alternative string `json:"alternative"`
	Reason      string `json:"reason"`
	Confidence  string `json:"confidence"`
}

// WorkCompleted summarizes what the predecessor finished.
type WorkCompleted struct {
	Artifacts []string `json:"artifacts"`
	Summary   string   `json:"summary"`
}

// TodoItem is a remaining work item carried to the successor.
type TodoItem struct {
	Task         string   `json:"task"`
	Priority     string   `json:"priority"`
	EstTime      string   `json:"est_time,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Status       string   `json:"status"`
}

// HandoffDocument is the durable record produced when an agent instance
// exhausts its context budget and its accumulated state migrates to a
// fresh instance of the same role. Successive documents for one
// (user, role) pair form a linear chain through PredecessorID.
type HandoffDocument struct {
	HandoffID            string                `json:"handoff_id"`
	TraceID              string                `json:"trace_id"`
	UserID               string                `json:"user_id"`
	PredecessorID        string                `json:"predecessor_handoff_id,omitempty"`
	Source               SourceAgent           `json:"source_agent"`
	Target               TargetAgent           `json:"target_agent"`
	TokenSnapshot        TokenUsage            `json:"token_usage_snapshot"`
	Progress             TaskProgress          `json:"task_progress"`
	OriginalRequest      string                `json:"original_request"`
	TaskDescription      string                `json:"task_description"`
	DecisionsMade        []Decision            `json:"decisions_made"`
	RejectedAlternatives []RejectedAlternative `json:"rejected_alternatives"`
	WorkCompleted        WorkCompleted         `json:"work_completed"`
	CurrentWIP           string                `json:"current_wip"`
	TodoList             []TodoItem            `json:"todo_list"`
	ToolState            json.RawMessage       `json:"tool_state,omitempty"`
	Assumptions          []string              `json:"assumptions"`
	Dependencies         map[string]string     `json:"dependencies,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	IsActive             bool                  `json:"is_active"`
	ContinuationPrompt   string                `json:"continuation_prompt"`
}

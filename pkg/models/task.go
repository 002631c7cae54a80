package models

import "encoding/json"

// TaskPriority orders work items handed to an agent.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// TaskStatus is the outcome of a dispatched task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work routed from the orchestrator to an agent.
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	From        string            `json:"from"`
	To          AgentRole         `json:"to"`
	Priority    TaskPriority      `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TaskResponse is an agent's typed reply to a Task.
type TaskResponse struct {
	TaskID     string          `json:"task_id"`
	Status     TaskStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	TokenUsage TokenUsage      `json:"token_usage"`
	Error      string          `json:"error,omitempty"`
}

// Review is a code reviewer's structured verdict on an implementation.
// Score is on a 1 to 10 scale. Usage is filled in by the reviewing agent
// for the caller to record; it is not part of the LLM's verdict JSON.
type Review struct {
	Approved       bool     `json:"approved"`
	Score          int      `json:"score"`
	Feedback       []string `json:"feedback"`
	CriticalIssues []string `json:"critical_issues"`
	Suggestions    []string `json:"suggestions"`
	Iteration      int      `json:"iteration"`

	Usage TokenUsage `json:"-"`
}

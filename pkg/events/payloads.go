// Package events streams workflow progress to connected clients.
// Persistent events are stored in the events table then broadcast via
// NOTIFY in one transaction; transient events are broadcast only.
package events

import (
	"fmt"

	"github.com/buildhive-ai/buildhive/pkg/models"
)

// Event types carried in payloads.
const (
	TypeWorkflowStatus   = "workflow.status"
	TypeWorkflowProgress = "workflow.progress"
	TypeMessageOut       = "message.out"
)

// UserChannel returns the NOTIFY channel for one user's event stream.
func UserChannel(userID string) string {
	return fmt.Sprintf("user_events_%s", userID)
}

// GlobalChannel carries transient status for dashboard-style consumers.
const GlobalChannel = "workflow_events_all"

// WorkflowStatusPayload announces a phase transition or terminal state.
type WorkflowStatusPayload struct {
	Type     string       `json:"type"`
	UserID   string       `json:"user_id"`
	Phase    models.Phase `json:"phase"`
	Status   string       `json:"status"`
	Percent  int          `json:"percent"`
	Message  string       `json:"message,omitempty"`
	PodID    string       `json:"pod_id,omitempty"`
	Workflow string       `json:"workflow_type,omitempty"`
}

// WorkflowProgressPayload is a transient progress tick.
type WorkflowProgressPayload struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Percent int    `json:"percent"`
	Step    string `json:"step,omitempty"`
}

// MessagePayload wraps an outbound user message for stream delivery.
type MessagePayload struct {
	Type   string             `json:"type"`
	UserID string             `json:"user_id"`
	Kind   models.MessageKind `json:"kind"`
	Text   string             `json:"text"`
}

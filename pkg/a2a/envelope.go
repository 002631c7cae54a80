// Package a2a is the typed in-process bus between the orchestrator and
// agent instances. Delivery is at-most-once within a process lifetime;
// retries belong to the caller.
package a2a

import (
	"encoding/json"
	"time"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeTaskRequest    MessageType = "task_request"
	TypeTaskResponse   MessageType = "task_response"
	TypeReviewRequest  MessageType = "review_request"
	TypeReviewResponse MessageType = "review_response"
	TypeQuestion       MessageType = "question"
	TypeAnswer         MessageType = "answer"
	TypeStatus         MessageType = "status"
	TypeError          MessageType = "error"
)

// Envelope is the unit of exchange on the bus. Type and Content
// together determine the payload schema.
type Envelope struct {
	MessageID string            `json:"message_id"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent"`
	Type      MessageType       `json:"type"`
	Content   json.RawMessage   `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Package models contains the shared domain types for BuildHive:
// inbound/outbound messages, workflow state, handoff documents, and the
// typed payloads exchanged between the orchestrator and agents.
package models

import (
	"encoding/json"
	"time"
)

// Platform identifies the channel a message arrived on.
type Platform string

const (
	PlatformChat       Platform = "chat"
	PlatformVCSComment Platform = "vcs_comment"
	PlatformDirectAPI  Platform = "direct_api"
)

// MessageKind classifies outbound messages.
type MessageKind string

const (
	MessageKindStatus MessageKind = "status"
	MessageKindResult MessageKind = "result"
	MessageKindError  MessageKind = "error"
)

// MessageIn is the platform-agnostic inbound message contract.
// Transport framing (webhook signatures, provider schemas) is handled
// at the edge; by the time a message reaches the router it looks like this.
type MessageIn struct {
	UserID    string          `json:"user_id"`
	Platform  Platform        `json:"platform"`
	Text      string          `json:"text"`
	Media     json.RawMessage `json:"media,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageOut is the platform-agnostic outbound message contract.
type MessageOut struct {
	UserID string      `json:"user_id"`
	Text   string      `json:"text"`
	Kind   MessageKind `json:"kind"`
}

package models

import "time"

// TurnRole identifies who produced a conversation turn.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is a single entry in a user's conversation history.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the per-user bounded conversation history.
// History is capped at the configured limit; the store drops the oldest
// turns on append. Sessions expire after a period of inactivity.
type Session struct {
	UserID     string    `json:"user_id"`
	Platform   Platform  `json:"platform"`
	History    []Turn    `json:"history"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

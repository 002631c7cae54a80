// Package services contains the durable stores backing the orchestrator:
// conversation sessions, workflow state with its audit trail, and handoff
// documents. All of them speak raw SQL through the shared pgx pool.
package services

import "errors"

var (
	// ErrSessionNotFound indicates no live session exists for the user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStateNotFound indicates no orchestrator state exists for the user.
	ErrStateNotFound = errors.New("orchestrator state not found")

	// ErrActiveWorkflowExists indicates the user already has an active
	// workflow; at most one is allowed per user.
	ErrActiveWorkflowExists = errors.New("active workflow already exists for user")

	// ErrNoWorkAvailable indicates no pending workflow could be claimed.
	ErrNoWorkAvailable = errors.New("no pending workflows available")

	// ErrAtCapacity indicates the global concurrent-workflow limit is
	// reached.
	ErrAtCapacity = errors.New("at maximum concurrent workflow capacity")

	// ErrHandoffNotFound indicates no matching handoff document exists.
	ErrHandoffNotFound = errors.New("handoff document not found")
)

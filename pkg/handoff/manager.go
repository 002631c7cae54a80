// Package handoff migrates an agent's accumulated knowledge to a fresh
// instance of the same role when its context budget is exhausted, so
// work continues without re-deriving context.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/buildhive-ai/buildhive/pkg/agent"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

// Store is the durable handoff document store the manager writes to.
type Store interface {
	Save(ctx context.Context, doc *models.HandoffDocument) error
	Get(ctx context.Context, handoffID string) (*models.HandoffDocument, error)
}

// Manager implements agent.HandoffInitiator.
type Manager struct {
	registry *agent.Registry
	store    Store

	// markdownDir, when set, gets a human-readable rendering of every
	// handoff document. Off by default.
	markdownDir string

	// context carried into the document so the successor knows what it
	// is working on. Set by the workflow engine at startup.
	originalRequest string
	taskDescription string
	currentPhase    models.Phase

	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMarkdownDir enables on-disk markdown rendering of handoffs.
func WithMarkdownDir(dir string) Option {
	return func(m *Manager) { m.markdownDir = dir }
}

// NewManager wires a handoff manager to a registry and store, and
// installs itself as the registry's initiator.
func NewManager(registry *agent.Registry, store Store, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		store:    store,
		logger:   slog.With("component", "handoff_manager", "user_id", registry.UserID()),
	}
	for _, opt := range opts {
		opt(m)
	}
	registry.SetHandoffInitiator(m)
	return m
}

// SetTaskContext records what the current workflow is doing; it is
// embedded into handoff documents.
func (m *Manager) SetTaskContext(originalRequest, taskDescription string, phase models.Phase) {
	m.originalRequest = originalRequest
	m.taskDescription = taskDescription
	m.currentPhase = phase
}

// InitiateHandoff runs the full protocol: interrogate the source, persist
// the document, spawn and install the successor, terminate the source.
// If persistence fails the source is left alive and the error surfaces
// to the caller for retry; partial state is never lost.
func (m *Manager) InitiateHandoff(ctx context.Context, source *agent.Instance) (*agent.Instance, error) {
	source.SetState(models.AgentHandoffPending)
	log := m.logger.With("source", source.ID, "role", source.Role)
	log.Info("Handoff initiated", "usage_fraction", source.Tracker.UsageFraction())

	doc, err := source.ProduceHandoffContent(ctx)
	if err != nil {
		log.Warn("Source produced no usable handoff content, using skeleton", "error", err)
		doc = m.skeleton(source)
	}

	m.fillMetadata(ctx, doc, source)
	doc.ContinuationPrompt = BuildContinuationPrompt(doc)

	if err := m.store.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("persisting handoff document: %w", err)
	}

	if m.markdownDir != "" {
		if err := writeMarkdown(m.markdownDir, doc); err != nil {
			log.Warn("Markdown rendering failed", "error", err)
		}
	}

	successor := m.registry.NewSuccessor(source, doc.HandoffID)
	successor.PrependContinuation(doc.ContinuationPrompt)
	m.registry.Install(successor)

	source.SetState(models.AgentHandoffComplete)
	m.registry.Terminate(source)

	log.Info("Handoff complete",
		"handoff_id", doc.HandoffID, "trace_id", doc.TraceID, "successor", successor.ID)
	return successor, nil
}

// fillMetadata stamps identity, chain linkage, and token snapshot onto
// the document. The trace continues the source's chain when one exists.
func (m *Manager) fillMetadata(ctx context.Context, doc *models.HandoffDocument, source *agent.Instance) {
	doc.HandoffID = uuid.NewString()
	doc.UserID = source.UserID
	doc.PredecessorID = source.PredecessorHandoffID
	doc.TraceID = m.traceFor(ctx, source)
	doc.Source = models.SourceAgent{
		ID:                source.ID,
		Role:              source.Role,
		Version:           source.Version,
		TerminationReason: "context_exhausted",
	}
	doc.Target = models.TargetAgent{
		Role:            source.Role,
		ExpectedVersion: source.Version + 1,
	}
	doc.TokenSnapshot = source.Tracker.Snapshot()
	doc.Progress.Phase = m.currentPhase
	doc.OriginalRequest = m.originalRequest
	doc.TaskDescription = m.taskDescription
	doc.CreatedAt = time.Now().UTC()
	doc.IsActive = true
}

func (m *Manager) traceFor(ctx context.Context, source *agent.Instance) string {
	if source.PredecessorHandoffID == "" {
		return uuid.NewString()
	}
	prev, err := m.store.Get(ctx, source.PredecessorHandoffID)
	if err != nil {
		m.logger.Warn("Predecessor handoff not found, starting new trace",
			"predecessor_handoff_id", source.PredecessorHandoffID, "error", err)
		return uuid.NewString()
	}
	return prev.TraceID
}

// skeleton is the minimal document used when the source cannot produce
// structured handoff content.
func (m *Manager) skeleton(source *agent.Instance) *models.HandoffDocument {
	return &models.HandoffDocument{
		Progress: models.TaskProgress{
			CompletionPercent: 0,
			Status:            "unknown",
		},
		WorkCompleted: models.WorkCompleted{
			Summary: "Predecessor could not produce handoff content; state reconstructed from task context only.",
		},
		CurrentWIP: m.taskDescription,
		TodoList: []models.TodoItem{{
			Task:     "Resume the in-flight task from the task description",
			Priority: "high",
			Status:   "pending",
		}},
	}
}

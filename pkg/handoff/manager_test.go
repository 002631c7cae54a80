package handoff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/a2a"
	"github.com/buildhive-ai/buildhive/pkg/agent"
	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.response}, nil
}

func (f *fakeLLM) Model() string { return "fake" }

type memStore struct {
	docs    map[string]*models.HandoffDocument
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*models.HandoffDocument)}
}

func (s *memStore) Save(_ context.Context, doc *models.HandoffDocument) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.docs[doc.HandoffID] = doc
	return nil
}

func (s *memStore) Get(_ context.Context, handoffID string) (*models.HandoffDocument, error) {
	doc, ok := s.docs[handoffID]
	if !ok {
		return nil, errors.New("not found")
	}
	return doc, nil
}

func newTestSetup(client llm.Client) (*agent.Registry, *memStore) {
	cfg := &config.AgentsConfig{
		ContextLimit:     1000,
		WarnFraction:     0.75,
		CriticalFraction: 0.90,
	}
	registry := agent.NewRegistry("u1", cfg, client, a2a.NewBus(time.Second))
	return registry, newMemStore()
}

const handoffJSON = `{
  "task_progress": {"completion_percent": 60, "status": "implementing checkout page"},
  "decisions_made": [{"decision": "use REST", "reasoning": "simpler deploy", "confidence": "high", "impact": "api"}],
  "rejected_alternatives": [{"alternative": "GraphQL", "reason": "overkill", "confidence": "high"}],
  "work_completed": {"artifacts": ["cart.html"], "summary": "cart flow done"},
  "current_wip": "checkout form validation",
  "todo_list": [{"task": "wire payment provider", "priority": "high", "status": "pending"}],
  "assumptions": ["single currency"]
}`

func TestInitiateHandoffFullProtocol(t *testing.T) {
	registry, store := newTestSetup(&fakeLLM{response: handoffJSON})
	m := NewManager(registry, store)
	m.SetTaskContext("build a shop", "implement checkout", models.PhaseImplementation)

	source := registry.Acquire(models.RoleFrontend)
	source.Tracker.Record("task", models.TokenUsage{Input: 900, Output: 20})

	successor, err := m.InitiateHandoff(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, source.Version+1, successor.Version)
	assert.Equal(t, models.AgentTerminated, source.State())

	active, ok := registry.Active(models.RoleFrontend)
	require.True(t, ok)
	assert.Same(t, successor, active)

	require.Len(t, store.docs, 1)
	var doc *models.HandoffDocument
	for _, d := range store.docs {
		doc = d
	}
	assert.True(t, doc.IsActive)
	assert.Equal(t, source.ID, doc.Source.ID)
	assert.Equal(t, "context_exhausted", doc.Source.TerminationReason)
	assert.Equal(t, 2, doc.Target.ExpectedVersion)
	assert.Equal(t, int64(900), doc.TokenSnapshot.Input)
	assert.Equal(t, models.PhaseImplementation, doc.Progress.Phase)
	assert.Equal(t, 60, doc.Progress.CompletionPercent)
	assert.Equal(t, doc.HandoffID, successor.PredecessorHandoffID)

	// Successor context carries the continuation ahead of the role prompt.
	prompt := successor.SystemPrompt()
	assert.Contains(t, prompt, "wire payment provider")
	assert.Contains(t, prompt, "Do not revisit")
	assert.Contains(t, prompt, "GraphQL")
	assert.True(t, strings.HasPrefix(prompt, doc.ContinuationPrompt), "continuation is prepended")
}

func TestInitiateHandoffSkeletonOnBadOutput(t *testing.T) {
	registry, store := newTestSetup(&fakeLLM{response: "I cannot do that right now"})
	m := NewManager(registry, store)
	m.SetTaskContext("build a shop", "implement checkout", models.PhaseImplementation)

	source := registry.Acquire(models.RoleFrontend)
	successor, err := m.InitiateHandoff(context.Background(), source)
	require.NoError(t, err, "malformed output degrades to skeleton, not failure")

	require.Len(t, store.docs, 1)
	for _, doc := range store.docs {
		assert.Equal(t, "unknown", doc.Progress.Status)
		assert.Equal(t, "implement checkout", doc.CurrentWIP)
		assert.NotEmpty(t, doc.TodoList)
	}
	assert.NotNil(t, successor)
}

func TestInitiateHandoffPersistFailureKeepsPredecessor(t *testing.T) {
	registry, store := newTestSetup(&fakeLLM{response: handoffJSON})
	store.saveErr = errors.New("db down")
	m := NewManager(registry, store)

	source := registry.Acquire(models.RoleFrontend)
	_, err := m.InitiateHandoff(context.Background(), source)
	require.Error(t, err)

	assert.NotEqual(t, models.AgentTerminated, source.State(), "predecessor must survive failed persist")
	active, ok := registry.Active(models.RoleFrontend)
	require.True(t, ok)
	assert.Same(t, source, active)
}

func TestHandoffChainContinuesTrace(t *testing.T) {
	registry, store := newTestSetup(&fakeLLM{response: handoffJSON})
	m := NewManager(registry, store)

	first := registry.Acquire(models.RoleFrontend)
	second, err := m.InitiateHandoff(context.Background(), first)
	require.NoError(t, err)

	third, err := m.InitiateHandoff(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Version)

	require.Len(t, store.docs, 2)
	var traces []string
	for _, doc := range store.docs {
		traces = append(traces, doc.TraceID)
	}
	assert.Equal(t, traces[0], traces[1], "successive handoffs share one trace")
}

func TestMarkdownRendering(t *testing.T) {
	dir := t.TempDir()
	registry, store := newTestSetup(&fakeLLM{response: handoffJSON})
	m := NewManager(registry, store, WithMarkdownDir(dir))

	source := registry.Acquire(models.RoleFrontend)
	_, err := m.InitiateHandoff(context.Background(), source)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".md", filepath.Ext(entries[0].Name()))
}

func TestBuildContinuationPromptEmptyDocument(t *testing.T) {
	prompt := BuildContinuationPrompt(&models.HandoffDocument{})
	assert.Contains(t, prompt, "continuing work")
	assert.NotContains(t, prompt, "TODO")
}

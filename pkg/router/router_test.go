package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/classify"
	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/services"
	"github.com/buildhive-ai/buildhive/pkg/workflow"
)

// routedLLM answers classifier and conversation requests by system
// prompt.
type routedLLM struct {
	class        string
	buildRequest bool
	chatReply    string
	chatErr      error
}

func (r *routedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	switch {
	case strings.Contains(req.System, `{"class"`):
		return &llm.Response{Text: `{"class":"` + r.class + `"}`}, nil
	case strings.Contains(req.System, `build_request`):
		if r.buildRequest {
			return &llm.Response{Text: `{"build_request":true}`}, nil
		}
		return &llm.Response{Text: `{"build_request":false}`}, nil
	default:
		if r.chatErr != nil {
			return nil, r.chatErr
		}
		return &llm.Response{Text: r.chatReply}, nil
	}
}

func (r *routedLLM) Model() string { return "routed" }

type memSessions struct {
	mu      sync.Mutex
	turns   map[string][]models.Turn
	failing bool
	resets  int
}

func (m *memSessions) GetOrCreate(_ context.Context, userID string, platform models.Platform) (*models.Session, error) {
	if m.failing {
		return nil, errors.New("session store down")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.Session{UserID: userID, Platform: platform, History: m.turns[userID]}, nil
}

func (m *memSessions) AppendTurn(_ context.Context, userID string, turn models.Turn) error {
	if m.failing {
		return errors.New("session store down")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turns == nil {
		m.turns = make(map[string][]models.Turn)
	}
	m.turns[userID] = append(m.turns[userID], turn)
	return nil
}

func (m *memSessions) Reset(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, userID)
	m.resets++
	return nil
}

type memStates struct {
	mu        sync.Mutex
	active    *models.OrchestratorState
	created   *models.OrchestratorState
	getErr    error
	createErr error
}

func (m *memStates) GetActive(_ context.Context, _ string) (*models.OrchestratorState, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, services.ErrStateNotFound
	}
	return m.active, nil
}

func (m *memStates) Create(_ context.Context, st *models.OrchestratorState) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	m.created = st
	m.mu.Unlock()
	return nil
}

type fakeCanceller struct {
	cancelled []string
	miss      bool
}

func (f *fakeCanceller) CancelWorkflow(userID string) bool {
	if f.miss {
		return false
	}
	f.cancelled = append(f.cancelled, userID)
	return true
}

type routerRig struct {
	router    *Router
	sessions  *memSessions
	states    *memStates
	inboxes   *workflow.Inboxes
	canceller *fakeCanceller
}

func newRouterRig(client llm.Client, states *memStates) *routerRig {
	cfg := &config.Config{Classifier: config.DefaultClassifierConfig()}
	sessions := &memSessions{}
	inboxes := workflow.NewInboxes()
	canceller := &fakeCanceller{}
	r := New(cfg, sessions, states, classify.New(client, cfg.Classifier), client, inboxes, canceller)
	return &routerRig{r, sessions, states, inboxes, canceller}
}

func msg(text string) models.MessageIn {
	return models.MessageIn{UserID: "u1", Platform: models.PlatformChat, Text: text}
}

func activeState() *models.OrchestratorState {
	return &models.OrchestratorState{
		UserID:              "u1",
		IsActive:            true,
		WorkflowType:        models.WorkflowFullBuild,
		CurrentPhase:        models.PhaseBackend,
		StepsCompleted:      []string{"plan", "design_spec", "provision_database"},
		StepsTotal:          10,
		CurrentAgentWorking: "backend",
	}
}

func TestBuildRequestQueuesWorkflow(t *testing.T) {
	states := &memStates{}
	rig := newRouterRig(&routedLLM{buildRequest: true}, states)

	out := rig.router.HandleMessage(context.Background(), msg("build me a todo app"))
	assert.Equal(t, models.MessageKindStatus, out.Kind)
	assert.Contains(t, out.Text, "queued")

	require.NotNil(t, states.created)
	assert.Equal(t, models.WorkStatusPending, states.created.WorkStatus)
	assert.Equal(t, models.PhasePlanning, states.created.CurrentPhase)
	assert.Equal(t, "build me a todo app", states.created.OriginalPrompt)
	assert.True(t, states.created.IsActive)
}

func TestWorkflowStartFailsClosed(t *testing.T) {
	states := &memStates{createErr: errors.New("db down")}
	rig := newRouterRig(&routedLLM{buildRequest: true}, states)

	out := rig.router.HandleMessage(context.Background(), msg("build me a shop"))
	assert.Equal(t, models.MessageKindError, out.Kind)
	assert.Contains(t, out.Text, "try again")
}

func TestDuplicateWorkflowRejected(t *testing.T) {
	states := &memStates{createErr: services.ErrActiveWorkflowExists}
	rig := newRouterRig(&routedLLM{buildRequest: true}, states)

	out := rig.router.HandleMessage(context.Background(), msg("build me a shop"))
	assert.Equal(t, models.MessageKindStatus, out.Kind)
	assert.Contains(t, out.Text, "already have an active build")
}

func TestNonBuildMessageGetsConversationReply(t *testing.T) {
	rig := newRouterRig(&routedLLM{chatReply: "Hello! How can I help?"}, &memStates{})

	out := rig.router.HandleMessage(context.Background(), msg("hi there"))
	assert.Equal(t, models.MessageKindResult, out.Kind)
	assert.Equal(t, "Hello! How can I help?", out.Text)

	// Both turns were recorded.
	turns := rig.sessions.turns["u1"]
	require.Len(t, turns, 2)
	assert.Equal(t, models.TurnRoleUser, turns[0].Role)
	assert.Equal(t, models.TurnRoleAssistant, turns[1].Role)
}

func TestRefinementReachesLocalInbox(t *testing.T) {
	states := &memStates{active: activeState()}
	rig := newRouterRig(&routedLLM{class: "refinement"}, states)
	inbox := rig.inboxes.Open("u1")

	out := rig.router.HandleMessage(context.Background(), msg("make the theme dark"))
	assert.Contains(t, out.Text, "fold that into")
	assert.Equal(t, []string{"make the theme dark"}, inbox.Drain())
}

func TestRefinementWithoutLocalWorkflowAsksForRetry(t *testing.T) {
	states := &memStates{active: activeState()}
	rig := newRouterRig(&routedLLM{class: "refinement"}, states)

	out := rig.router.HandleMessage(context.Background(), msg("make the theme dark"))
	assert.Contains(t, out.Text, "send it again")
}

func TestStatusQueryFormatsProgress(t *testing.T) {
	states := &memStates{active: activeState()}
	rig := newRouterRig(&routedLLM{class: "status_query"}, states)

	out := rig.router.HandleMessage(context.Background(), msg("how is it going?"))
	assert.Equal(t, models.MessageKindStatus, out.Kind)
	assert.Contains(t, out.Text, "backend phase")
	assert.Contains(t, out.Text, "step 3 of 10")
	assert.Contains(t, out.Text, "30%")
}

func TestCancellationStopsWorkflow(t *testing.T) {
	states := &memStates{active: activeState()}
	rig := newRouterRig(&routedLLM{class: "cancellation"}, states)

	out := rig.router.HandleMessage(context.Background(), msg("stop everything"))
	assert.Contains(t, out.Text, "Cancelling")
	assert.Equal(t, []string{"u1"}, rig.canceller.cancelled)
}

func TestNewTaskRejectedWhileActive(t *testing.T) {
	states := &memStates{active: activeState()}
	rig := newRouterRig(&routedLLM{class: "new_task"}, states)

	out := rig.router.HandleMessage(context.Background(), msg("also build me a blog"))
	assert.Contains(t, out.Text, "already have a build in progress")
}

func TestClassifierFailureDegradesToConversation(t *testing.T) {
	// An unparseable class degrades to conversation; no workflow action
	// is taken.
	states := &memStates{active: activeState()}
	rig := newRouterRig(&routedLLM{class: "gibberish", chatReply: "Let me check."}, states)

	out := rig.router.HandleMessage(context.Background(), msg("???"))
	assert.Equal(t, models.MessageKindResult, out.Kind)
	assert.Empty(t, rig.canceller.cancelled)
}

func TestSessionFailureDoesNotBlockMessage(t *testing.T) {
	states := &memStates{}
	rig := newRouterRig(&routedLLM{chatReply: "still here"}, states)
	rig.sessions.failing = true

	out := rig.router.HandleMessage(context.Background(), msg("hello"))
	assert.Equal(t, "still here", out.Text)
}

func TestStateLookupFailureReturnsRetryMessage(t *testing.T) {
	states := &memStates{getErr: errors.New("db down")}
	rig := newRouterRig(&routedLLM{}, states)

	out := rig.router.HandleMessage(context.Background(), msg("build me a shop"))
	assert.Equal(t, models.MessageKindError, out.Kind)
	assert.Contains(t, out.Text, "try again")
}

func TestResetSessionClearsHistoryOnly(t *testing.T) {
	states := &memStates{active: activeState()}
	rig := newRouterRig(&routedLLM{chatReply: "ok"}, states)
	require.NoError(t, rig.sessions.AppendTurn(context.Background(), "u1",
		models.Turn{Role: models.TurnRoleUser, Text: "old"}))

	require.NoError(t, rig.router.ResetSession(context.Background(), "u1"))
	assert.Empty(t, rig.sessions.turns["u1"])
	assert.NotNil(t, states.active, "workflow state untouched")
}

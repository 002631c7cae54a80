package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/events"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/queue"
	"github.com/buildhive-ai/buildhive/pkg/services"
	"github.com/buildhive-ai/buildhive/pkg/telemetry"
)

type fakeHandler struct {
	lastMsg  models.MessageIn
	resets   []string
	resetErr error
}

func (f *fakeHandler) HandleMessage(_ context.Context, msg models.MessageIn) models.MessageOut {
	f.lastMsg = msg
	return models.MessageOut{UserID: msg.UserID, Kind: models.MessageKindResult, Text: "ack: " + msg.Text}
}

func (f *fakeHandler) ResetSession(_ context.Context, userID string) error {
	f.resets = append(f.resets, userID)
	return f.resetErr
}

type fakeStates struct {
	state *models.OrchestratorState
	err   error
}

func (f *fakeStates) GetActive(context.Context, string) (*models.OrchestratorState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.state, nil
}

func (f *fakeStates) ListAudit(context.Context, string, int) ([]models.AuditEvent, error) {
	return []models.AuditEvent{{EventType: models.AuditWorkflowStarted}}, nil
}

type fakePool struct {
	cancelled []string
	miss      bool
}

func (f *fakePool) CancelWorkflow(userID string) bool {
	if f.miss {
		return false
	}
	f.cancelled = append(f.cancelled, userID)
	return true
}

func (f *fakePool) Health() queue.PoolHealth {
	return queue.PoolHealth{Started: true}
}

type fakeDB struct{ err error }

func (f *fakeDB) HealthCheck(context.Context) error { return f.err }

type fakeSessions struct {
	count int
	err   error
}

func (f *fakeSessions) ActiveCount(context.Context) (int, error) { return f.count, f.err }

type apiRig struct {
	server   *Server
	handler  *fakeHandler
	states   *fakeStates
	pool     *fakePool
	db       *fakeDB
	sessions *fakeSessions
	broker   *events.Broker
}

func newAPIRig() *apiRig {
	rig := &apiRig{
		handler:  &fakeHandler{},
		states:   &fakeStates{err: services.ErrStateNotFound},
		pool:     &fakePool{},
		db:       &fakeDB{},
		sessions: &fakeSessions{},
		broker:   events.NewBroker(),
	}
	rig.server = NewServer(Deps{
		Config:   &config.Config{Server: config.DefaultServerConfig()},
		Handler:  rig.handler,
		States:   rig.states,
		Pool:     rig.pool,
		DB:       rig.db,
		Sessions: rig.sessions,
		Broker:   rig.broker,
		Metrics:  telemetry.NewMetrics(),
	})
	return rig
}

func (r *apiRig) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	r.server.Routes().ServeHTTP(rec, req)
	return rec
}

func TestPostMessageRoutesAndReplies(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/api/v1/messages",
		`{"user_id":"u1","platform":"chat","text":"build me a shop"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out models.MessageOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ack: build me a shop", out.Text)
	assert.Equal(t, models.PlatformChat, rig.handler.lastMsg.Platform)
}

func TestPostMessageRejectsMissingFields(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/api/v1/messages", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageDefaultsToDirectAPIPlatform(t *testing.T) {
	rig := newAPIRig()

	rig.do(t, http.MethodPost, "/api/v1/messages", `{"user_id":"u1","text":"hi"}`)
	assert.Equal(t, models.PlatformDirectAPI, rig.handler.lastMsg.Platform)
}

func TestWorkflowStatusFound(t *testing.T) {
	rig := newAPIRig()
	rig.states.err = nil
	rig.states.state = &models.OrchestratorState{
		UserID:         "u1",
		WorkflowType:   models.WorkflowFullBuild,
		CurrentPhase:   models.PhaseReview,
		StepsCompleted: []string{"plan", "design_spec"},
		StepsTotal:     10,
	}

	rec := rig.do(t, http.MethodGet, "/api/v1/workflows/u1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "review", out["phase"])
	assert.Equal(t, float64(20), out["percent"])
}

func TestWorkflowStatusNotFound(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodGet, "/api/v1/workflows/u1/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWorkflow(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodPost, "/api/v1/workflows/u1/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"u1"}, rig.pool.cancelled)
}

func TestCancelWorkflowNotLocal(t *testing.T) {
	rig := newAPIRig()
	rig.pool.miss = true

	rec := rig.do(t, http.MethodPost, "/api/v1/workflows/u1/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetSession(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodDelete, "/api/v1/sessions/u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1"}, rig.handler.resets)
}

func TestHealthzHealthy(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "ok", out["database"])
}

func TestHealthzReportsActiveSessions(t *testing.T) {
	rig := newAPIRig()
	rig.sessions.count = 7

	rec := rig.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(7), out["active_sessions"])
}

func TestHealthzOmitsSessionCountOnError(t *testing.T) {
	rig := newAPIRig()
	rig.sessions.err = errors.New("pool exhausted")

	rec := rig.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "active_sessions")
}

func TestHealthzUnhealthyDatabase(t *testing.T) {
	rig := newAPIRig()
	rig.db.err = errors.New("connection refused")

	rec := rig.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	rig := newAPIRig()

	rec := rig.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWorkflowWSReceivesBrokerEvents(t *testing.T) {
	rig := newAPIRig()
	ts := httptest.NewServer(rig.server.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/workflows/u1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the subscription to land, then broadcast.
	require.Eventually(t, func() bool {
		return rig.broker.SubscriberCount(events.UserChannel("u1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	rig.broker.Broadcast(events.UserChannel("u1"), []byte(`{"type":"workflow.status","phase":"design"}`))

	_, payload, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "workflow.status")
}

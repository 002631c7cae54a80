// Package api exposes the HTTP surface: inbound messages, workflow
// status and cancellation, a WebSocket event stream, health, and
// metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/events"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/queue"
	"github.com/buildhive-ai/buildhive/pkg/telemetry"
)

// MessageHandler routes inbound messages. *router.Router satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.MessageIn) models.MessageOut
	ResetSession(ctx context.Context, userID string) error
}

// StatusSource reads workflow state for the status endpoints.
// *services.StateService satisfies it.
type StatusSource interface {
	GetActive(ctx context.Context, userID string) (*models.OrchestratorState, error)
	ListAudit(ctx context.Context, userID string, limit int) ([]models.AuditEvent, error)
}

// WorkerPool is the queue surface the server needs.
// *queue.Pool satisfies it.
type WorkerPool interface {
	CancelWorkflow(userID string) bool
	Health() queue.PoolHealth
}

// HealthChecker pings the database. *database.Client satisfies it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SessionCounter reports how many conversation sessions are live.
// *services.SessionService satisfies it.
type SessionCounter interface {
	ActiveCount(ctx context.Context) (int, error)
}

// PGSubscriber issues LISTEN for a channel when the first WebSocket
// client asks for it. *events.Listener satisfies it; nil disables the
// Postgres leg (broker-only fan-out, used in tests).
type PGSubscriber interface {
	Subscribe(ctx context.Context, channel string) error
}

// EventHistory replays persisted events a reconnecting client missed.
// *events.Publisher satisfies it.
type EventHistory interface {
	CatchUp(ctx context.Context, channel string, afterID int64, limit int) ([][]byte, error)
}

// Deps are the server's collaborators.
type Deps struct {
	Config   *config.Config
	Handler  MessageHandler
	States   StatusSource
	Pool     WorkerPool
	DB       HealthChecker
	Sessions SessionCounter
	Broker   *events.Broker
	Listener PGSubscriber
	History  EventHistory
	Metrics  *telemetry.Metrics
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates the server and its route table.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: slog.With("component", "api"),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the gin engine. Exposed separately so tests can drive
// it through httptest without binding a port.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/messages", s.handleMessage)
		v1.DELETE("/sessions/:user_id", s.handleResetSession)
		v1.GET("/workflows/:user_id/status", s.handleWorkflowStatus)
		v1.GET("/workflows/:user_id/audit", s.handleWorkflowAudit)
		v1.POST("/workflows/:user_id/cancel", s.handleCancelWorkflow)
		v1.GET("/ws/workflows/:user_id", s.handleWorkflowWS)
	}
	return engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

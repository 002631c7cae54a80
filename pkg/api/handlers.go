package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/services"
)

// messageRequest is the POST /messages body.
type messageRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Platform string `json:"platform"`
	Text     string `json:"text" binding:"required"`
}

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	platform := models.Platform(req.Platform)
	if platform == "" {
		platform = models.PlatformDirectAPI
	}

	reply := s.deps.Handler.HandleMessage(c.Request.Context(), models.MessageIn{
		UserID:    req.UserID,
		Platform:  platform,
		Text:      req.Text,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleResetSession(c *gin.Context) {
	userID := c.Param("user_id")
	if err := s.deps.Handler.ResetSession(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "reset": true})
}

func (s *Server) handleWorkflowStatus(c *gin.Context) {
	userID := c.Param("user_id")
	state, err := s.deps.States.GetActive(c.Request.Context(), userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"user_id":       state.UserID,
			"workflow_type": state.WorkflowType,
			"phase":         state.CurrentPhase,
			"work_status":   state.WorkStatus,
			"steps_total":   state.StepsTotal,
			"steps_done":    len(state.StepsCompleted),
			"percent":       state.ProgressPercent(),
			"current_agent": state.CurrentAgentWorking,
			"current_task":  state.CurrentTaskDescription,
			"deploy_url":    state.ProjectMetadata.DeployURL,
			"updated_at":    state.UpdatedAt,
		})
	case errors.Is(err, services.ErrStateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active workflow"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workflow state"})
	}
}

func (s *Server) handleWorkflowAudit(c *gin.Context) {
	userID := c.Param("user_id")
	auditEvents, err := s.deps.States.ListAudit(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "events": auditEvents})
}

func (s *Server) handleCancelWorkflow(c *gin.Context) {
	userID := c.Param("user_id")
	if !s.deps.Pool.CancelWorkflow(userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no workflow running on this replica"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"user_id": userID, "cancelling": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := gin.H{"status": "healthy"}
	code := http.StatusOK

	if s.deps.DB != nil {
		if err := s.deps.DB.HealthCheck(ctx); err != nil {
			status["status"] = "unhealthy"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	if s.deps.Pool != nil {
		status["queue"] = s.deps.Pool.Health()
	}
	if s.deps.Sessions != nil {
		if n, err := s.deps.Sessions.ActiveCount(ctx); err == nil {
			status["active_sessions"] = n
		}
	}
	c.JSON(code, status)
}

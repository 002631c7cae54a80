package api

import (
	"context"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/buildhive-ai/buildhive/pkg/events"
)

// catchupLimit caps how many missed events a reconnecting client gets
// replayed. Beyond that the client should reload state over REST.
const catchupLimit = 200

// wsWriteTimeout bounds a single send so one stalled client cannot
// block the pump goroutine forever.
const wsWriteTimeout = 10 * time.Second

// handleWorkflowWS streams a user's workflow events over WebSocket.
// Events flow Postgres NOTIFY -> Listener -> Broker -> this connection;
// the optional after_id query parameter replays persisted events the
// client missed while disconnected.
func (s *Server) handleWorkflowWS(c *gin.Context) {
	userID := c.Param("user_id")
	channel := events.UserChannel(userID)

	opts := &websocket.AcceptOptions{}
	if len(s.deps.Config.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.deps.Config.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()

	// Make sure this pod actually LISTENs on the user's PG channel
	// before handing out a broker subscription.
	if s.deps.Listener != nil {
		if err := s.deps.Listener.Subscribe(ctx, channel); err != nil {
			s.logger.Error("LISTEN failed for WebSocket client", "channel", channel, "error", err)
			conn.Close(websocket.StatusInternalError, "event stream unavailable")
			return
		}
	}

	sub, cancel := s.deps.Broker.Subscribe(channel)
	defer cancel()

	if !s.replayMissed(ctx, c.Query("after_id"), channel, conn) {
		return
	}

	// Read loop in the background: we ignore client payloads but need
	// the reads to surface pings and closure.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancelWrite()
			if err != nil {
				s.logger.Debug("WebSocket write failed, dropping client",
					"user_id", userID, "error", err)
				return
			}
		}
	}
}

// replayMissed sends persisted events newer than after_id. Returns
// false when the connection is no longer usable.
func (s *Server) replayMissed(ctx context.Context, afterID, channel string, conn *websocket.Conn) bool {
	if afterID == "" || s.deps.History == nil {
		return true
	}
	id, err := strconv.ParseInt(afterID, 10, 64)
	if err != nil {
		return true
	}

	missed, err := s.deps.History.CatchUp(ctx, channel, id, catchupLimit)
	if err != nil {
		s.logger.Error("Event catch-up failed", "channel", channel, "error", err)
		return true
	}
	for _, payload := range missed {
		writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, payload)
		cancelWrite()
		if err != nil {
			return false
		}
	}
	return true
}

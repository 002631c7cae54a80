// Package tools exposes external capabilities (VCS, deployment, database
// provisioning, browser tests) through MCP tool servers behind one
// typed façade.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/retry"
	"github.com/buildhive-ai/buildhive/pkg/version"
)

const initTimeout = 30 * time.Second

// Caller abstracts a tool invocation so the provider can be tested
// without live MCP servers.
type Caller interface {
	CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (json.RawMessage, error)
}

// Client manages MCP sessions for the configured tool servers.
// Thread-safe; sessions are shared across concurrent workflows.
type Client struct {
	cfg      *config.ToolsConfig
	breakers map[string]*retry.Breaker
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewClient creates a Client for the configured servers. No connections
// are opened until Initialize. breakers maps server IDs to their
// circuit breakers; a server without one is called directly.
func NewClient(cfg *config.ToolsConfig, breakers map[string]*retry.Breaker) *Client {
	return &Client{
		cfg:      cfg,
		breakers: breakers,
		logger:   slog.With("component", "tools"),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Initialize connects to every configured server. A server that fails
// to connect is logged and skipped; calls against it will error until
// a retry reconnects it.
func (c *Client) Initialize(ctx context.Context) error {
	for serverID := range c.cfg.Servers {
		if err := c.connect(ctx, serverID); err != nil {
			c.logger.Warn("Tool server failed to initialize", "server", serverID, "error", err)
		}
	}
	return nil
}

func (c *Client) connect(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	serverCfg, ok := c.cfg.Servers[serverID]
	if !ok {
		return fmt.Errorf("tool server %q not configured", serverID)
	}

	transport, err := createTransport(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.Version,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	c.mu.Unlock()

	c.logger.Info("Tool server connected", "server", serverID)
	return nil
}

// CallTool invokes a tool and returns the structured content of the
// result. Each server's circuit breaker guards the call, so a dead tool
// server sheds load fast instead of stalling every workflow on it.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (json.RawMessage, error) {
	breaker := c.breakers[serverID]
	if breaker == nil {
		return c.callWithReconnect(ctx, serverID, toolName, args)
	}

	var result json.RawMessage
	err := breaker.Do(func() error {
		var err error
		result, err = c.callWithReconnect(ctx, serverID, toolName, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// callWithReconnect performs the invocation, dropping and reconnecting
// a broken session once before retrying the call.
func (c *Client) callWithReconnect(ctx context.Context, serverID, toolName string, args map[string]any) (json.RawMessage, error) {
	result, err := c.callOnce(ctx, serverID, toolName, args)
	if err == nil {
		return result, nil
	}

	c.logger.Info("Tool call failed, reconnecting",
		"server", serverID, "tool", toolName, "error", err)

	c.dropSession(serverID)
	if reconnErr := c.connect(ctx, serverID); reconnErr != nil {
		return nil, fmt.Errorf("reconnect to %q failed after call error: %w", serverID, err)
	}

	result, err = c.callOnce(ctx, serverID, toolName, args)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callOnce(ctx context.Context, serverID, toolName string, args map[string]any) (json.RawMessage, error) {
	c.mu.RLock()
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		if err := c.connect(ctx, serverID); err != nil {
			return nil, err
		}
		c.mu.RLock()
		session = c.sessions[serverID]
		c.mu.RUnlock()
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %q.%s reported error: %s", serverID, toolName, textContent(result))
	}

	if result.StructuredContent != nil {
		return json.Marshal(result.StructuredContent)
	}
	// Fall back to the text blocks when the server returns no
	// structured payload.
	return json.Marshal(map[string]string{"text": textContent(result)})
}

func (c *Client) dropSession(serverID string) {
	c.mu.Lock()
	if session, exists := c.sessions[serverID]; exists {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()
}

// Connected reports whether a live session exists for a server.
func (c *Client) Connected(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sessions[serverID]
	return ok
}

// Close shuts down all sessions.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

func textContent(result *mcpsdk.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			return text.Text
		}
	}
	return ""
}

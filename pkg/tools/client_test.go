package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/retry"
)

func toolsConfig() *config.ToolsConfig {
	return &config.ToolsConfig{
		Servers:     map[string]config.ToolServerConfig{},
		CallTimeout: time.Second,
	}
}

func TestCallToolBreakerShedsLoadForDeadServer(t *testing.T) {
	breakers := map[string]*retry.Breaker{
		"deploy": retry.NewBreaker("tools_deploy", 2, time.Minute),
	}
	client := NewClient(toolsConfig(), breakers)

	// The server is not configured, so every attempt fails at connect.
	for i := 0; i < 2; i++ {
		_, err := client.CallTool(context.Background(), "deploy", "deploy_app", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured")
	}
	assert.Equal(t, retry.BreakerOpen, breakers["deploy"].State())

	_, err := client.CallTool(context.Background(), "deploy", "deploy_app", nil)
	assert.ErrorIs(t, err, retry.ErrBreakerOpen)
}

func TestCallToolWithoutBreakerCallsDirectly(t *testing.T) {
	client := NewClient(toolsConfig(), nil)

	_, err := client.CallTool(context.Background(), "vcs", "create_repo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
	assert.NotErrorIs(t, err, retry.ErrBreakerOpen)
}

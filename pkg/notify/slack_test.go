package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/retry"
)

func slackConfig(apiURL string) *config.SlackConfig {
	return &config.SlackConfig{
		Enabled:  true,
		TokenEnv: "BH_TEST_SLACK_TOKEN",
		Channel:  "#builds",
		APIURL:   apiURL,
	}
}

func TestNewSlackTransportDisabledReturnsNil(t *testing.T) {
	transport, err := NewSlackTransport(&config.SlackConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, transport)
}

func TestNewSlackTransportRequiresToken(t *testing.T) {
	t.Setenv("BH_TEST_SLACK_TOKEN", "")
	_, err := NewSlackTransport(slackConfig(""), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BH_TEST_SLACK_TOKEN")
}

func TestSlackSendDeliversMessage(t *testing.T) {
	t.Setenv("BH_TEST_SLACK_TOKEN", "xoxb-test")

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"#builds","ts":"1"}`))
	}))
	defer srv.Close()

	transport, err := NewSlackTransport(slackConfig(srv.URL+"/"), nil)
	require.NoError(t, err)

	err = transport.Send(context.Background(), models.MessageOut{
		UserID: "u1", Kind: models.MessageKindResult, Text: "deployed",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestSlackSendBreakerShedsAfterRepeatedFailures(t *testing.T) {
	t.Setenv("BH_TEST_SLACK_TOKEN", "xoxb-test")

	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	transport, err := NewSlackTransport(slackConfig(srv.URL+"/"), retry.NewBreaker("slack", 2, time.Minute))
	require.NoError(t, err)

	msg := models.MessageOut{UserID: "u1", Kind: models.MessageKindStatus, Text: "working"}
	for i := 0; i < 2; i++ {
		require.Error(t, transport.Send(context.Background(), msg))
	}
	assert.Equal(t, 2, requests)

	// Breaker is open; the API is no longer hit.
	err = transport.Send(context.Background(), msg)
	assert.ErrorIs(t, err, retry.ErrBreakerOpen)
	assert.Equal(t, 2, requests)
}

package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/retry"
)

// SlackTransport posts messages to a Slack channel. Status updates keep
// a plain text body; results and errors get a header prefix so they
// stand out in the channel.
type SlackTransport struct {
	api     *goslack.Client
	channel string
	timeout time.Duration
	breaker *retry.Breaker
}

// NewSlackTransport builds the transport from configuration. The token
// is read from the environment variable named in the config. Returns
// nil when Slack is disabled. A nil breaker leaves calls unguarded.
func NewSlackTransport(cfg *config.SlackConfig, breaker *retry.Breaker) (*SlackTransport, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("slack enabled but %s is empty", cfg.TokenEnv)
	}

	var opts []goslack.Option
	if cfg.APIURL != "" {
		opts = append(opts, goslack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackTransport{
		api:     goslack.New(token, opts...),
		channel: cfg.Channel,
		timeout: 5 * time.Second,
		breaker: breaker,
	}, nil
}

// Send posts one message to the configured channel. While the Slack API
// is failing the breaker sheds sends fast; the notifier already treats
// delivery as fire-and-forget.
func (t *SlackTransport) Send(ctx context.Context, msg models.MessageOut) error {
	if t.breaker == nil {
		return t.post(ctx, msg)
	}
	return t.breaker.Do(func() error { return t.post(ctx, msg) })
}

func (t *SlackTransport) post(ctx context.Context, msg models.MessageOut) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	text := msg.Text
	switch msg.Kind {
	case models.MessageKindResult:
		text = fmt.Sprintf(":white_check_mark: *%s*\n%s", msg.UserID, msg.Text)
	case models.MessageKindError:
		text = fmt.Sprintf(":x: *%s*\n%s", msg.UserID, msg.Text)
	default:
		text = fmt.Sprintf("*%s*: %s", msg.UserID, msg.Text)
	}

	_, _, err := t.api.PostMessageContext(ctx, t.channel,
		goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

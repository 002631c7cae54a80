// Package llm abstracts the language model providers behind a small
// completion interface. Agents, classifiers, and the planner all speak
// through it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

// ErrEmptyCompletion indicates the provider returned no usable text.
var ErrEmptyCompletion = errors.New("empty completion from provider")

// Role of a conversation message sent to the provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of provider conversation input.
type Message struct {
	Role Role
	Text string
}

// Request is a single completion request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int64
	Temperature float64
}

// Response carries the completion text and the provider-reported token
// usage for the call.
type Response struct {
	Text  string
	Usage models.TokenUsage
}

// Client is a completion-capable LLM provider.
type Client interface {
	// Complete performs one completion round trip.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Model returns the configured model identifier.
	Model() string
}

// NewClient builds the provider selected by configuration. The API key
// is read from the environment variable named in the config.
func NewClient(cfg *config.LLMConfig) (Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key not set: environment variable %s is empty", cfg.APIKeyEnv)
	}

	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg, apiKey), nil
	case "openai":
		return newOpenAIClient(cfg, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// Package classify decides what an inbound message means: whether it
// refines, queries, or cancels an active workflow, and whether a first
// message should start one. Results are cached in a bounded TTL LRU so
// repeated messages skip the LLM round trip.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

// MessageClass is the in-workflow classification of a message.
type MessageClass string

const (
	ClassRefinement   MessageClass = "refinement"
	ClassStatusQuery  MessageClass = "status_query"
	ClassCancellation MessageClass = "cancellation"
	ClassNewTask      MessageClass = "new_task"
	ClassConversation MessageClass = "conversation"
)

const workflowClassifierSystem = `You are a message classifier for a web-app building assistant.
The user has a build workflow in progress. Classify their message into exactly one of:
- refinement: modifies the scope or details of the in-flight task
- status_query: asks about progress
- cancellation: asks to stop the current work
- new_task: an unrelated new build request
- conversation: small talk or anything else

Respond with JSON only: {"class": "<one of the above>"}`

const intentClassifierSystem = `You are a message classifier for a web-app building assistant.
Decide whether the user's message is a request to build, fix, or deploy a web application,
or just a conversational question.

Respond with JSON only: {"build_request": true|false}`

// Classifier wraps the LLM with caching and safe-default fallbacks.
// Classification is a pure function of its inputs, so results are
// cacheable by a stable hash.
type Classifier struct {
	client llm.Client
	cache  *ttlCache
	logger *slog.Logger
}

// New creates a classifier with a bounded result cache.
func New(client llm.Client, cfg *config.ClassifierConfig) *Classifier {
	return &Classifier{
		client: client,
		cache:  newTTLCache(cfg.CacheSize, cfg.CacheTTL),
		logger: slog.With("component", "classifier"),
	}
}

// ClassifyInWorkflow classifies a message arriving while a workflow is
// active. On any classifier failure it degrades to conversation; it
// never silently starts new work.
func (c *Classifier) ClassifyInWorkflow(ctx context.Context, message, workflowSummary string, phase models.Phase) MessageClass {
	key := cacheKey("workflow", message, workflowSummary, string(phase))
	if cached, ok := c.cache.get(key); ok {
		return MessageClass(cached)
	}

	prompt := fmt.Sprintf("Active workflow: %s\nCurrent phase: %s\n\nUser message: %s",
		workflowSummary, phase, message)
	resp, err := c.client.Complete(ctx, llm.Request{
		System:   workflowClassifierSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Text: prompt}},
	})
	if err != nil {
		c.logger.Warn("In-workflow classification failed, degrading to conversation", "error", err)
		return ClassConversation
	}

	class, err := parseClass(resp.Text)
	if err != nil {
		c.logger.Warn("Unparseable classifier output, degrading to conversation", "error", err)
		return ClassConversation
	}

	c.cache.put(key, string(class))
	return class
}

// IsBuildRequest decides whether a first message should start a
// workflow. Failures degrade to false, routing to conversation.
func (c *Classifier) IsBuildRequest(ctx context.Context, message string) bool {
	key := cacheKey("intent", message)
	if cached, ok := c.cache.get(key); ok {
		return cached == "true"
	}

	resp, err := c.client.Complete(ctx, llm.Request{
		System:   intentClassifierSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Text: message}},
	})
	if err != nil {
		c.logger.Warn("Intent classification failed, treating as conversation", "error", err)
		return false
	}

	var out struct {
		BuildRequest bool `json:"build_request"`
	}
	if err := json.Unmarshal(extractJSON(resp.Text), &out); err != nil {
		c.logger.Warn("Unparseable intent output, treating as conversation", "error", err)
		return false
	}

	c.cache.put(key, fmt.Sprintf("%t", out.BuildRequest))
	return out.BuildRequest
}

// CacheLen reports the number of live cache entries.
func (c *Classifier) CacheLen() int {
	return c.cache.len()
}

func parseClass(text string) (MessageClass, error) {
	var out struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal(extractJSON(text), &out); err != nil {
		return "", fmt.Errorf("decoding classifier output: %w", err)
	}
	switch class := MessageClass(out.Class); class {
	case ClassRefinement, ClassStatusQuery, ClassCancellation, ClassNewTask, ClassConversation:
		return class, nil
	default:
		return "", fmt.Errorf("unknown message class %q", out.Class)
	}
}

// extractJSON pulls the first JSON object out of possibly-prosy model
// output.
func extractJSON(text string) []byte {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return []byte(text)
	}
	return []byte(text[start : end+1])
}

func cacheKey(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Package agent owns agent instances and their lifecycle: lazy spawning,
// token budget tracking with threshold callbacks, handoff initiation,
// and termination.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildhive-ai/buildhive/pkg/a2a"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

// Instance is one live agent. It executes tasks over the LLM, tracks
// its own context consumption, and can serialize its accumulated state
// into a handoff payload.
type Instance struct {
	ID                   string
	UserID               string
	Role                 models.AgentRole
	Version              int
	SpawnTime            time.Time
	PredecessorHandoffID string

	Tracker *TokenTracker

	mu           sync.Mutex
	state        models.AgentState
	systemPrompt string
	client       llm.Client
	logger       *slog.Logger
}

func newInstance(userID string, role models.AgentRole, version int, client llm.Client, tracker *TokenTracker) *Instance {
	id := fmt.Sprintf("%s_v%d_%s", role, version, uuid.NewString()[:8])
	return &Instance{
		ID:           id,
		UserID:       userID,
		Role:         role,
		Version:      version,
		SpawnTime:    time.Now().UTC(),
		Tracker:      tracker,
		state:        models.AgentInitializing,
		systemPrompt: rolePrompts[role],
		client:       client,
		logger:       slog.With("component", "agent", "agent_id", id),
	}
}

// State returns the lifecycle state.
func (a *Instance) State() models.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState moves the instance to a new lifecycle state.
func (a *Instance) SetState(s models.AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// PrependContinuation puts a predecessor's continuation prompt in front
// of the role system prompt.
func (a *Instance) PrependContinuation(continuation string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemPrompt = continuation + "\n\n" + a.systemPrompt
}

// SystemPrompt returns the effective system prompt.
func (a *Instance) SystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemPrompt
}

// HandleTask executes one task round trip against the LLM. The returned
// response carries the call's token usage; the caller records it with
// the registry, which owns threshold policy.
func (a *Instance) HandleTask(ctx context.Context, task models.Task) (*models.TaskResponse, error) {
	prompt := task.Description
	if len(task.Metadata) > 0 {
		var sb strings.Builder
		sb.WriteString(prompt)
		sb.WriteString("\n\nAdditional context:")
		for k, v := range task.Metadata {
			fmt.Fprintf(&sb, "\n- %s: %s", k, v)
		}
		prompt = sb.String()
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		System:   a.SystemPrompt(),
		Messages: []llm.Message{{Role: llm.RoleUser, Text: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s task failed: %w", a.ID, err)
	}

	result, err := json.Marshal(map[string]string{"output": resp.Text})
	if err != nil {
		return nil, fmt.Errorf("encoding task result: %w", err)
	}

	return &models.TaskResponse{
		TaskID:     task.ID,
		Status:     models.TaskCompleted,
		Result:     result,
		TokenUsage: resp.Usage,
	}, nil
}

// HandleReview asks the LLM for a structured verdict on an artifact.
// Unparseable output is reported as an error; the workflow engine treats
// that as a failed review and retries. Like HandleTask, the returned
// verdict carries the call's token usage for the caller to record with
// the registry, which owns threshold policy.
func (a *Instance) HandleReview(ctx context.Context, artifact json.RawMessage, iteration int) (*models.Review, error) {
	prompt := fmt.Sprintf("Review iteration %d. Evaluate this implementation:\n%s", iteration, artifact)
	resp, err := a.client.Complete(ctx, llm.Request{
		System:   a.SystemPrompt(),
		Messages: []llm.Message{{Role: llm.RoleUser, Text: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s review failed: %w", a.ID, err)
	}

	var review models.Review
	if err := json.Unmarshal(extractJSON(resp.Text), &review); err != nil {
		return nil, fmt.Errorf("agent %s returned unparseable review: %w", a.ID, err)
	}
	if review.Score < 1 || review.Score > 10 {
		return nil, fmt.Errorf("agent %s returned out-of-range review score %d", a.ID, review.Score)
	}
	review.Iteration = iteration
	review.Usage = resp.Usage
	return &review, nil
}

// HandleMessage accepts fire-and-forget envelopes. Status and error
// notifications are logged; agents do not act on them directly.
func (a *Instance) HandleMessage(_ context.Context, env a2a.Envelope) error {
	a.logger.Debug("Envelope received", "type", env.Type, "from", env.FromAgent)
	return nil
}

// ProduceHandoffContent interrogates the instance for a structured
// handoff payload. The caller falls back to a minimal skeleton when this
// fails.
func (a *Instance) ProduceHandoffContent(ctx context.Context) (*models.HandoffDocument, error) {
	resp, err := a.client.Complete(ctx, llm.Request{
		System:   a.SystemPrompt(),
		Messages: []llm.Message{{Role: llm.RoleUser, Text: handoffContentPrompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("handoff content query failed: %w", err)
	}

	var doc models.HandoffDocument
	if err := json.Unmarshal(extractJSON(resp.Text), &doc); err != nil {
		return nil, fmt.Errorf("unparseable handoff content: %w", err)
	}
	return &doc, nil
}

func extractJSON(text string) []byte {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return []byte(text)
	}
	return []byte(text[start : end+1])
}

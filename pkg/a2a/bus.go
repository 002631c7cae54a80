package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/buildhive-ai/buildhive/pkg/models"
)

var (
	// ErrAgentNotRegistered indicates the target agent is unknown to the
	// bus.
	ErrAgentNotRegistered = errors.New("agent not registered")

	// ErrTaskTimeout indicates the recipient did not answer within the
	// task timeout.
	ErrTaskTimeout = errors.New("agent task timed out")
)

// Handler receives bus traffic addressed to one agent instance.
type Handler interface {
	// HandleTask executes a task and returns its typed response.
	HandleTask(ctx context.Context, task models.Task) (*models.TaskResponse, error)

	// HandleReview evaluates an artifact and returns a verdict.
	HandleReview(ctx context.Context, artifact json.RawMessage, iteration int) (*models.Review, error)

	// HandleMessage receives fire-and-forget envelopes.
	HandleMessage(ctx context.Context, env Envelope) error
}

type registration struct {
	handler Handler
	role    models.AgentRole
}

// Bus routes typed messages between registered agents. Every send opens
// a child span of the caller's context; the handler runs inside it.
type Bus struct {
	mu          sync.RWMutex
	agents      map[string]registration
	taskTimeout time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewBus creates an empty bus with the given per-task timeout.
func NewBus(taskTimeout time.Duration) *Bus {
	return &Bus{
		agents:      make(map[string]registration),
		taskTimeout: taskTimeout,
		tracer:      otel.Tracer("buildhive/a2a"),
		logger:      slog.With("component", "a2a_bus"),
	}
}

// Register adds an agent to the bus, replacing any previous registration
// under the same ID.
func (b *Bus) Register(agentID string, role models.AgentRole, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[agentID] = registration{handler: handler, role: role}
	b.logger.Debug("Agent registered", "agent_id", agentID, "role", role)
}

// Unregister removes an agent from the bus.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
	b.logger.Debug("Agent unregistered", "agent_id", agentID)
}

// LookupByRole returns the IDs of all registered agents with the role.
func (b *Bus) LookupByRole(role models.AgentRole) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for id, reg := range b.agents {
		if reg.role == role {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Bus) lookup(agentID string) (registration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.agents[agentID]
	if !ok {
		return registration{}, fmt.Errorf("%w: %s", ErrAgentNotRegistered, agentID)
	}
	return reg, nil
}

// SendTask delivers a task and awaits its response, bounded by the task
// timeout. On expiry the response status is failed with a timeout error.
func (b *Bus) SendTask(ctx context.Context, from, to string, task models.Task) (*models.TaskResponse, error) {
	reg, err := b.lookup(to)
	if err != nil {
		return nil, err
	}

	ctx, span := b.tracer.Start(ctx, "a2a.send_task",
		trace.WithAttributes(
			attribute.String("a2a.from", from),
			attribute.String("a2a.to", to),
			attribute.String("a2a.task_id", task.ID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.taskTimeout)
	defer cancel()

	type result struct {
		resp *models.TaskResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := reg.handler.HandleTask(ctx, task)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			return nil, r.err
		}
		return r.resp, nil
	case <-ctx.Done():
		span.SetStatus(codes.Error, "timeout")
		b.logger.Warn("Agent task timed out", "to", to, "task_id", task.ID)
		return &models.TaskResponse{
			TaskID: task.ID,
			Status: models.TaskFailed,
			Error:  ErrTaskTimeout.Error(),
		}, nil
	}
}

// RequestReview asks a reviewer agent for a verdict on an artifact.
func (b *Bus) RequestReview(ctx context.Context, from, to string, artifact json.RawMessage, iteration int) (*models.Review, error) {
	reg, err := b.lookup(to)
	if err != nil {
		return nil, err
	}

	ctx, span := b.tracer.Start(ctx, "a2a.request_review",
		trace.WithAttributes(
			attribute.String("a2a.from", from),
			attribute.String("a2a.to", to),
			attribute.Int("a2a.iteration", iteration),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.taskTimeout)
	defer cancel()

	review, err := reg.handler.HandleReview(ctx, artifact, iteration)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return review, nil
}

// Send delivers a fire-and-forget envelope. Missing fields are filled in.
func (b *Bus) Send(ctx context.Context, env Envelope) error {
	reg, err := b.lookup(env.ToAgent)
	if err != nil {
		return err
	}

	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	ctx, span := b.tracer.Start(ctx, "a2a.send",
		trace.WithAttributes(
			attribute.String("a2a.to", env.ToAgent),
			attribute.String("a2a.type", string(env.Type)),
		))
	defer span.End()

	if err := reg.handler.HandleMessage(ctx, env); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

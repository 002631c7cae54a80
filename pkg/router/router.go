// Package router owns the user-facing entry point: it classifies each
// inbound message against the user's workflow state and dispatches to
// the right action. It never does workflow work itself beyond
// classification and single-turn conversation.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildhive-ai/buildhive/pkg/classify"
	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/services"
	"github.com/buildhive-ai/buildhive/pkg/workflow"
)

const conversationSystem = `You are BuildHive, an assistant that builds web
applications for users. Answer conversational questions briefly and
helpfully. Do not pretend work is in progress unless told so.`

// historyWindow bounds how much conversation history is replayed into a
// single-turn reply.
const historyWindow = 10

// SessionStore is the conversation-history dependency.
// *services.SessionService satisfies it.
type SessionStore interface {
	GetOrCreate(ctx context.Context, userID string, platform models.Platform) (*models.Session, error)
	AppendTurn(ctx context.Context, userID string, turn models.Turn) error
	Reset(ctx context.Context, userID string) error
}

// StateStore is the workflow-state dependency. *services.StateService
// satisfies it.
type StateStore interface {
	GetActive(ctx context.Context, userID string) (*models.OrchestratorState, error)
	Create(ctx context.Context, st *models.OrchestratorState) error
}

// Canceller stops a locally running workflow at its next step boundary.
// *queue.Pool satisfies it.
type Canceller interface {
	CancelWorkflow(userID string) bool
}

// Router dispatches inbound messages.
type Router struct {
	cfg        *config.Config
	sessions   SessionStore
	states     StateStore
	classifier *classify.Classifier
	client     llm.Client
	inboxes    *workflow.Inboxes
	canceller  Canceller
	logger     *slog.Logger
}

// New creates a Router.
func New(cfg *config.Config, sessions SessionStore, states StateStore,
	classifier *classify.Classifier, client llm.Client,
	inboxes *workflow.Inboxes, canceller Canceller) *Router {
	return &Router{
		cfg:        cfg,
		sessions:   sessions,
		states:     states,
		classifier: classifier,
		client:     client,
		inboxes:    inboxes,
		canceller:  canceller,
		logger:     slog.With("component", "router"),
	}
}

// HandleMessage routes one inbound message and returns the reply.
// Session failures are tolerated; the message still gets an answer.
func (r *Router) HandleMessage(ctx context.Context, msg models.MessageIn) models.MessageOut {
	logger := r.logger.With("user_id", msg.UserID)

	session, err := r.sessions.GetOrCreate(ctx, msg.UserID, msg.Platform)
	if err != nil {
		logger.Error("Session load failed, continuing without history", "error", err)
		session = &models.Session{UserID: msg.UserID, Platform: msg.Platform}
	} else if err := r.sessions.AppendTurn(ctx, msg.UserID, models.Turn{
		Role: models.TurnRoleUser, Text: msg.Text, Timestamp: time.Now().UTC(),
	}); err != nil {
		logger.Error("Failed to append user turn", "error", err)
	}

	reply := r.dispatch(ctx, logger, msg, session)

	if err := r.sessions.AppendTurn(ctx, msg.UserID, models.Turn{
		Role: models.TurnRoleAssistant, Text: reply.Text, Timestamp: time.Now().UTC(),
	}); err != nil {
		logger.Error("Failed to append assistant turn", "error", err)
	}
	return reply
}

func (r *Router) dispatch(ctx context.Context, logger *slog.Logger, msg models.MessageIn, session *models.Session) models.MessageOut {
	state, err := r.states.GetActive(ctx, msg.UserID)
	switch {
	case err == nil:
		return r.dispatchInWorkflow(ctx, logger, msg, state)
	case errors.Is(err, services.ErrStateNotFound):
		return r.dispatchIdle(ctx, logger, msg, session)
	default:
		logger.Error("State lookup failed", "error", err)
		return errorReply(msg.UserID, "I can't check on your build right now. Please try again in a moment.")
	}
}

// dispatchInWorkflow handles a message while the user's workflow runs.
func (r *Router) dispatchInWorkflow(ctx context.Context, logger *slog.Logger, msg models.MessageIn, state *models.OrchestratorState) models.MessageOut {
	class := r.classifier.ClassifyInWorkflow(ctx, msg.Text, workflowSummary(state), state.CurrentPhase)
	logger.Info("Classified in-workflow message", "class", class, "phase", state.CurrentPhase)

	switch class {
	case classify.ClassRefinement:
		return r.addRefinement(logger, msg, state)
	case classify.ClassStatusQuery:
		return statusReply(state)
	case classify.ClassCancellation:
		return r.cancelActive(logger, msg.UserID)
	case classify.ClassNewTask:
		return models.MessageOut{
			UserID: msg.UserID,
			Kind:   models.MessageKindStatus,
			Text: fmt.Sprintf("You already have a build in progress (%s phase, %d%% done). "+
				"Cancel it first if you want to start something new.",
				state.CurrentPhase, state.ProgressPercent()),
		}
	default:
		return r.converse(ctx, logger, msg, nil)
	}
}

// dispatchIdle handles a message when no workflow is active.
func (r *Router) dispatchIdle(ctx context.Context, logger *slog.Logger, msg models.MessageIn, session *models.Session) models.MessageOut {
	if !r.classifier.IsBuildRequest(ctx, msg.Text) {
		return r.converse(ctx, logger, msg, session)
	}
	return r.startWorkflow(ctx, logger, msg)
}

// startWorkflow creates the pending workflow record. Creation is
// fail-closed: on a store error the user is told to retry and nothing
// is started.
func (r *Router) startWorkflow(ctx context.Context, logger *slog.Logger, msg models.MessageIn) models.MessageOut {
	state := &models.OrchestratorState{
		UserID:         msg.UserID,
		Platform:       msg.Platform,
		IsActive:       true,
		WorkStatus:     models.WorkStatusPending,
		CurrentPhase:   models.PhasePlanning,
		OriginalPrompt: msg.Text,
		CreatedAt:      time.Now().UTC(),
	}

	err := r.states.Create(ctx, state)
	switch {
	case err == nil:
		logger.Info("Workflow queued", "platform", msg.Platform)
		return models.MessageOut{
			UserID: msg.UserID,
			Kind:   models.MessageKindStatus,
			Text:   "On it. I've queued your build and will keep you posted as each phase completes.",
		}
	case errors.Is(err, services.ErrActiveWorkflowExists):
		return models.MessageOut{
			UserID: msg.UserID,
			Kind:   models.MessageKindStatus,
			Text:   "You already have an active build. Ask for a status update or cancel it first.",
		}
	default:
		logger.Error("Workflow start failed", "error", err)
		return errorReply(msg.UserID, "I couldn't start your build right now. Please try again later.")
	}
}

// addRefinement forwards a refinement to the running workflow's inbox.
// The engine folds it into the current phase at the next step boundary.
func (r *Router) addRefinement(logger *slog.Logger, msg models.MessageIn, state *models.OrchestratorState) models.MessageOut {
	inbox, ok := r.inboxes.Lookup(msg.UserID)
	if !ok {
		// Workflow runs on another pod or is between claims. The
		// refinement cannot reach it; be honest instead of dropping it
		// silently.
		logger.Warn("Refinement for workflow not running locally", "phase", state.CurrentPhase)
		return models.MessageOut{
			UserID: msg.UserID,
			Kind:   models.MessageKindStatus,
			Text:   "Your build is busy right now and I couldn't apply that change. Please send it again in a moment.",
		}
	}
	inbox.AddRefinement(msg.Text)
	logger.Info("Refinement queued", "phase", state.CurrentPhase)
	return models.MessageOut{
		UserID: msg.UserID,
		Kind:   models.MessageKindStatus,
		Text:   "Got it. I'll fold that into the build at the next step.",
	}
}

// cancelActive asks the workflow to stop at its next step boundary.
func (r *Router) cancelActive(logger *slog.Logger, userID string) models.MessageOut {
	if !r.canceller.CancelWorkflow(userID) {
		logger.Warn("Cancellation for workflow not running locally")
		return models.MessageOut{
			UserID: userID,
			Kind:   models.MessageKindStatus,
			Text:   "I couldn't reach your build to cancel it. Please try again in a moment.",
		}
	}
	return models.MessageOut{
		UserID: userID,
		Kind:   models.MessageKindStatus,
		Text:   "Cancelling your build. Anything finished so far will be discarded.",
	}
}

// ResetSession clears the user's conversation history. The workflow
// state, if any, is untouched.
func (r *Router) ResetSession(ctx context.Context, userID string) error {
	return r.sessions.Reset(ctx, userID)
}

// converse produces a single-turn reply from the session history.
func (r *Router) converse(ctx context.Context, logger *slog.Logger, msg models.MessageIn, session *models.Session) models.MessageOut {
	var messages []llm.Message
	if session != nil {
		history := session.History
		if len(history) > historyWindow {
			history = history[len(history)-historyWindow:]
		}
		for _, turn := range history {
			role := llm.RoleUser
			if turn.Role == models.TurnRoleAssistant {
				role = llm.RoleAssistant
			}
			messages = append(messages, llm.Message{Role: role, Text: turn.Text})
		}
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Text: msg.Text})

	resp, err := r.client.Complete(ctx, llm.Request{
		System:   conversationSystem,
		Messages: messages,
	})
	if err != nil {
		logger.Error("Conversation reply failed", "error", err)
		return errorReply(msg.UserID, "Sorry, I'm having trouble responding right now.")
	}
	return models.MessageOut{UserID: msg.UserID, Kind: models.MessageKindResult, Text: resp.Text}
}

// statusReply formats the progress snapshot for the user.
func statusReply(state *models.OrchestratorState) models.MessageOut {
	text := fmt.Sprintf("Your %s workflow is in the %s phase: step %d of %d (%d%%).",
		state.WorkflowType, state.CurrentPhase,
		len(state.StepsCompleted), state.StepsTotal, state.ProgressPercent())
	if state.CurrentAgentWorking != "" {
		text += fmt.Sprintf(" The %s agent is working on: %s",
			state.CurrentAgentWorking, state.CurrentTaskDescription)
	}
	return models.MessageOut{UserID: state.UserID, Kind: models.MessageKindStatus, Text: text}
}

// workflowSummary is the compact description fed to the classifier. It
// is part of the classification cache key, so it only includes fields
// that should invalidate cached results when they change.
func workflowSummary(state *models.OrchestratorState) string {
	return fmt.Sprintf("type=%s phase=%s steps=%d/%d",
		state.WorkflowType, state.CurrentPhase, len(state.StepsCompleted), state.StepsTotal)
}

func errorReply(userID, text string) models.MessageOut {
	return models.MessageOut{UserID: userID, Kind: models.MessageKindError, Text: text}
}

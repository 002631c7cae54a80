package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/models"
	"github.com/buildhive-ai/buildhive/pkg/services"
	"github.com/buildhive-ai/buildhive/pkg/workflow"
)

// Store is the durable queue the workers poll. *services.StateService
// satisfies it.
type Store interface {
	ClaimNext(ctx context.Context, podID string, maxConcurrent int) (*models.OrchestratorState, error)
	Heartbeat(ctx context.Context, userID string) error
	RecoverOrphans(ctx context.Context, threshold time.Duration) ([]string, error)
}

// Executor runs one claimed workflow to a terminal phase.
// *workflow.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, state *models.OrchestratorState, inbox *workflow.Inbox) error
}

// WorkerStatus describes what a worker goroutine is doing right now.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
	WorkerStopped WorkerStatus = "stopped"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID                 int          `json:"id"`
	Status             WorkerStatus `json:"status"`
	CurrentUser        string       `json:"current_user,omitempty"`
	WorkflowsProcessed int          `json:"workflows_processed"`
}

// Worker polls the state store for pending workflows and executes them.
// Each worker processes one workflow at a time.
type Worker struct {
	id       int
	podID    string
	cfg      *config.QueueConfig
	store    Store
	executor Executor
	inboxes  *workflow.Inboxes
	pool     *Pool
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	mu                 sync.Mutex
	status             WorkerStatus
	currentUser        string
	workflowsProcessed int
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:       id,
		podID:    pool.podID,
		cfg:      pool.cfg,
		store:    pool.store,
		executor: pool.executor,
		inboxes:  pool.inboxes,
		pool:     pool,
		logger:   slog.With("component", "queue-worker", "worker_id", id),
		stopCh:   make(chan struct{}),
		status:   WorkerIdle,
	}
}

// run is the worker loop. It exits when the pool stops or ctx is
// cancelled.
func (w *Worker) run(ctx context.Context) {
	defer w.setStatus(WorkerStopped, "")
	w.logger.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled")
			return
		default:
		}

		err := w.pollAndProcess(ctx)
		switch {
		case err == nil:
			// Claimed and finished a workflow, poll again immediately.
		case errors.Is(err, services.ErrNoWorkAvailable), errors.Is(err, services.ErrAtCapacity):
			w.sleep(w.pollDelay())
		default:
			w.logger.Error("Poll failed", "error", err)
			w.sleep(time.Second)
		}
	}
}

// pollDelay spreads workers out so they do not hit the store in
// lockstep.
func (w *Worker) pollDelay() time.Duration {
	d := w.cfg.PollInterval
	if w.cfg.PollIntervalJitter > 0 {
		d += rand.N(w.cfg.PollIntervalJitter)
	}
	return d
}

// sleep waits for d unless the worker is stopped first.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims at most one pending workflow and runs it to a
// terminal phase.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	state, err := w.store.ClaimNext(ctx, w.podID, w.cfg.MaxConcurrentWorkflows)
	if err != nil {
		return err
	}

	w.process(ctx, state)
	return nil
}

func (w *Worker) process(ctx context.Context, state *models.OrchestratorState) {
	logger := w.logger.With("user_id", state.UserID, "phase", state.CurrentPhase)
	logger.Info("Claimed workflow", "workflow_type", state.WorkflowType, "step_seq", state.StepSeq)

	inbox := w.inboxes.Open(state.UserID)
	defer w.inboxes.Close(state.UserID)

	wfCtx, cancel := context.WithTimeout(ctx, w.cfg.WorkflowTimeout)
	defer cancel()

	w.pool.registerWorkflow(state.UserID, cancel)
	defer w.pool.unregisterWorkflow(state.UserID)

	w.setStatus(WorkerWorking, state.UserID)
	defer w.setStatus(WorkerIdle, "")

	hbDone := make(chan struct{})
	go w.heartbeatLoop(wfCtx, state.UserID, hbDone)

	start := time.Now()
	err := w.executor.Execute(wfCtx, state, inbox)
	cancel()
	<-hbDone

	duration := time.Since(start)
	switch {
	case err == nil:
		logger.Info("Workflow finished", "final_phase", state.CurrentPhase, "duration", duration)
	case errors.Is(err, workflow.ErrStateUnavailable):
		// The state row keeps its in-progress claim; the orphan scan
		// returns it to pending once the heartbeat goes stale.
		logger.Warn("State store unavailable, leaving workflow for recovery", "error", err)
	default:
		logger.Error("Workflow failed", "error", err, "duration", duration)
	}

	w.mu.Lock()
	w.workflowsProcessed++
	w.mu.Unlock()
}

// heartbeatLoop refreshes the claim's liveness timestamp while the
// workflow runs. A missed update makes the workflow eligible for orphan
// recovery, so failures here are only logged.
func (w *Worker) heartbeatLoop(ctx context.Context, userID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, userID); err != nil && ctx.Err() == nil {
				w.logger.Warn("Heartbeat failed", "user_id", userID, "error", err)
			}
		}
	}
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) setStatus(status WorkerStatus, userID string) {
	w.mu.Lock()
	w.status = status
	w.currentUser = userID
	w.mu.Unlock()
}

// Health reports the worker's current state.
func (w *Worker) Health() WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerHealth{
		ID:                 w.id,
		Status:             w.status,
		CurrentUser:        w.currentUser,
		WorkflowsProcessed: w.workflowsProcessed,
	}
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/workflow"
)

// PoolHealth is a point-in-time snapshot of the pool, exposed on the
// health endpoint.
type PoolHealth struct {
	Started          bool           `json:"started"`
	Workers          []WorkerHealth `json:"workers"`
	ActiveWorkflows  int            `json:"active_workflows"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// Pool owns the worker goroutines of one pod plus the background orphan
// scan that returns abandoned claims to the queue.
type Pool struct {
	podID    string
	cfg      *config.QueueConfig
	store    Store
	executor Executor
	inboxes  *workflow.Inboxes
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	workers  []*Worker
	cancels  map[string]context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	orphanMu         sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// NewPool creates a stopped pool. Call Start to spawn the workers.
func NewPool(podID string, cfg *config.QueueConfig, store Store, executor Executor, inboxes *workflow.Inboxes) *Pool {
	return &Pool{
		podID:    podID,
		cfg:      cfg,
		store:    store,
		executor: executor,
		inboxes:  inboxes,
		logger:   slog.With("component", "queue-pool", "pod_id", podID),
		cancels:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the configured number of workers and the orphan scan.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	p.logger.Info("Starting worker pool", "workers", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()
	return nil
}

// Stop signals all workers and waits up to GracefulShutdownTimeout for
// running workflows to reach a persistable point. Workflows still
// running after that are cancelled; their claims come back through
// orphan recovery.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		for _, w := range p.workers {
			w.stop()
		}
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped")
		case <-time.After(p.cfg.GracefulShutdownTimeout):
			p.logger.Warn("Graceful shutdown timed out, cancelling active workflows")
			p.mu.Lock()
			for userID, cancel := range p.cancels {
				p.logger.Warn("Force-cancelling workflow", "user_id", userID)
				cancel()
			}
			p.mu.Unlock()
			<-done
		}
	})
}

// CancelWorkflow asks a locally running workflow to stop at its next
// step boundary. Returns false when no workflow for the user runs on
// this pod.
func (p *Pool) CancelWorkflow(userID string) bool {
	inbox, ok := p.inboxes.Lookup(userID)
	if !ok {
		return false
	}
	inbox.Cancel()
	p.logger.Info("Cancellation requested", "user_id", userID)
	return true
}

func (p *Pool) registerWorkflow(userID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[userID] = cancel
	p.mu.Unlock()
}

func (p *Pool) unregisterWorkflow(userID string) {
	p.mu.Lock()
	delete(p.cancels, userID)
	p.mu.Unlock()
}

// runOrphanScan periodically returns workflows with stale heartbeats to
// the pending queue so any pod can resume them.
func (p *Pool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverOrphans(ctx)
		}
	}
}

func (p *Pool) recoverOrphans(ctx context.Context) {
	userIDs, err := p.store.RecoverOrphans(ctx, p.cfg.OrphanThreshold)
	if err != nil {
		p.logger.Error("Orphan scan failed", "error", err)
		return
	}

	p.orphanMu.Lock()
	p.lastOrphanScan = time.Now().UTC()
	p.orphansRecovered += len(userIDs)
	p.orphanMu.Unlock()

	for _, userID := range userIDs {
		p.logger.Warn("Recovered orphaned workflow", "user_id", userID,
			"threshold", p.cfg.OrphanThreshold)
	}
}

// Health reports pool and worker state for the health endpoint.
func (p *Pool) Health() PoolHealth {
	p.mu.Lock()
	health := PoolHealth{
		Started:         p.started,
		ActiveWorkflows: len(p.cancels),
	}
	for _, w := range p.workers {
		health.Workers = append(health.Workers, w.Health())
	}
	p.mu.Unlock()

	p.orphanMu.Lock()
	health.LastOrphanScan = p.lastOrphanScan
	health.OrphansRecovered = p.orphansRecovered
	p.orphanMu.Unlock()
	return health
}

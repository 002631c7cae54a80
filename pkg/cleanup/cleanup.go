// Package cleanup runs the periodic retention sweeps: expired sessions,
// stale workflow records, old audit events, superseded handoff
// documents, and delivered notification events.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buildhive-ai/buildhive/pkg/config"
)

// SessionSweeper removes expired conversation sessions.
// *services.SessionService satisfies it.
type SessionSweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// StateSweeper removes abandoned workflow records, such as failed
// workflows kept for inspection that nobody ever retried.
// *services.StateService satisfies it.
type StateSweeper interface {
	DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditSweeper trims the append-only audit trail.
// *services.StateService satisfies it.
type AuditSweeper interface {
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// HandoffSweeper removes old handoff documents.
// *services.HandoffService satisfies it.
type HandoffSweeper interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventSweeper removes delivered notification events.
// *events.Publisher satisfies it.
type EventSweeper interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner owns the sweep loop.
type Runner struct {
	cfg      *config.CleanupConfig
	sessions SessionSweeper
	states   StateSweeper
	audits   AuditSweeper
	handoffs HandoffSweeper
	events   EventSweeper
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRunner creates a stopped Runner.
func NewRunner(cfg *config.CleanupConfig, sessions SessionSweeper, states StateSweeper,
	audits AuditSweeper, handoffs HandoffSweeper, events EventSweeper) *Runner {
	return &Runner{
		cfg:      cfg,
		sessions: sessions,
		states:   states,
		audits:   audits,
		handoffs: handoffs,
		events:   events,
		logger:   slog.With("component", "cleanup"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. No-op when cleanup is disabled.
func (r *Runner) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		r.logger.Info("Cleanup disabled")
		close(r.done)
		return
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.logger.Info("Cleanup started", "interval", r.cfg.Interval)
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// Sweep runs every retention pass once. Failures are logged per sweep;
// one failing store does not stop the others.
func (r *Runner) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if r.sessions != nil {
		if n, err := r.sessions.DeleteExpired(ctx); err != nil {
			r.logger.Error("Session sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("Expired sessions removed", "count", n)
		}
	}

	if r.states != nil {
		cutoff := now.Add(-r.cfg.StateRetain)
		if n, err := r.states.DeleteStaleBefore(ctx, cutoff); err != nil {
			r.logger.Error("State sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("Stale workflow records removed", "count", n, "cutoff", cutoff)
		}
	}

	if r.audits != nil {
		cutoff := now.Add(-r.cfg.AuditRetain)
		if n, err := r.audits.DeleteAuditBefore(ctx, cutoff); err != nil {
			r.logger.Error("Audit sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("Old audit events removed", "count", n, "cutoff", cutoff)
		}
	}

	if r.handoffs != nil {
		cutoff := now.Add(-r.cfg.HandoffRetain)
		if n, err := r.handoffs.DeleteBefore(ctx, cutoff); err != nil {
			r.logger.Error("Handoff sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("Old handoff documents removed", "count", n, "cutoff", cutoff)
		}
	}

	if r.events != nil {
		cutoff := now.Add(-r.cfg.EventRetain)
		if n, err := r.events.DeleteBefore(ctx, cutoff); err != nil {
			r.logger.Error("Event sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("Delivered events removed", "count", n, "cutoff", cutoff)
		}
	}
}

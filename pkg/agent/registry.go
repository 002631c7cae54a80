package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/buildhive-ai/buildhive/pkg/a2a"
	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

// ErrNoHandoffInitiator indicates RecordUsage hit CRITICAL but no
// handoff manager was installed.
var ErrNoHandoffInitiator = errors.New("no handoff initiator installed")

// HandoffInitiator migrates a source instance's state to a successor.
// Implemented by the handoff manager; installed after construction to
// break the dependency cycle.
type HandoffInitiator interface {
	InitiateHandoff(ctx context.Context, source *Instance) (*Instance, error)
}

// Callbacks are lifecycle hooks. All are optional; warning callbacks
// fire asynchronously, the rest run inline.
type Callbacks struct {
	OnWarning    func(inst *Instance)
	OnCritical   func(inst *Instance)
	OnHandoff    func(source, successor *Instance)
	OnTerminated func(inst *Instance)
}

// Registry owns the live agent instances for one user's workflow. At
// most one active instance exists per role; creation is lazy.
type Registry struct {
	userID string
	cfg    *config.AgentsConfig
	client llm.Client
	bus    *a2a.Bus

	mu        sync.Mutex
	active    map[models.AgentRole]*Instance
	cached    map[models.AgentRole]*Instance
	callbacks Callbacks
	initiator HandoffInitiator
	logger    *slog.Logger
}

// NewRegistry creates an empty registry for one user.
func NewRegistry(userID string, cfg *config.AgentsConfig, client llm.Client, bus *a2a.Bus) *Registry {
	return &Registry{
		userID: userID,
		cfg:    cfg,
		client: client,
		bus:    bus,
		active: make(map[models.AgentRole]*Instance),
		cached: make(map[models.AgentRole]*Instance),
		logger: slog.With("component", "agent_registry", "user_id", userID),
	}
}

// UserID returns the owning user.
func (r *Registry) UserID() string { return r.userID }

// Config returns the agent configuration the registry spawns with.
func (r *Registry) Config() *config.AgentsConfig { return r.cfg }

// RegisterCallbacks installs lifecycle hooks.
func (r *Registry) RegisterCallbacks(cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
}

// SetHandoffInitiator installs the handoff manager.
func (r *Registry) SetHandoffInitiator(h HandoffInitiator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initiator = h
}

// Acquire returns the active instance for a role, spawning one lazily.
// A cached instance is reused only while its usage is still below the
// warning threshold; otherwise it is discarded and a fresh one spawned.
func (r *Registry) Acquire(role models.AgentRole) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.active[role]; ok {
		return inst
	}

	if cached, ok := r.cached[role]; ok {
		delete(r.cached, role)
		if cached.Tracker.UsageFraction() < r.cfg.WarnFraction {
			cached.SetState(models.AgentActive)
			r.active[role] = cached
			r.bus.Register(cached.ID, role, cached)
			r.logger.Debug("Cached agent reacquired", "agent_id", cached.ID)
			return cached
		}
		r.logger.Debug("Cached agent over budget, discarding", "agent_id", cached.ID)
	}

	inst := r.spawnLocked(role, 1, "")
	return inst
}

// spawnLocked creates, registers, and installs a fresh instance.
func (r *Registry) spawnLocked(role models.AgentRole, version int, predecessorHandoffID string) *Instance {
	tracker := NewTokenTracker(r.cfg.ContextLimit, r.cfg.WarnFraction, r.cfg.CriticalFraction)
	inst := newInstance(r.userID, role, version, r.client, tracker)
	inst.PredecessorHandoffID = predecessorHandoffID
	inst.SetState(models.AgentActive)
	r.active[role] = inst
	r.bus.Register(inst.ID, role, inst)
	r.logger.Info("Agent spawned", "agent_id", inst.ID, "role", role, "version", version)
	return inst
}

// NewSuccessor spawns the next version of a role without installing it
// as the active instance. The handoff manager installs it once the
// handoff document is durable.
func (r *Registry) NewSuccessor(source *Instance, predecessorHandoffID string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracker := NewTokenTracker(r.cfg.ContextLimit, r.cfg.WarnFraction, r.cfg.CriticalFraction)
	inst := newInstance(r.userID, source.Role, source.Version+1, r.client, tracker)
	inst.PredecessorHandoffID = predecessorHandoffID
	r.logger.Info("Successor spawned",
		"agent_id", inst.ID, "predecessor", source.ID, "version", inst.Version)
	return inst
}

// Install makes inst the active instance for its role and registers it
// on the bus.
func (r *Registry) Install(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.SetState(models.AgentActive)
	r.active[inst.Role] = inst
	r.bus.Register(inst.ID, inst.Role, inst)
}

// Terminate frees an instance and removes its bus registration.
func (r *Registry) Terminate(inst *Instance) {
	r.mu.Lock()
	cb := r.callbacks.OnTerminated
	if r.active[inst.Role] == inst {
		delete(r.active, inst.Role)
	}
	r.mu.Unlock()

	r.bus.Unregister(inst.ID)
	inst.SetState(models.AgentTerminated)
	r.logger.Info("Agent terminated", "agent_id", inst.ID)
	if cb != nil {
		cb(inst)
	}
}

// Release ends a role's engagement. With caching on, the instance is
// parked for reuse; otherwise it is terminated.
func (r *Registry) Release(role models.AgentRole) {
	r.mu.Lock()
	inst, ok := r.active[role]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, role)

	if r.cfg.AgentCaching && inst.Tracker.UsageFraction() < r.cfg.WarnFraction {
		r.cached[role] = inst
		r.mu.Unlock()
		r.bus.Unregister(inst.ID)
		r.logger.Debug("Agent cached for reuse", "agent_id", inst.ID)
		return
	}
	r.mu.Unlock()

	r.Terminate(inst)
}

// ReleaseAll terminates every active and cached instance.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	var all []*Instance
	for role, inst := range r.active {
		all = append(all, inst)
		delete(r.active, role)
	}
	for role, inst := range r.cached {
		all = append(all, inst)
		delete(r.cached, role)
	}
	r.mu.Unlock()

	for _, inst := range all {
		r.bus.Unregister(inst.ID)
		inst.SetState(models.AgentTerminated)
		if r.callbacks.OnTerminated != nil {
			r.callbacks.OnTerminated(inst)
		}
	}
	r.logger.Info("All agents released", "count", len(all))
}

// Active returns the active instance for a role, if any.
func (r *Registry) Active(role models.AgentRole) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.active[role]
	return inst, ok
}

// RecordUsage adds an operation's token usage to a role's tracker and
// applies threshold policy. Crossing into WARNING fires on_warning
// asynchronously. Crossing into CRITICAL initiates a handoff
// synchronously; the returned instance is the successor the caller must
// use from now on.
func (r *Registry) RecordUsage(ctx context.Context, role models.AgentRole, opName string, usage models.TokenUsage) (UsageStatus, *Instance, error) {
	r.mu.Lock()
	inst, ok := r.active[role]
	cb := r.callbacks
	initiator := r.initiator
	r.mu.Unlock()
	if !ok {
		return StatusOK, nil, fmt.Errorf("no active instance for role %s", role)
	}

	status := inst.Tracker.Record(opName, usage)
	switch status {
	case StatusWarning:
		if inst.State() == models.AgentActive {
			inst.SetState(models.AgentWarning)
			r.logger.Warn("Agent crossed warning threshold",
				"agent_id", inst.ID, "usage_fraction", inst.Tracker.UsageFraction())
			if cb.OnWarning != nil {
				go cb.OnWarning(inst)
			}
		}
		return status, inst, nil

	case StatusCritical:
		if inst.State() == models.AgentCritical ||
			inst.State() == models.AgentHandoffPending {
			return status, inst, nil
		}
		inst.SetState(models.AgentCritical)
		r.logger.Warn("Agent crossed critical threshold, initiating handoff",
			"agent_id", inst.ID, "usage_fraction", inst.Tracker.UsageFraction())
		if cb.OnCritical != nil {
			cb.OnCritical(inst)
		}
		if initiator == nil {
			return status, inst, ErrNoHandoffInitiator
		}

		successor, err := initiator.InitiateHandoff(ctx, inst)
		if err != nil {
			// Predecessor stays alive; the caller retries later.
			inst.SetState(models.AgentActive)
			return status, inst, fmt.Errorf("handoff failed: %w", err)
		}
		if cb.OnHandoff != nil {
			cb.OnHandoff(inst, successor)
		}
		return status, successor, nil
	}

	return status, inst, nil
}

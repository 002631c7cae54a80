package retry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned without invoking the operation while the
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the breaker's current mode.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a per-dependency circuit breaker. It opens after
// failureThreshold consecutive failures, rejects calls for the timeout
// window, then lets a single probe through; the probe's outcome decides
// whether it closes or reopens.
type Breaker struct {
	name             string
	failureThreshold int
	timeout          time.Duration
	now              func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
	onChange      func(name string, state BreakerState)
	logger        *slog.Logger
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, failureThreshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		now:              time.Now,
		state:            BreakerClosed,
		logger:           slog.With("component", "breaker", "dependency", name),
	}
}

// OnStateChange installs a hook invoked after every state transition,
// such as a metrics gauge update. The hook runs with the breaker lock
// held; keep it cheap and never call back into the breaker.
func (b *Breaker) OnStateChange(fn func(name string, state BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) notifyLocked() {
	if b.onChange != nil {
		b.onChange(b.name, b.state)
	}
}

// State returns the current state, accounting for timeout expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.timeout {
		b.state = BreakerHalfOpen
		b.probeInFlight = false
		b.logger.Info("Circuit breaker half-open, allowing probe")
		b.notifyLocked()
	}
	return b.state
}

// Do runs op under the breaker. While open it fails fast with
// ErrBreakerOpen; in half-open only one probe runs at a time.
func (b *Breaker) Do(op func() error) error {
	b.mu.Lock()
	switch b.stateLocked() {
	case BreakerOpen:
		b.mu.Unlock()
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probeInFlight = true
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onSuccessLocked() {
	changed := b.state != BreakerClosed
	if changed {
		b.logger.Info("Circuit breaker closed")
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
	if changed {
		b.notifyLocked()
	}
}

func (b *Breaker) onFailureLocked() {
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		b.logger.Warn("Circuit breaker reopened after failed probe")
		b.notifyLocked()
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.logger.Warn("Circuit breaker opened",
			"consecutive_failures", b.failures)
		b.notifyLocked()
	}
}

package agent

import (
	"sync"
	"time"

	"github.com/buildhive-ai/buildhive/pkg/models"
)

// UsageStatus is the tracker's verdict after recording an operation.
type UsageStatus string

const (
	StatusOK       UsageStatus = "OK"
	StatusWarning  UsageStatus = "WARNING"
	StatusCritical UsageStatus = "CRITICAL"
)

// Operation is one recorded LLM call.
type Operation struct {
	Name      string
	Input     int64
	Output    int64
	Timestamp time.Time
}

// TokenTracker accumulates an instance's context-window consumption.
// Counters only grow; usage fraction is monotonically non-decreasing.
type TokenTracker struct {
	mu               sync.Mutex
	contextLimit     int64
	warnFraction     float64
	criticalFraction float64

	cumulativeInput  int64
	cumulativeOutput int64
	cumulativeCached int64
	operations       []Operation
}

// NewTokenTracker creates a tracker for one agent instance.
func NewTokenTracker(contextLimit int64, warnFraction, criticalFraction float64) *TokenTracker {
	return &TokenTracker{
		contextLimit:     contextLimit,
		warnFraction:     warnFraction,
		criticalFraction: criticalFraction,
	}
}

// Record adds an operation's usage and returns the resulting status.
func (t *TokenTracker) Record(opName string, usage models.TokenUsage) UsageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cumulativeInput += usage.Input
	t.cumulativeOutput += usage.Output
	t.cumulativeCached += usage.Cached
	t.operations = append(t.operations, Operation{
		Name:      opName,
		Input:     usage.Input,
		Output:    usage.Output,
		Timestamp: time.Now().UTC(),
	})

	return t.statusLocked()
}

// Status returns the current threshold status.
func (t *TokenTracker) Status() UsageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *TokenTracker) statusLocked() UsageStatus {
	fraction := t.fractionLocked()
	switch {
	case fraction >= t.criticalFraction:
		return StatusCritical
	case fraction >= t.warnFraction:
		return StatusWarning
	default:
		return StatusOK
	}
}

// UsageFraction returns total consumed tokens over the context limit.
func (t *TokenTracker) UsageFraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fractionLocked()
}

func (t *TokenTracker) fractionLocked() float64 {
	if t.contextLimit <= 0 {
		return 0
	}
	return float64(t.cumulativeInput+t.cumulativeOutput) / float64(t.contextLimit)
}

// Snapshot returns the cumulative counters.
func (t *TokenTracker) Snapshot() models.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.TokenUsage{
		Input:  t.cumulativeInput,
		Output: t.cumulativeOutput,
		Cached: t.cumulativeCached,
	}
}

// Operations returns a copy of the recorded operation log.
func (t *TokenTracker) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]Operation, len(t.operations))
	copy(ops, t.operations)
	return ops
}

package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/config"
)

type recordingSweeper struct {
	mu      sync.Mutex
	cutoffs []time.Time
	calls   int
	err     error
}

func (r *recordingSweeper) sweep(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.cutoffs = append(r.cutoffs, cutoff)
	if r.err != nil {
		return 0, r.err
	}
	return 2, nil
}

func (r *recordingSweeper) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recordingSweeper) DeleteExpired(context.Context) (int64, error) {
	return r.sweep(time.Time{})
}

func (r *recordingSweeper) DeleteStaleBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return r.sweep(cutoff)
}

func (r *recordingSweeper) DeleteAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return r.sweep(cutoff)
}

func (r *recordingSweeper) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return r.sweep(cutoff)
}

func cleanupConfig() *config.CleanupConfig {
	cfg := config.DefaultCleanupConfig()
	cfg.Interval = 10 * time.Millisecond
	return cfg
}

func TestSweepHitsAllStores(t *testing.T) {
	sessions := &recordingSweeper{}
	states := &recordingSweeper{}
	audits := &recordingSweeper{}
	handoffs := &recordingSweeper{}
	eventStore := &recordingSweeper{}
	r := NewRunner(cleanupConfig(), sessions, states, audits, handoffs, eventStore)

	r.Sweep(context.Background())

	assert.Equal(t, 1, sessions.callCount())
	assert.Equal(t, 1, states.callCount())
	assert.Equal(t, 1, audits.callCount())
	assert.Equal(t, 1, handoffs.callCount())
	assert.Equal(t, 1, eventStore.callCount())
}

func TestSweepCutoffsFollowRetention(t *testing.T) {
	cfg := cleanupConfig()
	audits := &recordingSweeper{}
	r := NewRunner(cfg, nil, nil, audits, nil, nil)

	before := time.Now().UTC().Add(-cfg.AuditRetain)
	r.Sweep(context.Background())
	after := time.Now().UTC().Add(-cfg.AuditRetain)

	require.Len(t, audits.cutoffs, 1)
	cutoff := audits.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after))
}

func TestStateSweepCutoffFollowsRetention(t *testing.T) {
	cfg := cleanupConfig()
	states := &recordingSweeper{}
	r := NewRunner(cfg, nil, states, nil, nil, nil)

	before := time.Now().UTC().Add(-cfg.StateRetain)
	r.Sweep(context.Background())
	after := time.Now().UTC().Add(-cfg.StateRetain)

	require.Len(t, states.cutoffs, 1)
	cutoff := states.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after))
}

func TestOneFailingStoreDoesNotStopOthers(t *testing.T) {
	sessions := &recordingSweeper{err: errors.New("db down")}
	audits := &recordingSweeper{}
	r := NewRunner(cleanupConfig(), sessions, nil, audits, nil, nil)

	r.Sweep(context.Background())
	assert.Equal(t, 1, audits.callCount())
}

func TestLoopSweepsPeriodically(t *testing.T) {
	sessions := &recordingSweeper{}
	r := NewRunner(cleanupConfig(), sessions, nil, nil, nil, nil)

	r.Start(context.Background())
	require.Eventually(t, func() bool {
		return sessions.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestDisabledRunnerDoesNothing(t *testing.T) {
	cfg := cleanupConfig()
	cfg.Enabled = false
	sessions := &recordingSweeper{}
	r := NewRunner(cfg, sessions, nil, nil, nil, nil)

	r.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	assert.Zero(t, sessions.callCount())
}

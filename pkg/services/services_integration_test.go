package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/buildhive-ai/buildhive/pkg/database"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// setupTestPool starts a shared postgres container on first use, applies
// migrations, and returns a pool scoped to the calling test.
func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	containerOnce.Do(func() {
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = err
			return
		}

		if err := database.RunMigrationsDSN(connStr, "test"); err != nil {
			containerErr = err
			return
		}
		sharedConnStr = connStr
	})
	require.NoError(t, containerErr, "failed to set up shared test container")

	pool, err := pgxpool.New(ctx, sharedConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	// Each test starts from clean tables.
	_, err = pool.Exec(ctx, `TRUNCATE sessions, orchestrator_states, audit_events, handoffs, events`)
	require.NoError(t, err)

	return pool
}

func TestSessionServiceLifecycle(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewSessionService(pool, time.Hour, 3)

	_, err := svc.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess, err := svc.GetOrCreate(ctx, "u1", models.PlatformChat)
	require.NoError(t, err)
	assert.Empty(t, sess.History)

	for i, text := range []string{"one", "two", "three", "four"} {
		role := models.TurnRoleUser
		if i%2 == 1 {
			role = models.TurnRoleAssistant
		}
		require.NoError(t, svc.AppendTurn(ctx, "u1", models.Turn{
			Role: role, Text: text, Timestamp: time.Now().UTC(),
		}))
	}

	sess, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sess.History, 3, "history bounded by limit")
	assert.Equal(t, "two", sess.History[0].Text, "oldest turn dropped")
	assert.Equal(t, "four", sess.History[2].Text)

	require.NoError(t, svc.Reset(ctx, "u1"))
	sess, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sess.History)
}

func TestSessionServiceTTLExpiry(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewSessionService(pool, 50*time.Millisecond, 10)

	_, err := svc.GetOrCreate(ctx, "u2", models.PlatformChat)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = svc.Get(ctx, "u2")
	assert.ErrorIs(t, err, ErrSessionNotFound, "expired session treated as absent")

	n, err := svc.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStateServiceCreateAndSingleActive(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewStateService(pool)

	st := &models.OrchestratorState{
		UserID:         "u3",
		Platform:       models.PlatformChat,
		CurrentPhase:   models.PhasePlanning,
		WorkflowType:   models.WorkflowFullBuild,
		OriginalPrompt: "build me a todo app",
		StepsTotal:     10,
	}
	require.NoError(t, svc.Create(ctx, st))

	err := svc.Create(ctx, st)
	assert.ErrorIs(t, err, ErrActiveWorkflowExists)

	loaded, err := svc.GetActive(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, loaded.CurrentPhase)
	assert.Equal(t, models.WorkStatusPending, loaded.WorkStatus)

	events, err := svc.ListAudit(ctx, "u3", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditWorkflowStarted, events[0].EventType)
}

func TestSessionServiceReadSlidesTTL(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewSessionService(pool, 500*time.Millisecond, 10)

	_, err := svc.GetOrCreate(ctx, "u2b", models.PlatformChat)
	require.NoError(t, err)

	// Each read lands inside the TTL and pushes the window forward, so
	// the session outlives several times its idle timeout.
	for i := 0; i < 3; i++ {
		time.Sleep(300 * time.Millisecond)
		_, err = svc.Get(ctx, "u2b")
		require.NoError(t, err, "active conversation must not expire")
	}
}

func TestSessionServiceActiveCount(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewSessionService(pool, time.Hour, 10)

	for _, u := range []string{"live1", "live2"} {
		_, err := svc.GetOrCreate(ctx, u, models.PlatformChat)
		require.NoError(t, err)
	}
	_, err := svc.GetOrCreate(ctx, "idle", models.PlatformChat)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		UPDATE sessions SET last_active = now() - interval '2 hours'
		WHERE user_id = 'idle'`)
	require.NoError(t, err)

	n, err := svc.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expired sessions excluded from the count")
}

func TestStateServiceCreateSupersedesFinishedRecord(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewStateService(pool)

	st := &models.OrchestratorState{
		UserID:         "u3b",
		Platform:       models.PlatformChat,
		CurrentPhase:   models.PhaseImplementation,
		WorkflowType:   models.WorkflowFullBuild,
		OriginalPrompt: "first build",
		StepsTotal:     10,
	}
	require.NoError(t, svc.Create(ctx, st))

	// Finish the workflow unsuccessfully; the record stays for inspection.
	loaded, err := svc.Get(ctx, "u3b")
	require.NoError(t, err)
	loaded.IsActive = false
	loaded.WorkStatus = models.WorkStatusDone
	loaded.StepsCompleted = []string{"planning:1"}
	loaded.StepSeq = 3
	require.NoError(t, svc.Save(ctx, loaded))

	// The leftover record must not block the user's next build.
	require.NoError(t, svc.Create(ctx, &models.OrchestratorState{
		UserID:         "u3b",
		Platform:       models.PlatformChat,
		CurrentPhase:   models.PhasePlanning,
		WorkflowType:   models.WorkflowFullBuild,
		OriginalPrompt: "second build",
		StepsTotal:     8,
	}))

	fresh, err := svc.GetActive(ctx, "u3b")
	require.NoError(t, err)
	assert.Equal(t, "second build", fresh.OriginalPrompt)
	assert.Equal(t, models.PhasePlanning, fresh.CurrentPhase)
	assert.Equal(t, models.WorkStatusPending, fresh.WorkStatus)
	assert.Empty(t, fresh.StepsCompleted, "prior progress does not leak into the new run")
	assert.Zero(t, fresh.StepSeq)

	// An active record still wins.
	err = svc.Create(ctx, &models.OrchestratorState{
		UserID:         "u3b",
		Platform:       models.PlatformChat,
		CurrentPhase:   models.PhasePlanning,
		WorkflowType:   models.WorkflowFullBuild,
		OriginalPrompt: "third build",
		StepsTotal:     8,
	})
	assert.ErrorIs(t, err, ErrActiveWorkflowExists)
}

func TestStateServiceDeleteStaleSparesRunningWork(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewStateService(pool)

	for _, u := range []string{"old-done", "old-running", "recent"} {
		require.NoError(t, svc.Create(ctx, &models.OrchestratorState{
			UserID:         u,
			Platform:       models.PlatformChat,
			CurrentPhase:   models.PhasePlanning,
			WorkflowType:   models.WorkflowFullBuild,
			OriginalPrompt: u,
			StepsTotal:     5,
		}))
	}
	_, err := pool.Exec(ctx, `
		UPDATE orchestrator_states
		SET updated_at = now() - interval '30 days',
		    work_status = CASE user_id WHEN 'old-running' THEN 'in_progress' ELSE 'done' END,
		    is_active = (user_id = 'old-running')
		WHERE user_id IN ('old-done', 'old-running')`)
	require.NoError(t, err)

	n, err := svc.DeleteStaleBefore(ctx, time.Now().UTC().Add(-14*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Get(ctx, "old-done")
	assert.ErrorIs(t, err, ErrStateNotFound)
	_, err = svc.Get(ctx, "old-running")
	assert.NoError(t, err, "running workflows are the orphan scanner's business")
	_, err = svc.Get(ctx, "recent")
	assert.NoError(t, err)
}

func TestStateServiceSaveRoundTrip(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewStateService(pool)

	st := &models.OrchestratorState{
		UserID:         "u4",
		Platform:       models.PlatformChat,
		CurrentPhase:   models.PhasePlanning,
		WorkflowType:   models.WorkflowFullBuild,
		OriginalPrompt: "p",
		StepsTotal:     10,
	}
	require.NoError(t, svc.Create(ctx, st))

	loaded, err := svc.Get(ctx, "u4")
	require.NoError(t, err)
	before := loaded.UpdatedAt

	loaded.CurrentPhase = models.PhaseImplementation
	loaded.WorkStatus = models.WorkStatusInProgress
	loaded.AccumulatedRefinements = []string{"use dark mode"}
	loaded.StepsCompleted = []string{"planning:1", "design:2"}
	loaded.StepSeq = 2
	loaded.CurrentAgentWorking = "frontend"
	loaded.CurrentDesignSpec = json.RawMessage(`{"pages":["home"]}`)
	loaded.ProjectMetadata = models.ProjectMetadata{
		ProjectID:     "proj-1",
		ConnectionURL: "postgres://example",
	}
	require.NoError(t, svc.Save(ctx, loaded))

	again, err := svc.Get(ctx, "u4")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseImplementation, again.CurrentPhase)
	assert.Equal(t, []string{"use dark mode"}, again.AccumulatedRefinements)
	assert.Equal(t, []string{"planning:1", "design:2"}, again.StepsCompleted)
	assert.Equal(t, "frontend", again.CurrentAgentWorking)
	assert.JSONEq(t, `{"pages":["home"]}`, string(again.CurrentDesignSpec))
	assert.Equal(t, "proj-1", again.ProjectMetadata.ProjectID)
	assert.True(t, again.UpdatedAt.After(before) || again.UpdatedAt.Equal(before))
}

func TestStateServiceClaimFIFO(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewStateService(pool)

	for _, u := range []string{"first", "second"} {
		require.NoError(t, svc.Create(ctx, &models.OrchestratorState{
			UserID:         u,
			Platform:       models.PlatformChat,
			CurrentPhase:   models.PhasePlanning,
			WorkflowType:   models.WorkflowFullBuild,
			OriginalPrompt: u,
			StepsTotal:     5,
		}))
		// Distinct created_at for deterministic ordering.
		time.Sleep(10 * time.Millisecond)
	}

	st, err := svc.ClaimNext(ctx, "pod-a", 8)
	require.NoError(t, err)
	assert.Equal(t, "first", st.UserID)
	assert.Equal(t, models.WorkStatusInProgress, st.WorkStatus)
	assert.Equal(t, "pod-a", st.PodID)

	st2, err := svc.ClaimNext(ctx, "pod-a", 8)
	require.NoError(t, err)
	assert.Equal(t, "second", st2.UserID)

	_, err = svc.ClaimNext(ctx, "pod-a", 8)
	assert.ErrorIs(t, err, ErrNoWorkAvailable)
}

func TestStateServiceClaimRespectsCapacity(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewStateService(pool)

	for _, u := range []string{"a", "b"} {
		require.NoError(t, svc.Create(ctx, &models.OrchestratorState{
			UserID:         u,
			Platform:       models.PlatformChat,
			CurrentPhase:   models.PhasePlanning,
			WorkflowType:   models.WorkflowFullBuild,
			OriginalPrompt: u,
			StepsTotal:     5,
		}))
	}

	_, err := svc.ClaimNext(ctx, "pod-a", 1)
	require.NoError(t, err)

	_, err = svc.ClaimNext(ctx, "pod-a", 1)
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestStateServiceOrphanRecovery(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewStateService(pool)

	require.NoError(t, svc.Create(ctx, &models.OrchestratorState{
		UserID:         "u5",
		Platform:       models.PlatformChat,
		CurrentPhase:   models.PhaseImplementation,
		WorkflowType:   models.WorkflowFullBuild,
		OriginalPrompt: "p",
		StepsTotal:     5,
	}))

	_, err := svc.ClaimNext(ctx, "pod-dead", 8)
	require.NoError(t, err)

	// Fresh heartbeat: not orphaned yet.
	recovered, err := svc.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	// Age the heartbeat past the threshold.
	_, err = pool.Exec(ctx, `
		UPDATE orchestrator_states
		SET last_heartbeat_at = now() - interval '5 minutes'
		WHERE user_id = 'u5'`)
	require.NoError(t, err)

	recovered, err = svc.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"u5"}, recovered)

	st, err := svc.Get(ctx, "u5")
	require.NoError(t, err)
	assert.Equal(t, models.WorkStatusPending, st.WorkStatus)
	assert.Equal(t, models.PhaseImplementation, st.CurrentPhase, "phase survives recovery")
	assert.Empty(t, st.PodID)
}

func TestHandoffServiceSingleActivePerRole(t *testing.T) {
	pool := setupTestPool(t)
	ctx := context.Background()
	svc := NewHandoffService(pool)

	traceID := uuid.NewString()
	first := &models.HandoffDocument{
		HandoffID: uuid.NewString(),
		TraceID:   traceID,
		UserID:    "u6",
		Source: models.SourceAgent{
			ID: "frontend_v1_abc", Role: models.RoleFrontend, Version: 1,
			TerminationReason: "context_exhausted",
		},
		Target:    models.TargetAgent{Role: models.RoleFrontend, ExpectedVersion: 2},
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}
	require.NoError(t, svc.Save(ctx, first))

	second := &models.HandoffDocument{
		HandoffID:     uuid.NewString(),
		TraceID:       traceID,
		UserID:        "u6",
		PredecessorID: first.HandoffID,
		Source: models.SourceAgent{
			ID: "frontend_v2_def", Role: models.RoleFrontend, Version: 2,
			TerminationReason: "context_exhausted",
		},
		Target:    models.TargetAgent{Role: models.RoleFrontend, ExpectedVersion: 3},
		CreatedAt: time.Now().UTC().Add(time.Millisecond),
		IsActive:  true,
	}
	require.NoError(t, svc.Save(ctx, second))

	active, err := svc.GetActive(ctx, "u6", models.RoleFrontend)
	require.NoError(t, err)
	assert.Equal(t, second.HandoffID, active.HandoffID)

	chain, err := svc.Chain(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, first.HandoffID, chain[0].HandoffID)
	assert.Equal(t, first.HandoffID, chain[1].PredecessorID, "chain is a linear linked list")

	require.NoError(t, svc.DeactivateAll(ctx, "u6"))
	_, err = svc.GetActive(ctx, "u6", models.RoleFrontend)
	assert.ErrorIs(t, err, ErrHandoffNotFound)
}

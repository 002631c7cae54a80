package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildhive-ai/buildhive/pkg/models"
)

// StateService owns the orchestrator_states table and its append-only
// audit trail. Every phase and step mutation goes through here and is
// committed before the caller performs any observable side effect.
type StateService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStateService creates the durable workflow state store.
func NewStateService(pool *pgxpool.Pool) *StateService {
	return &StateService{
		pool:   pool,
		logger: slog.With("component", "state_service"),
	}
}

const stateColumns = `
	user_id, platform, is_active, work_status, pod_id,
	current_phase, workflow_type, original_prompt,
	accumulated_refinements, current_design_spec, current_implementation,
	steps_completed, steps_total, step_seq,
	current_agent_working, current_task_description,
	project_id, project_metadata,
	created_at, updated_at, last_heartbeat_at`

func scanState(row pgx.Row) (*models.OrchestratorState, error) {
	var (
		st                        models.OrchestratorState
		platform, phase, wfType   string
		workStatus                string
		podID, agentWorking       *string
		taskDescription           *string
		projectID                 *string
		refinementsJSON           []byte
		designSpec, impl          []byte
		stepsJSON, metadataJSON   []byte
	)
	err := row.Scan(
		&st.UserID, &platform, &st.IsActive, &workStatus, &podID,
		&phase, &wfType, &st.OriginalPrompt,
		&refinementsJSON, &designSpec, &impl,
		&stepsJSON, &st.StepsTotal, &st.StepSeq,
		&agentWorking, &taskDescription,
		&projectID, &metadataJSON,
		&st.CreatedAt, &st.UpdatedAt, &st.LastHeartbeatAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to scan orchestrator state: %w", err)
	}

	st.Platform = models.Platform(platform)
	st.WorkStatus = models.WorkStatus(workStatus)
	st.CurrentPhase = models.Phase(phase)
	st.WorkflowType = models.WorkflowType(wfType)
	if podID != nil {
		st.PodID = *podID
	}
	if agentWorking != nil {
		st.CurrentAgentWorking = *agentWorking
	}
	if taskDescription != nil {
		st.CurrentTaskDescription = *taskDescription
	}
	if projectID != nil {
		st.ProjectID = *projectID
	}
	st.CurrentDesignSpec = designSpec
	st.CurrentImplementation = impl

	if err := json.Unmarshal(refinementsJSON, &st.AccumulatedRefinements); err != nil {
		return nil, fmt.Errorf("failed to decode refinements: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &st.StepsCompleted); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &st.ProjectMetadata); err != nil {
		return nil, fmt.Errorf("failed to decode project metadata: %w", err)
	}
	return &st, nil
}

// Create inserts a new pending workflow record for the user. A leftover
// inactive record (a failed workflow kept for inspection) is superseded
// in place; only a genuinely active workflow returns
// ErrActiveWorkflowExists.
func (s *StateService) Create(ctx context.Context, st *models.OrchestratorState) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orchestrator_states
			(user_id, platform, is_active, work_status, current_phase,
			 workflow_type, original_prompt, steps_total)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			is_active = TRUE,
			work_status = EXCLUDED.work_status,
			pod_id = NULL,
			current_phase = EXCLUDED.current_phase,
			workflow_type = EXCLUDED.workflow_type,
			original_prompt = EXCLUDED.original_prompt,
			accumulated_refinements = '[]'::jsonb,
			current_design_spec = NULL,
			current_implementation = NULL,
			steps_completed = '[]'::jsonb,
			steps_total = EXCLUDED.steps_total,
			step_seq = 0,
			current_agent_working = NULL,
			current_task_description = NULL,
			project_id = NULL,
			project_metadata = '{}'::jsonb,
			created_at = now(),
			updated_at = now(),
			last_heartbeat_at = now()
		WHERE orchestrator_states.is_active = FALSE`,
		st.UserID, string(st.Platform), string(models.WorkStatusPending),
		string(st.CurrentPhase), string(st.WorkflowType),
		st.OriginalPrompt, st.StepsTotal)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrActiveWorkflowExists
	}

	s.logger.Info("Workflow state created",
		"user_id", st.UserID, "workflow_type", st.WorkflowType)
	return s.AppendAudit(ctx, st.UserID, models.AuditWorkflowStarted, map[string]any{
		"workflow_type": st.WorkflowType,
		"prompt":        st.OriginalPrompt,
	})
}

// Get loads the workflow state for a user.
func (s *StateService) Get(ctx context.Context, userID string) (*models.OrchestratorState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM orchestrator_states WHERE user_id = $1`, userID)
	return scanState(row)
}

// GetActive loads the workflow state only if it is still active.
func (s *StateService) GetActive(ctx context.Context, userID string) (*models.OrchestratorState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM orchestrator_states WHERE user_id = $1 AND is_active = TRUE`,
		userID)
	return scanState(row)
}

// Save writes all mutable fields back. updated_at is set server-side so
// it stays monotonic.
func (s *StateService) Save(ctx context.Context, st *models.OrchestratorState) error {
	refinementsJSON, err := json.Marshal(st.AccumulatedRefinements)
	if err != nil {
		return fmt.Errorf("failed to encode refinements: %w", err)
	}
	stepsJSON, err := json.Marshal(st.StepsCompleted)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	metadataJSON, err := json.Marshal(st.ProjectMetadata)
	if err != nil {
		return fmt.Errorf("failed to encode project metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestrator_states SET
			is_active = $2, work_status = $3, pod_id = NULLIF($4, ''),
			current_phase = $5, workflow_type = $6,
			accumulated_refinements = $7,
			current_design_spec = $8, current_implementation = $9,
			steps_completed = $10, steps_total = $11, step_seq = $12,
			current_agent_working = NULLIF($13, ''),
			current_task_description = NULLIF($14, ''),
			project_id = NULLIF($15, ''), project_metadata = $16,
			updated_at = now()
		WHERE user_id = $1`,
		st.UserID, st.IsActive, string(st.WorkStatus), st.PodID,
		string(st.CurrentPhase), string(st.WorkflowType),
		refinementsJSON,
		[]byte(st.CurrentDesignSpec), []byte(st.CurrentImplementation),
		stepsJSON, st.StepsTotal, st.StepSeq,
		st.CurrentAgentWorking, st.CurrentTaskDescription,
		st.ProjectID, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to save orchestrator state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateNotFound
	}
	return nil
}

// Delete removes the workflow record. Audit events are retained.
func (s *StateService) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM orchestrator_states WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete orchestrator state: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest pending workflow for this pod
// using FOR UPDATE SKIP LOCKED. Returns ErrAtCapacity when the global
// in-progress limit is reached and ErrNoWorkAvailable when the queue is
// empty.
func (s *StateService) ClaimNext(ctx context.Context, podID string, maxConcurrent int) (*models.OrchestratorState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inProgress int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM orchestrator_states WHERE work_status = 'in_progress'`).
		Scan(&inProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-progress workflows: %w", err)
	}
	if inProgress >= maxConcurrent {
		return nil, ErrAtCapacity
	}

	var userID string
	err = tx.QueryRow(ctx, `
		SELECT user_id FROM orchestrator_states
		WHERE work_status = 'pending' AND is_active = TRUE
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).
		Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoWorkAvailable
		}
		return nil, fmt.Errorf("failed to query pending workflow: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE orchestrator_states
		SET work_status = 'in_progress', pod_id = $2,
		    last_heartbeat_at = now(), updated_at = now()
		WHERE user_id = $1
		RETURNING `+stateColumns, userID, podID)
	st, err := scanState(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim workflow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return st, nil
}

// Heartbeat refreshes the liveness timestamp for an in-progress workflow.
func (s *StateService) Heartbeat(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orchestrator_states SET last_heartbeat_at = now()
		WHERE user_id = $1 AND work_status = 'in_progress'`, userID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// RecoverOrphans resets in-progress workflows whose heartbeat is older
// than threshold back to pending so another worker can resume them.
// Returns the user IDs that were recovered.
func (s *StateService) RecoverOrphans(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orchestrator_states
		SET work_status = 'pending', pod_id = NULL, updated_at = now()
		WHERE work_status = 'in_progress' AND last_heartbeat_at < $1
		RETURNING user_id`,
		time.Now().UTC().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphaned workflows: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recovered workflow: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// DeleteStaleBefore removes workflow records whose last update predates
// the cutoff. Running workflows are skipped; their staleness is the
// orphan scanner's job. Returns the number of rows removed.
func (s *StateService) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM orchestrator_states
		WHERE updated_at < $1 AND work_status <> 'in_progress'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale orchestrator states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendAudit records a diagnostic event. Payload is marshaled to JSON;
// a nil payload stores NULL.
func (s *StateService) AppendAudit(ctx context.Context, userID string, eventType models.AuditEventType, payload any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (user_id, event_type, payload) VALUES ($1, $2, $3)`,
		userID, string(eventType), payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit events for a user, newest first.
func (s *StateService) ListAudit(ctx context.Context, userID string, limit int) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, event_type, payload, timestamp
		FROM audit_events
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var (
			ev        models.AuditEvent
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &eventType, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.EventType = models.AuditEventType(eventType)
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteAuditBefore removes audit events older than the cutoff.
func (s *StateService) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}

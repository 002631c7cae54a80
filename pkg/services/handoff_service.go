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

// HandoffService persists handoff documents. For each (user, role) pair
// at most one document is active; saving a new one supersedes the
// previous in the same transaction, so the invariant holds even if the
// process dies mid-handoff.
type HandoffService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandoffService creates the handoff document store.
func NewHandoffService(pool *pgxpool.Pool) *HandoffService {
	return &HandoffService{
		pool:   pool,
		logger: slog.With("component", "handoff_service"),
	}
}

// Save persists a handoff document as the active one for its
// (user, role) pair, deactivating any predecessor atomically.
func (s *HandoffService) Save(ctx context.Context, doc *models.HandoffDocument) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode handoff document: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start handoff transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE handoffs SET is_active = FALSE
		WHERE user_id = $1 AND role = $2 AND is_active = TRUE`,
		doc.UserID, string(doc.Source.Role))
	if err != nil {
		return fmt.Errorf("failed to deactivate previous handoff: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO handoffs
			(handoff_id, trace_id, user_id, role, predecessor_id, document, is_active, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, TRUE, $7)`,
		doc.HandoffID, doc.TraceID, doc.UserID, string(doc.Source.Role),
		doc.PredecessorID, docJSON, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert handoff: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit handoff: %w", err)
	}

	s.logger.Info("Handoff document saved",
		"user_id", doc.UserID, "role", doc.Source.Role,
		"handoff_id", doc.HandoffID, "trace_id", doc.TraceID)
	return nil
}

// GetActive returns the active handoff for a (user, role) pair.
func (s *HandoffService) GetActive(ctx context.Context, userID string, role models.AgentRole) (*models.HandoffDocument, error) {
	var docJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT document FROM handoffs
		WHERE user_id = $1 AND role = $2 AND is_active = TRUE`,
		userID, string(role)).Scan(&docJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHandoffNotFound
		}
		return nil, fmt.Errorf("failed to load active handoff: %w", err)
	}
	return decodeHandoff(docJSON)
}

// Get returns a handoff document by ID.
func (s *HandoffService) Get(ctx context.Context, handoffID string) (*models.HandoffDocument, error) {
	var docJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM handoffs WHERE handoff_id = $1`, handoffID).
		Scan(&docJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHandoffNotFound
		}
		return nil, fmt.Errorf("failed to load handoff: %w", err)
	}
	return decodeHandoff(docJSON)
}

// Chain returns all documents sharing a trace, oldest first. Successive
// entries link through predecessor_handoff_id.
func (s *HandoffService) Chain(ctx context.Context, traceID string) ([]*models.HandoffDocument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document FROM handoffs
		WHERE trace_id = $1
		ORDER BY created_at`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load handoff chain: %w", err)
	}
	defer rows.Close()

	var chain []*models.HandoffDocument
	for rows.Next() {
		var docJSON []byte
		if err := rows.Scan(&docJSON); err != nil {
			return nil, fmt.Errorf("failed to scan handoff: %w", err)
		}
		doc, err := decodeHandoff(docJSON)
		if err != nil {
			return nil, err
		}
		chain = append(chain, doc)
	}
	return chain, rows.Err()
}

// DeactivateAll marks every handoff for a user inactive. Called when a
// workflow ends.
func (s *HandoffService) DeactivateAll(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE handoffs SET is_active = FALSE
		WHERE user_id = $1 AND is_active = TRUE`, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate handoffs: %w", err)
	}
	return nil
}

// DeleteBefore removes inactive handoffs older than the cutoff.
func (s *HandoffService) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM handoffs WHERE is_active = FALSE AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old handoffs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func decodeHandoff(docJSON []byte) (*models.HandoffDocument, error) {
	var doc models.HandoffDocument
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode handoff document: %w", err)
	}
	return &doc, nil
}

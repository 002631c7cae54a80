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

// SessionService persists per-user conversation sessions with a TTL and
// a bounded history. An expired session is treated as absent on read and
// replaced on the next write.
type SessionService struct {
	pool         *pgxpool.Pool
	ttl          time.Duration
	historyLimit int
	logger       *slog.Logger
}

// NewSessionService creates a session store.
func NewSessionService(pool *pgxpool.Pool, ttl time.Duration, historyLimit int) *SessionService {
	return &SessionService{
		pool:         pool,
		ttl:          ttl,
		historyLimit: historyLimit,
		logger:       slog.With("component", "session_service"),
	}
}

// GetOrCreate returns the user's session, creating a fresh one if none
// exists or the existing one has expired.
func (s *SessionService) GetOrCreate(ctx context.Context, userID string, platform models.Platform) (*models.Session, error) {
	sess, err := s.Get(ctx, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess = &models.Session{
		UserID:     userID,
		Platform:   platform,
		History:    []models.Turn{},
		CreatedAt:  now,
		LastActive: now,
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (user_id, platform, history, created_at, last_active)
		VALUES ($1, $2, '[]'::jsonb, $3, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET platform = $2, history = '[]'::jsonb, created_at = $3, last_active = $3`,
		userID, string(platform), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Debug("Session created", "user_id", userID, "platform", platform)
	return sess, nil
}

// Get returns the session for userID, or ErrSessionNotFound if none
// exists or it has expired. A successful read slides the TTL window, so
// a user in steady conversation never expires mid-dialogue.
func (s *SessionService) Get(ctx context.Context, userID string) (*models.Session, error) {
	var (
		sess        models.Session
		historyJSON []byte
		platform    string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, platform, history, created_at, last_active
		FROM sessions
		WHERE user_id = $1 AND last_active > $2`,
		userID, time.Now().UTC().Add(-s.ttl)).
		Scan(&sess.UserID, &platform, &historyJSON, &sess.CreatedAt, &sess.LastActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.Platform = models.Platform(platform)
	if err := json.Unmarshal(historyJSON, &sess.History); err != nil {
		return nil, fmt.Errorf("failed to decode session history: %w", err)
	}

	// Best effort: a failed refresh must not fail the read.
	if _, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_active = now() WHERE user_id = $1`, userID); err != nil {
		s.logger.Warn("Failed to refresh session activity", "user_id", userID, "error", err)
	}
	return &sess, nil
}

// AppendTurn adds a turn to the user's history, dropping the oldest turns
// beyond the configured limit, and refreshes the session TTL.
func (s *SessionService) AppendTurn(ctx context.Context, userID string, turn models.Turn) error {
	sess, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}

	history := append(sess.History, turn)
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode session history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE sessions SET history = $2, last_active = $3 WHERE user_id = $1`,
		userID, historyJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// Reset clears the user's conversation history. Orchestrator state is
// untouched.
func (s *SessionService) Reset(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET history = '[]'::jsonb, last_active = $2 WHERE user_id = $1`,
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	return nil
}

// ActiveCount counts sessions whose last activity falls within the TTL.
func (s *SessionService) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions WHERE last_active > $1`,
		time.Now().UTC().Add(-s.ttl)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

// DeleteExpired removes sessions idle past the TTL. Returns the number of
// rows removed.
func (s *SessionService) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE last_active <= $1`,
		time.Now().UTC().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

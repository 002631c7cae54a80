package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildhive-ai/buildhive/pkg/models"
)

// notifyLimit leaves headroom under PostgreSQL's 8000-byte NOTIFY cap.
const notifyLimit = 7900

// Publisher writes events for stream delivery. Persistent events go to
// the events table and are broadcast via NOTIFY in one transaction, so
// the insert and the notification commit atomically.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher creates a Publisher on the shared pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// PublishWorkflowStatus persists and broadcasts a phase or terminal
// status change.
func (p *Publisher) PublishWorkflowStatus(ctx context.Context, payload WorkflowStatusPayload) error {
	payload.Type = TypeWorkflowStatus
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow status: %w", err)
	}
	if err := p.persistAndNotify(ctx, UserChannel(payload.UserID), payloadJSON); err != nil {
		return err
	}
	// Best-effort copy to the global channel for dashboard consumers.
	return p.notifyOnly(ctx, GlobalChannel, payloadJSON)
}

// PublishProgress broadcasts a transient progress tick (no persistence).
func (p *Publisher) PublishProgress(ctx context.Context, payload WorkflowProgressPayload) error {
	payload.Type = TypeWorkflowProgress
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return p.notifyOnly(ctx, UserChannel(payload.UserID), payloadJSON)
}

// Send implements the notifier's transport contract: outbound user
// messages are persisted and streamed on the user's channel.
func (p *Publisher) Send(ctx context.Context, msg models.MessageOut) error {
	payloadJSON, err := json.Marshal(MessagePayload{
		Type:   TypeMessageOut,
		UserID: msg.UserID,
		Kind:   msg.Kind,
		Text:   msg.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}
	return p.persistAndNotify(ctx, UserChannel(msg.UserID), payloadJSON)
}

// persistAndNotify stores the event and broadcasts it in a single
// transaction; pg_notify is transactional and held until COMMIT.
func (p *Publisher) persistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (channel, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		channel, payloadJSON, time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// CatchUp returns persisted events on a channel with id > afterID, for
// clients resuming a stream.
func (p *Publisher) CatchUp(ctx context.Context, channel string, afterID int64, limit int) ([][]byte, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, channel, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catch-up events: %w", err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, rows.Err()
}

// DeleteBefore removes persisted events older than the cutoff.
func (p *Publisher) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// injectEventIDAndTruncate adds db_event_id for catch-up tracking and
// applies the NOTIFY size limit.
func injectEventIDAndTruncate(payloadJSON []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for event id injection: %w", err)
	}
	m["db_event_id"] = eventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload as-is when it fits under the
// NOTIFY limit, otherwise a minimal envelope with routing fields only.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyLimit {
		return payloadStr, nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal oversized payload: %w", err)
	}
	envelope := map[string]any{
		"type":      m["type"],
		"user_id":   m["user_id"],
		"truncated": true,
	}
	if id, ok := m["db_event_id"]; ok {
		envelope["db_event_id"] = id
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(out), nil
}

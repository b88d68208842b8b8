package store

import (
	"context"
	"fmt"

	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func insertOutbox(ctx context.Context, tx *sqlx.Tx, messages []models.OutboxMessage) error {
	for _, m := range messages {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO outbox_events (id, event_id, event_type, topic, message_key, payload, trace_context, status, attempts, created_at)
			VALUES (:id, :event_id, :event_type, :topic, :message_key, :payload, :trace_context, :status, :attempts, :created_at)`, m)
		if err != nil {
			return fmt.Errorf("failed to insert outbox message: %w", err)
		}
	}
	return nil
}

// PublishFunc delivers one outbox message.
type PublishFunc func(ctx context.Context, msg models.OutboxMessage) error

// BatchResult summarises one relay pass.
type BatchResult struct {
	Published int
	Failed    int
	Skipped   int
}

// ProcessOutboxBatch claims up to limit pending messages with FOR UPDATE SKIP
// LOCKED, hands each to publish and records the outcome. Once a message for a
// key fails, later messages for the same key wait for the next pass so that
// per-key order holds. A message that failed maxAttempts times is parked as
// FAILED.
func (s *Store) ProcessOutboxBatch(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (BatchResult, error) {
	var result BatchResult

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		msgs := []models.OutboxMessage{}
		err := tx.SelectContext(ctx, &msgs, `
			SELECT id, event_id, event_type, topic, message_key, payload, trace_context, status, attempts, last_error, created_at, published_at
			FROM outbox_events
			WHERE status = $1
			ORDER BY seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, models.OutboxStatusPending, limit)
		if err != nil {
			return fmt.Errorf("failed to claim outbox messages: %w", err)
		}

		blocked := make(map[string]bool)
		for _, msg := range msgs {
			if blocked[msg.MessageKey] {
				result.Skipped++
				continue
			}

			if pubErr := publish(ctx, msg); pubErr != nil {
				blocked[msg.MessageKey] = true
				result.Failed++

				status := models.OutboxStatusPending
				if msg.Attempts+1 >= maxAttempts {
					status = models.OutboxStatusFailed
				}
				if _, err := tx.ExecContext(ctx,
					"UPDATE outbox_events SET attempts = attempts + 1, last_error = $1, status = $2 WHERE id = $3",
					pubErr.Error(), status, msg.ID); err != nil {
					return fmt.Errorf("failed to record outbox failure: %w", err)
				}
				continue
			}

			if _, err := tx.ExecContext(ctx,
				"UPDATE outbox_events SET attempts = attempts + 1, status = $1, published_at = NOW() WHERE id = $2",
				models.OutboxStatusPublished, msg.ID); err != nil {
				return fmt.Errorf("failed to mark outbox message published: %w", err)
			}
			result.Published++
		}
		return nil
	})
	return result, err
}

// CountPendingOutbox reports the relay backlog.
func (s *Store) CountPendingOutbox(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM outbox_events WHERE status = $1", models.OutboxStatusPending)
	return n, err
}

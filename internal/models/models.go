package models

import "time"

// Outbox statuses
const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusPublished = "PUBLISHED"
	OutboxStatusFailed    = "FAILED"
)

// OutboxMessage is a routed event waiting to be published. Rows are written in
// the same database transaction as the aggregate change that raised the event.
type OutboxMessage struct {
	ID          string     `db:"id" json:"id"`
	EventID     string     `db:"event_id" json:"event_id"`
	EventType   string     `db:"event_type" json:"event_type"`
	Topic       string     `db:"topic" json:"topic"`
	MessageKey  string     `db:"message_key" json:"message_key"`
	Payload     []byte     `db:"payload" json:"payload"`
	TraceCtx    string     `db:"trace_context" json:"trace_context,omitempty"`
	Status      string     `db:"status" json:"status"`
	Attempts    int        `db:"attempts" json:"attempts"`
	LastError   *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	DedupKey    string    `db:"dedup_key"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS inventory (
		inventory_id UUID PRIMARY KEY,
		product_id   TEXT NOT NULL UNIQUE,
		available    INTEGER NOT NULL CHECK (available >= 0),
		reserved     INTEGER NOT NULL CHECK (reserved >= 0),
		version      INTEGER NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_transactions (
		seq              BIGSERIAL PRIMARY KEY,
		transaction_id   UUID NOT NULL UNIQUE,
		product_id       TEXT NOT NULL,
		order_id         TEXT NOT NULL DEFAULT '',
		transaction_type TEXT NOT NULL,
		quantity         INTEGER NOT NULL,
		before_available INTEGER NOT NULL,
		after_available  INTEGER NOT NULL,
		before_reserved  INTEGER NOT NULL,
		after_reserved   INTEGER NOT NULL,
		reason           TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_tx_product ON inventory_transactions (product_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_tx_order ON inventory_transactions (order_id)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id            UUID PRIMARY KEY,
		user_id       TEXT NOT NULL,
		order_number  TEXT NOT NULL UNIQUE,
		status        TEXT NOT NULL,
		total_amount  NUMERIC(18, 2) NOT NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id          UUID PRIMARY KEY,
		order_id    UUID NOT NULL REFERENCES orders (id),
		product_id  TEXT NOT NULL,
		quantity    INTEGER NOT NULL,
		unit_price  NUMERIC(18, 2) NOT NULL,
		total_price NUMERIC(18, 2) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id                  UUID PRIMARY KEY,
		order_id            TEXT NOT NULL,
		method              TEXT NOT NULL,
		status              TEXT NOT NULL,
		total_amount        NUMERIC(18, 2) NOT NULL,
		paid_amount         NUMERIC(18, 2) NOT NULL,
		cancelled_amount    NUMERIC(18, 2) NOT NULL,
		provider            TEXT NOT NULL,
		external_payment_id TEXT NOT NULL DEFAULT '',
		provider_tx_id      TEXT NOT NULL DEFAULT '',
		failed_reason       TEXT NOT NULL DEFAULT '',
		refund_id           TEXT NOT NULL DEFAULT '',
		refund_amount       NUMERIC(18, 2) NOT NULL DEFAULT 0,
		refund_reason       TEXT NOT NULL DEFAULT '',
		paid_at             TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE payments ADD COLUMN IF NOT EXISTS refund_id TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE payments ADD COLUMN IF NOT EXISTS refund_amount NUMERIC(18, 2) NOT NULL DEFAULT 0`,
	`ALTER TABLE payments ADD COLUMN IF NOT EXISTS refund_reason TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_active_order ON payments (order_id) WHERE status <> 'FAILED'`,
	`CREATE TABLE IF NOT EXISTS settlements (
		id             UUID PRIMARY KEY,
		order_id       TEXT NOT NULL UNIQUE,
		payment_id     TEXT NOT NULL DEFAULT '',
		amount         NUMERIC(18, 2) NOT NULL,
		status         TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		completed_at   TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		seq           BIGSERIAL PRIMARY KEY,
		id            UUID NOT NULL UNIQUE,
		event_id      UUID NOT NULL,
		event_type    TEXT NOT NULL,
		topic         TEXT NOT NULL,
		message_key   TEXT NOT NULL,
		payload       BYTEA NOT NULL,
		trace_context TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		published_at  TIMESTAMPTZ
	)`,
	`ALTER TABLE outbox_events ADD COLUMN IF NOT EXISTS trace_context TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (status, seq)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		dedup_key    TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

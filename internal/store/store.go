package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Dedup identifies a consumed event. A zero Dedup disables the check.
type Dedup struct {
	Key       string
	EventType string
}

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type inventoryRow struct {
	InventoryID string    `db:"inventory_id"`
	ProductID   string    `db:"product_id"`
	Available   int       `db:"available"`
	Reserved    int       `db:"reserved"`
	Version     int       `db:"version"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r inventoryRow) toModel() *models.Inventory {
	return &models.Inventory{
		InventoryID: r.InventoryID,
		ProductID:   r.ProductID,
		Stock:       models.StockQuantity{Available: r.Available, Reserved: r.Reserved},
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// CreateInventory inserts a new aggregate. A second inventory for the same
// product fails with ErrDuplicateInventory.
func (s *Store) CreateInventory(ctx context.Context, inv *models.Inventory) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory (inventory_id, product_id, available, reserved, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			inv.InventoryID, inv.ProductID, inv.Stock.Available, inv.Stock.Reserved,
			inv.Version, inv.CreatedAt, inv.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: product %s", models.ErrDuplicateInventory, inv.ProductID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert inventory: %w", err)
		}
		if err := insertTransactions(ctx, tx, inv.PendingTransactions()); err != nil {
			return err
		}
		inv.Committed(inv.Version)
		return nil
	})
}

// GetInventory retrieves inventory for a product
func (s *Store) GetInventory(ctx context.Context, productID string) (*models.Inventory, error) {
	var row inventoryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT inventory_id, product_id, available, reserved, version, created_at, updated_at
		FROM inventory WHERE product_id = $1`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: inventory for product %s", models.ErrNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// SaveInventory persists the aggregate, its pending transactions, the outbox
// messages and the dedup record in one transaction. The update only applies
// if the stored version still equals inv.Version.
func (s *Store) SaveInventory(ctx context.Context, inv *models.Inventory, dedup Dedup, messages []models.OutboxMessage) error {
	next := inv.Version + 1

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := markProcessed(ctx, tx, dedup); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET available = $1, reserved = $2, version = $3, updated_at = $4
			WHERE product_id = $5 AND version = $6`,
			inv.Stock.Available, inv.Stock.Reserved, next, inv.UpdatedAt, inv.ProductID, inv.Version)
		if err != nil {
			return fmt.Errorf("failed to update inventory: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: inventory %s at version %d", models.ErrConcurrentModification, inv.ProductID, inv.Version)
		}

		if err := insertTransactions(ctx, tx, inv.PendingTransactions()); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, messages)
	})
	if err != nil {
		return err
	}

	inv.Committed(next)
	return nil
}

// AppendOutbox writes messages that are not tied to an aggregate change.
func (s *Store) AppendOutbox(ctx context.Context, dedup Dedup, messages []models.OutboxMessage) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := markProcessed(ctx, tx, dedup); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, messages)
	})
}

const transactionColumns = `transaction_id, product_id, order_id, transaction_type, quantity,
	before_available, after_available, before_reserved, after_reserved, reason, created_at`

// ListTransactions returns a product's ledger, oldest first.
func (s *Store) ListTransactions(ctx context.Context, productID string) ([]models.InventoryTransaction, error) {
	txs := []models.InventoryTransaction{}
	err := s.db.SelectContext(ctx, &txs,
		"SELECT "+transactionColumns+" FROM inventory_transactions WHERE product_id = $1 ORDER BY seq",
		productID)
	return txs, err
}

// ListOrderTransactions returns every ledger record of an order across products.
func (s *Store) ListOrderTransactions(ctx context.Context, orderID string) ([]models.InventoryTransaction, error) {
	txs := []models.InventoryTransaction{}
	err := s.db.SelectContext(ctx, &txs,
		"SELECT "+transactionColumns+" FROM inventory_transactions WHERE order_id = $1 ORDER BY seq",
		orderID)
	return txs, err
}

// ListReservationHistory returns the records needed to compute what an order
// still holds on a product: the order's own records plus every adjustment.
func (s *Store) ListReservationHistory(ctx context.Context, productID, orderID string) ([]models.InventoryTransaction, error) {
	txs := []models.InventoryTransaction{}
	err := s.db.SelectContext(ctx, &txs,
		"SELECT "+transactionColumns+` FROM inventory_transactions
		WHERE product_id = $1 AND (order_id = $2 OR transaction_type = $3) ORDER BY seq`,
		productID, orderID, models.TransactionAdjustment)
	return txs, err
}

// WasProcessed reports whether a dedup key has already been recorded.
func (s *Store) WasProcessed(ctx context.Context, key string) (bool, error) {
	var seen bool
	err := s.db.GetContext(ctx, &seen,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE dedup_key = $1)", key)
	if err != nil {
		return false, fmt.Errorf("failed to look up processed event: %w", err)
	}
	return seen, nil
}

func markProcessed(ctx context.Context, tx *sqlx.Tx, dedup Dedup) error {
	if dedup.Key == "" {
		return nil
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO processed_events (dedup_key, event_type, processed_at) VALUES ($1, $2, NOW()) ON CONFLICT (dedup_key) DO NOTHING",
		dedup.Key, dedup.EventType)
	if err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
	}
	return nil
}

func insertTransactions(ctx context.Context, tx *sqlx.Tx, txs []models.InventoryTransaction) error {
	for _, t := range txs {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO inventory_transactions (`+transactionColumns+`)
			VALUES (:transaction_id, :product_id, :order_id, :transaction_type, :quantity,
				:before_available, :after_available, :before_reserved, :after_reserved, :reason, :created_at)`, t)
		if err != nil {
			return fmt.Errorf("failed to insert inventory transaction: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

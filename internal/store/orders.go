package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"commerce-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = "id, user_id, order_number, status, total_amount, cancel_reason, created_at, updated_at"

// CreateOrder inserts an order with its items and outbox messages.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, messages []models.OutboxMessage) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES (:id, :user_id, :order_number, :status, :total_amount, :cancel_reason, :created_at, :updated_at)`, order)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for _, item := range order.Items {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO order_items (id, order_id, product_id, quantity, unit_price, total_price)
				VALUES (:id, :order_id, :product_id, :quantity, :unit_price, :total_price)`, item)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return insertOutbox(ctx, tx, messages)
	})
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

// UpdateOrder loads the order FOR UPDATE, lets fn transition it and stores
// the result with the outbox messages fn returns. A duplicate dedup key
// returns ErrAlreadyProcessed before fn runs.
func (s *Store) UpdateOrder(ctx context.Context, id string, dedup Dedup, fn func(*models.Order) ([]models.OutboxMessage, error)) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := markProcessed(ctx, tx, dedup); err != nil {
			return err
		}

		order, err := getOrder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		messages, err := fn(order)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, cancel_reason = $2, updated_at = $3 WHERE id = $4",
			order.Status, order.CancelReason, order.UpdatedAt, order.ID)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return insertOutbox(ctx, tx, messages)
	})
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var order models.Order
	err := sqlx.GetContext(ctx, q, &order, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	order.Items = []models.OrderItem{}
	err = sqlx.SelectContext(ctx, q, &order.Items,
		"SELECT id, order_id, product_id, quantity, unit_price, total_price FROM order_items WHERE order_id = $1 ORDER BY product_id",
		id)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

const paymentColumns = `id, order_id, method, status, total_amount, paid_amount, cancelled_amount, provider,
	external_payment_id, provider_tx_id, failed_reason, refund_id, refund_amount, refund_reason,
	paid_at, created_at, updated_at`

// CreatePayment inserts a payment unless the order already has one that is
// not FAILED. The order row lock serializes concurrent attempts; the partial
// unique index idx_payments_active_order backs the check.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var orderID string
		err := tx.GetContext(ctx, &orderID, "SELECT id FROM orders WHERE id = $1 FOR UPDATE", payment.OrderID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: order %s", models.ErrNotFound, payment.OrderID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		var active bool
		err = tx.GetContext(ctx, &active,
			"SELECT EXISTS(SELECT 1 FROM payments WHERE order_id = $1 AND status <> $2)",
			payment.OrderID, models.PaymentStatusFailed)
		if err != nil {
			return fmt.Errorf("failed to check payments of order: %w", err)
		}
		if active {
			return activePaymentError(payment.OrderID)
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES (:id, :order_id, :method, :status, :total_amount, :paid_amount, :cancelled_amount, :provider,
				:external_payment_id, :provider_tx_id, :failed_reason, :refund_id, :refund_amount, :refund_reason,
				:paid_at, :created_at, :updated_at)`, payment)
		if isUniqueViolation(err) {
			return activePaymentError(payment.OrderID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		return nil
	})
}

func activePaymentError(orderID string) error {
	return fmt.Errorf("%w: order %s already has an active payment", models.ErrBusinessRule, orderID)
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment for order %s", models.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment loads the payment FOR UPDATE and stores fn's transition.
func (s *Store) UpdatePayment(ctx context.Context, id string, dedup Dedup, fn func(*models.Payment) ([]models.OutboxMessage, error)) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := markProcessed(ctx, tx, dedup); err != nil {
			return err
		}

		var payment models.Payment
		err := tx.GetContext(ctx, &payment, "SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: payment %s", models.ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		messages, err := fn(&payment)
		if err != nil {
			return err
		}

		_, err = tx.NamedExecContext(ctx, `
			UPDATE payments SET status = :status, paid_amount = :paid_amount, cancelled_amount = :cancelled_amount,
				external_payment_id = :external_payment_id, provider_tx_id = :provider_tx_id,
				failed_reason = :failed_reason, refund_id = :refund_id, refund_amount = :refund_amount,
				refund_reason = :refund_reason, paid_at = :paid_at, updated_at = :updated_at
			WHERE id = :id`, &payment)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		return insertOutbox(ctx, tx, messages)
	})
}

const settlementColumns = "id, order_id, payment_id, amount, status, failure_reason, completed_at, created_at, updated_at"

// CreateSettlement inserts the settlement of an order. A second settlement for
// the same order returns ErrAlreadyProcessed and writes nothing.
func (s *Store) CreateSettlement(ctx context.Context, settlement *models.Settlement, dedup Dedup, messages []models.OutboxMessage) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := markProcessed(ctx, tx, dedup); err != nil {
			return err
		}

		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO settlements (`+settlementColumns+`)
			VALUES (:id, :order_id, :payment_id, :amount, :status, :failure_reason, :completed_at, :created_at, :updated_at)
			ON CONFLICT (order_id) DO NOTHING`, settlement)
		if err != nil {
			return fmt.Errorf("failed to insert settlement: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: settlement for order %s exists", models.ErrAlreadyProcessed, settlement.OrderID)
		}
		return insertOutbox(ctx, tx, messages)
	})
}

// GetSettlementByOrderID retrieves the settlement of an order
func (s *Store) GetSettlementByOrderID(ctx context.Context, orderID string) (*models.Settlement, error) {
	var settlement models.Settlement
	err := s.db.GetContext(ctx, &settlement,
		"SELECT "+settlementColumns+" FROM settlements WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: settlement for order %s", models.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// UpdateSettlement loads an order's settlement FOR UPDATE and stores fn's transition.
func (s *Store) UpdateSettlement(ctx context.Context, orderID string, dedup Dedup, fn func(*models.Settlement) ([]models.OutboxMessage, error)) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := markProcessed(ctx, tx, dedup); err != nil {
			return err
		}

		var settlement models.Settlement
		err := tx.GetContext(ctx, &settlement,
			"SELECT "+settlementColumns+" FROM settlements WHERE order_id = $1 FOR UPDATE", orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: settlement for order %s", models.ErrNotFound, orderID)
		}
		if err != nil {
			return err
		}

		messages, err := fn(&settlement)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE settlements SET status = $1, failure_reason = $2, completed_at = $3, updated_at = $4 WHERE id = $5",
			settlement.Status, settlement.FailureReason, settlement.CompletedAt, settlement.UpdatedAt, settlement.ID)
		if err != nil {
			return fmt.Errorf("failed to update settlement: %w", err)
		}
		return insertOutbox(ctx, tx, messages)
	})
}

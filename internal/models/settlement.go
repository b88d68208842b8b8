package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementStatus is the settlement lifecycle state.
type SettlementStatus string

const (
	SettlementStatusPending     SettlementStatus = "PENDING"
	SettlementStatusCalculating SettlementStatus = "CALCULATING"
	SettlementStatusCompleted   SettlementStatus = "COMPLETED"
	SettlementStatusFailed      SettlementStatus = "FAILED"
	SettlementStatusCancelled   SettlementStatus = "CANCELLED"
)

func (s SettlementStatus) IsFinal() bool {
	return s == SettlementStatusCompleted || s == SettlementStatusFailed || s == SettlementStatusCancelled
}

// Settlement is the payout record opened for a paid order.
type Settlement struct {
	ID            string           `db:"id" json:"id"`
	OrderID       string           `db:"order_id" json:"order_id"`
	PaymentID     string           `db:"payment_id" json:"payment_id,omitempty"`
	Amount        decimal.Decimal  `db:"amount" json:"amount"`
	Status        SettlementStatus `db:"status" json:"status"`
	FailureReason string           `db:"failure_reason" json:"failure_reason,omitempty"`
	CompletedAt   *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// NewSettlement opens a PENDING settlement for an order.
func NewSettlement(orderID, paymentID string, amount decimal.Decimal) (*Settlement, *SettlementCreatedEvent, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, nil, Validationf("order id is required")
	}
	if amount.IsNegative() {
		return nil, nil, Validationf("settlement amount must be >= 0, got %s", amount)
	}

	now := time.Now().UTC()
	s := &Settlement{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		PaymentID: paymentID,
		Amount:    amount,
		Status:    SettlementStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s, &SettlementCreatedEvent{
		BaseEvent:    NewBaseEvent(EventTypeSettlementCreated),
		SettlementID: s.ID,
		OrderID:      orderID,
		Amount:       amount,
	}, nil
}

// StartCalculation is legal only from PENDING.
func (s *Settlement) StartCalculation() error {
	if s.Status != SettlementStatusPending {
		return fmt.Errorf("%w: cannot calculate settlement %s in status %s", ErrInvalidState, s.ID, s.Status)
	}
	s.transition(SettlementStatusCalculating)
	return nil
}

// Complete is legal only from CALCULATING.
func (s *Settlement) Complete() (*SettlementCompletedEvent, error) {
	if s.Status == SettlementStatusCompleted {
		return nil, fmt.Errorf("%w: %w: settlement %s", ErrInvalidState, ErrAlreadySettled, s.ID)
	}
	if s.Status != SettlementStatusCalculating {
		return nil, fmt.Errorf("%w: cannot complete settlement %s in status %s", ErrInvalidState, s.ID, s.Status)
	}

	now := time.Now().UTC()
	s.CompletedAt = &now
	s.transition(SettlementStatusCompleted)

	return &SettlementCompletedEvent{
		BaseEvent:    NewBaseEvent(EventTypeSettlementCompleted),
		SettlementID: s.ID,
		OrderID:      s.OrderID,
		Amount:       s.Amount,
	}, nil
}

func (s *Settlement) Fail(reason string) error {
	if s.Status.IsFinal() {
		return fmt.Errorf("%w: cannot fail settlement %s in status %s", ErrInvalidState, s.ID, s.Status)
	}
	s.FailureReason = reason
	s.transition(SettlementStatusFailed)
	return nil
}

// Cancel is legal from any state except COMPLETED; a completed settlement is terminal.
func (s *Settlement) Cancel(reason string) error {
	switch s.Status {
	case SettlementStatusCompleted:
		return fmt.Errorf("%w: %w: settlement %s", ErrInvalidState, ErrAlreadySettled, s.ID)
	case SettlementStatusCancelled:
		return fmt.Errorf("%w: settlement %s already cancelled", ErrInvalidState, s.ID)
	}
	s.FailureReason = reason
	s.transition(SettlementStatusCancelled)
	return nil
}

func (s *Settlement) transition(status SettlementStatus) {
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
}

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the payment lifecycle state.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending          PaymentStatus = "PENDING"
	PaymentStatusProcessing       PaymentStatus = "PROCESSING"
	PaymentStatusCompleted        PaymentStatus = "COMPLETED"
	PaymentStatusFailed           PaymentStatus = "FAILED"
	PaymentStatusCancelled        PaymentStatus = "CANCELLED"
	PaymentStatusPartialCancelled PaymentStatus = "PARTIAL_CANCELLED"
)

func (s PaymentStatus) IsCompletable() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing
}

func (s PaymentStatus) IsCancellable() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusPartialCancelled
}

// IsFinal reports a terminal status.
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "CARD"
	PaymentMethodBankTransfer   PaymentMethod = "BANK_TRANSFER"
	PaymentMethodVirtualAccount PaymentMethod = "VIRTUAL_ACCOUNT"
	PaymentMethodMobile         PaymentMethod = "MOBILE"
)

// ParsePaymentMethod validates a payment method name.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToUpper(s)); m {
	case PaymentMethodCard, PaymentMethodBankTransfer, PaymentMethodVirtualAccount, PaymentMethodMobile:
		return m, nil
	default:
		return "", Validationf("unknown payment method %q", s)
	}
}

// Payment represents a payment transaction
type Payment struct {
	ID                string          `db:"id" json:"id"`
	OrderID           string          `db:"order_id" json:"order_id"`
	Method            PaymentMethod   `db:"method" json:"method"`
	Status            PaymentStatus   `db:"status" json:"status"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount        decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	CancelledAmount   decimal.Decimal `db:"cancelled_amount" json:"cancelled_amount"`
	Provider          string          `db:"provider" json:"provider"`
	ExternalPaymentID string          `db:"external_payment_id" json:"external_payment_id,omitempty"`
	ProviderTxID      string          `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	FailedReason      string          `db:"failed_reason" json:"failed_reason,omitempty"`
	RefundID          string          `db:"refund_id" json:"refund_id,omitempty"`
	RefundAmount      decimal.Decimal `db:"refund_amount" json:"refund_amount"`
	RefundReason      string          `db:"refund_reason" json:"refund_reason,omitempty"`
	PaidAt            *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// NewPayment opens a PENDING payment for an order.
func NewPayment(orderID string, method PaymentMethod, total decimal.Decimal, provider string) (*Payment, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, Validationf("order id is required")
	}
	if !total.IsPositive() {
		return nil, Validationf("payment amount must be > 0, got %s", total)
	}

	now := time.Now().UTC()
	return &Payment{
		ID:              uuid.New().String(),
		OrderID:         orderID,
		Method:          method,
		Status:          PaymentStatusPending,
		TotalAmount:     total,
		PaidAmount:      decimal.Zero,
		CancelledAmount: decimal.Zero,
		RefundAmount:    decimal.Zero,
		Provider:        provider,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (p *Payment) StartProcessing(externalPaymentID, txID string) error {
	if !p.Status.IsCompletable() {
		return fmt.Errorf("%w: cannot process payment %s in status %s", ErrInvalidState, p.ID, p.Status)
	}
	p.ExternalPaymentID = externalPaymentID
	p.ProviderTxID = txID
	p.transition(PaymentStatusProcessing)
	return nil
}

// Complete records the paid amount. Legal from PENDING or PROCESSING.
func (p *Payment) Complete(paidAmount decimal.Decimal, items []OrderItemData) (*PaymentCompletedEvent, error) {
	if !p.Status.IsCompletable() {
		return nil, fmt.Errorf("%w: cannot complete payment %s in status %s", ErrInvalidState, p.ID, p.Status)
	}
	if paidAmount.IsNegative() || paidAmount.GreaterThan(p.TotalAmount) {
		return nil, Validationf("paid amount %s outside [0, %s]", paidAmount, p.TotalAmount)
	}

	now := time.Now().UTC()
	p.PaidAmount = paidAmount
	p.PaidAt = &now
	p.transition(PaymentStatusCompleted)

	return &PaymentCompletedEvent{
		BaseEvent:  NewBaseEvent(EventTypePaymentCompleted),
		PaymentID:  p.ID,
		OrderID:    p.OrderID,
		Method:     string(p.Method),
		PaidAmount: paidAmount,
		TxID:       p.ProviderTxID,
		Items:      items,
	}, nil
}

// Fail is legal from PENDING or PROCESSING.
func (p *Payment) Fail(reason string, items []OrderItemData) (*PaymentFailedEvent, error) {
	if !p.Status.IsCompletable() {
		return nil, fmt.Errorf("%w: cannot fail payment %s in status %s", ErrInvalidState, p.ID, p.Status)
	}
	p.FailedReason = reason
	p.transition(PaymentStatusFailed)

	return &PaymentFailedEvent{
		BaseEvent: NewBaseEvent(EventTypePaymentFailed),
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Reason:    reason,
		Items:     items,
	}, nil
}

// Cancel refunds amount. The payment becomes CANCELLED when the refund
// consumes the whole paid amount and PARTIAL_CANCELLED otherwise.
func (p *Payment) Cancel(amount decimal.Decimal, reason string) (*PaymentCancelledEvent, error) {
	if err := p.checkRefund(amount); err != nil {
		return nil, err
	}

	p.CancelledAmount = p.CancelledAmount.Add(amount)
	full := p.CancelledAmount.Equal(p.PaidAmount)
	if full {
		p.transition(PaymentStatusCancelled)
	} else {
		p.transition(PaymentStatusPartialCancelled)
	}

	return &PaymentCancelledEvent{
		BaseEvent:       NewBaseEvent(EventTypePaymentCancelled),
		PaymentID:       p.ID,
		OrderID:         p.OrderID,
		CancelledAmount: amount,
		FullyCancelled:  full,
		Reason:          reason,
	}, nil
}

func (p *Payment) checkRefund(amount decimal.Decimal) error {
	if !p.Status.IsCancellable() {
		return fmt.Errorf("%w: cannot cancel payment %s in status %s", ErrInvalidState, p.ID, p.Status)
	}
	if !amount.IsPositive() {
		return Validationf("cancel amount must be > 0, got %s", amount)
	}
	if amount.GreaterThan(p.RefundableAmount()) {
		return fmt.Errorf("%w: cancel amount %s exceeds refundable %s", ErrBusinessRule, amount, p.RefundableAmount())
	}
	return nil
}

// Refund is a gateway refund that has been recorded but not confirmed. Its
// ID is the idempotency key sent to the gateway.
type Refund struct {
	ID     string
	Amount decimal.Decimal
	Reason string
}

// RequestRefund records a pending refund. A zero amount refunds everything
// that is left. Only one refund may be pending at a time.
func (p *Payment) RequestRefund(amount decimal.Decimal, reason string) (Refund, error) {
	if p.RefundID != "" {
		return Refund{}, fmt.Errorf("%w: payment %s has refund %s pending", ErrConcurrentModification, p.ID, p.RefundID)
	}
	if amount.IsZero() {
		amount = p.RefundableAmount()
	}
	if err := p.checkRefund(amount); err != nil {
		return Refund{}, err
	}

	p.RefundID = uuid.New().String()
	p.RefundAmount = amount
	p.RefundReason = reason
	p.UpdatedAt = time.Now().UTC()
	refund, _ := p.PendingRefund()
	return refund, nil
}

// PendingRefund returns the refund awaiting gateway confirmation, if any.
func (p *Payment) PendingRefund() (Refund, bool) {
	if p.RefundID == "" {
		return Refund{}, false
	}
	return Refund{ID: p.RefundID, Amount: p.RefundAmount, Reason: p.RefundReason}, true
}

// CompleteRefund applies the pending refund once the gateway confirmed it.
func (p *Payment) CompleteRefund(refundID string) (*PaymentCancelledEvent, error) {
	refund, ok := p.PendingRefund()
	if !ok || refund.ID != refundID {
		return nil, fmt.Errorf("%w: refund %s is not pending on payment %s", ErrInvalidState, refundID, p.ID)
	}
	event, err := p.Cancel(refund.Amount, refund.Reason)
	if err != nil {
		return nil, err
	}
	p.clearRefund()
	return event, nil
}

// AbortRefund drops the pending refund after the gateway refused it.
func (p *Payment) AbortRefund(refundID string) {
	if p.RefundID == refundID {
		p.clearRefund()
		p.UpdatedAt = time.Now().UTC()
	}
}

func (p *Payment) clearRefund() {
	p.RefundID = ""
	p.RefundAmount = decimal.Zero
	p.RefundReason = ""
}

// RefundableAmount is paid minus already cancelled.
func (p *Payment) RefundableAmount() decimal.Decimal {
	return p.PaidAmount.Sub(p.CancelledAmount)
}

func (p *Payment) transition(status PaymentStatus) {
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated           = "ORDER_CREATED"
	EventTypeOrderCancelled         = "ORDER_CANCELLED"
	EventTypeOrderPaid              = "ORDER_PAID"
	EventTypePaymentCompleted       = "PAYMENT_COMPLETED"
	EventTypePaymentFailed          = "PAYMENT_FAILED"
	EventTypePaymentCancelled       = "PAYMENT_CANCELLED"
	EventTypeStockReserved          = "STOCK_RESERVED"
	EventTypeStockReleased          = "STOCK_RELEASED"
	EventTypeStockDepleted          = "STOCK_DEPLETED"
	EventTypeStockLow               = "STOCK_LOW"
	EventTypeStockReservationFailed = "STOCK_RESERVATION_FAILED"
	EventTypeSettlementCreated      = "SETTLEMENT_CREATED"
	EventTypeSettlementCompleted    = "SETTLEMENT_COMPLETED"
)

// DomainEvent is implemented by every event raised by an aggregate.
type DomainEvent interface {
	GetEventID() string
	GetEventType() string
	GetOccurredAt() time.Time
	// PartitionKey is the domain id used as the message key, so events about
	// the same entity keep their relative order.
	PartitionKey() string
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewBaseEvent stamps a fresh event id and timestamp.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
	}
}

func (e BaseEvent) GetEventID() string       { return e.EventID }
func (e BaseEvent) GetEventType() string     { return e.EventType }
func (e BaseEvent) GetOccurredAt() time.Time { return e.OccurredAt }

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderCreatedEvent published when an order is placed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

func (e *OrderCreatedEvent) PartitionKey() string { return e.OrderID }

// OrderCancelledEvent published when an order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string          `json:"order_id"`
	Reason  string          `json:"reason"`
	Items   []OrderItemData `json:"items"`
}

func (e *OrderCancelledEvent) PartitionKey() string { return e.OrderID }

// OrderPaidEvent published when the order itself transitions to PAID
type OrderPaidEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

func (e *OrderPaidEvent) PartitionKey() string { return e.OrderID }

// PaymentCompletedEvent published when the gateway approves a payment
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID  string          `json:"payment_id"`
	OrderID    string          `json:"order_id"`
	Method     string          `json:"method"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	TxID       string          `json:"tx_id"`
	Items      []OrderItemData `json:"items"`
}

func (e *PaymentCompletedEvent) PartitionKey() string { return e.OrderID }

// PaymentFailedEvent published when the gateway declines a payment
type PaymentFailedEvent struct {
	BaseEvent
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	Reason    string          `json:"reason"`
	Items     []OrderItemData `json:"items"`
}

func (e *PaymentFailedEvent) PartitionKey() string { return e.OrderID }

// PaymentCancelledEvent published on full or partial refund
type PaymentCancelledEvent struct {
	BaseEvent
	PaymentID       string          `json:"payment_id"`
	OrderID         string          `json:"order_id"`
	CancelledAmount decimal.Decimal `json:"cancelled_amount"`
	FullyCancelled  bool            `json:"fully_cancelled"`
	Reason          string          `json:"reason"`
}

func (e *PaymentCancelledEvent) PartitionKey() string { return e.OrderID }

// StockReservedEvent published after a reservation commits
type StockReservedEvent struct {
	BaseEvent
	ProductID string `json:"product_id"`
	OrderID   string `json:"order_id"`
	Quantity  int    `json:"quantity"`
}

func (e *StockReservedEvent) PartitionKey() string { return e.ProductID }

// StockReleasedEvent published after a reservation is released
type StockReleasedEvent struct {
	BaseEvent
	ProductID string `json:"product_id"`
	OrderID   string `json:"order_id"`
	Quantity  int    `json:"quantity"`
}

func (e *StockReleasedEvent) PartitionKey() string { return e.ProductID }

// StockDepletedEvent is raised when a reservation is refused for lack of stock.
type StockDepletedEvent struct {
	BaseEvent
	ProductID         string `json:"product_id"`
	OrderID           string `json:"order_id,omitempty"`
	RequestedQuantity int    `json:"requested_quantity"`
	AvailableQuantity int    `json:"available_quantity"`
}

func (e *StockDepletedEvent) PartitionKey() string { return e.ProductID }

// StockLowEvent is raised when available stock drops to the alert threshold.
type StockLowEvent struct {
	BaseEvent
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

func (e *StockLowEvent) PartitionKey() string { return e.ProductID }

// StockReservationFailedEvent tells the order side that an order could not be reserved.
type StockReservationFailedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

func (e *StockReservationFailedEvent) PartitionKey() string { return e.OrderID }

// SettlementCreatedEvent published when a settlement record is opened
type SettlementCreatedEvent struct {
	BaseEvent
	SettlementID string          `json:"settlement_id"`
	OrderID      string          `json:"order_id"`
	Amount       decimal.Decimal `json:"amount"`
}

func (e *SettlementCreatedEvent) PartitionKey() string { return e.OrderID }

// SettlementCompletedEvent published when a settlement is completed
type SettlementCompletedEvent struct {
	BaseEvent
	SettlementID string          `json:"settlement_id"`
	OrderID      string          `json:"order_id"`
	Amount       decimal.Decimal `json:"amount"`
}

func (e *SettlementCompletedEvent) PartitionKey() string { return e.OrderID }

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

// Order statuses
const (
	OrderStatusPlaced    OrderStatus = "PLACED"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusPreparing OrderStatus = "PREPARING"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) CanCancel() bool  { return s == OrderStatusPlaced || s == OrderStatusPaid }
func (s OrderStatus) CanPay() bool     { return s == OrderStatusPlaced }
func (s OrderStatus) CanPrepare() bool { return s == OrderStatusPaid }
func (s OrderStatus) CanShip() bool    { return s == OrderStatusPaid || s == OrderStatusPreparing }
func (s OrderStatus) CanDeliver() bool { return s == OrderStatusShipped }

// Order represents a customer order
type Order struct {
	ID           string          `db:"id" json:"id"`
	UserID       string          `db:"user_id" json:"user_id"`
	OrderNumber  string          `db:"order_number" json:"order_number"`
	Status       OrderStatus     `db:"status" json:"status"`
	TotalAmount  decimal.Decimal `db:"total_amount" json:"total_amount"`
	CancelReason string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID         string          `db:"id" json:"id"`
	OrderID    string          `db:"order_id" json:"order_id"`
	ProductID  string          `db:"product_id" json:"product_id"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
}

// NewOrderItem validates a line and computes its total price.
func NewOrderItem(productID string, quantity int, unitPrice decimal.Decimal) (OrderItem, error) {
	if strings.TrimSpace(productID) == "" {
		return OrderItem{}, Validationf("product id is required")
	}
	if quantity <= 0 {
		return OrderItem{}, Validationf("quantity must be > 0, got %d", quantity)
	}
	if !unitPrice.IsPositive() {
		return OrderItem{}, Validationf("unit price must be > 0, got %s", unitPrice)
	}
	return OrderItem{
		ID:         uuid.New().String(),
		ProductID:  productID,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		TotalPrice: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}, nil
}

// NewOrder places an order and returns the OrderCreated event it raises.
func NewOrder(userID string, items []OrderItem) (*Order, *OrderCreatedEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, Validationf("user id is required")
	}
	if len(items) == 0 {
		return nil, nil, Validationf("order must contain at least one item")
	}

	items, err := mergeLines(items)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	order := &Order{
		ID:          uuid.New().String(),
		UserID:      userID,
		OrderNumber: fmt.Sprintf("ORD%d%s", now.UnixMilli(), uuid.New().String()[:4]),
		Status:      OrderStatusPlaced,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	total := decimal.Zero
	for i := range items {
		items[i].OrderID = order.ID
		total = total.Add(items[i].TotalPrice)
	}
	order.Items = items
	order.TotalAmount = total

	event := &OrderCreatedEvent{
		BaseEvent:   NewBaseEvent(EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       order.ItemData(),
	}
	return order, event, nil
}

// mergeLines folds lines for the same product into one so that every stock
// command of the order touches a product once. Lines of one product must
// agree on the unit price.
func mergeLines(items []OrderItem) ([]OrderItem, error) {
	merged := make([]OrderItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		i, seen := index[item.ProductID]
		if !seen {
			index[item.ProductID] = len(merged)
			merged = append(merged, item)
			continue
		}
		line := &merged[i]
		if !line.UnitPrice.Equal(item.UnitPrice) {
			return nil, Validationf("product %s listed with unit prices %s and %s",
				item.ProductID, line.UnitPrice, item.UnitPrice)
		}
		line.Quantity += item.Quantity
		line.TotalPrice = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
	}
	return merged, nil
}

// Cancel is legal only from PLACED or PAID.
func (o *Order) Cancel(reason string) (*OrderCancelledEvent, error) {
	if !o.Status.CanCancel() {
		return nil, fmt.Errorf("%w: cannot cancel order %s in status %s", ErrInvalidState, o.ID, o.Status)
	}
	o.transition(OrderStatusCancelled)
	o.CancelReason = reason

	return &OrderCancelledEvent{
		BaseEvent: NewBaseEvent(EventTypeOrderCancelled),
		OrderID:   o.ID,
		Reason:    reason,
		Items:     o.ItemData(),
	}, nil
}

// MarkAsPaid is legal only from PLACED.
func (o *Order) MarkAsPaid() (*OrderPaidEvent, error) {
	if !o.Status.CanPay() {
		return nil, fmt.Errorf("%w: cannot mark order %s paid in status %s", ErrInvalidState, o.ID, o.Status)
	}
	o.transition(OrderStatusPaid)

	return &OrderPaidEvent{
		BaseEvent:   NewBaseEvent(EventTypeOrderPaid),
		OrderID:     o.ID,
		TotalAmount: o.TotalAmount,
		Items:       o.ItemData(),
	}, nil
}

func (o *Order) StartPreparing() error {
	if !o.Status.CanPrepare() {
		return fmt.Errorf("%w: cannot prepare order %s in status %s", ErrInvalidState, o.ID, o.Status)
	}
	o.transition(OrderStatusPreparing)
	return nil
}

func (o *Order) Ship() error {
	if !o.Status.CanShip() {
		return fmt.Errorf("%w: cannot ship order %s in status %s", ErrInvalidState, o.ID, o.Status)
	}
	o.transition(OrderStatusShipped)
	return nil
}

func (o *Order) Deliver() error {
	if !o.Status.CanDeliver() {
		return fmt.Errorf("%w: cannot deliver order %s in status %s", ErrInvalidState, o.ID, o.Status)
	}
	o.transition(OrderStatusDelivered)
	return nil
}

// ItemData projects the order lines into event payload form.
func (o *Order) ItemData() []OrderItemData {
	data := make([]OrderItemData, 0, len(o.Items))
	for _, item := range o.Items {
		data = append(data, OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return data
}

func (o *Order) transition(status OrderStatus) {
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
}

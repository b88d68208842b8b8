package service

import (
	"context"
	"errors"
	"fmt"

	"commerce-service/internal/broker"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventHandler reacts to one consumed event. Returning nil acknowledges it.
type EventHandler func(ctx context.Context, event models.DomainEvent) error

// InventoryParticipant applies order and payment outcomes to the stock
// ledger, which is either the local StockService or a remote inventory
// deployment reached through InventoryClient.
type InventoryParticipant struct {
	stock  StockLedger
	outbox OutboxAppender
	logger *zap.Logger
}

func NewInventoryParticipant(stock StockLedger, outbox OutboxAppender) *InventoryParticipant {
	return &InventoryParticipant{stock: stock, outbox: outbox, logger: util.Named("saga.inventory")}
}

// Subscriptions maps the topics the inventory group consumes to handlers.
func (p *InventoryParticipant) Subscriptions() map[string]EventHandler {
	return map[string]EventHandler{
		broker.TopicInventoryReserve:  p.handleReserve,
		broker.TopicInventoryRestore:  p.handleRestore,
		broker.TopicInventoryDecrease: p.handleDecrease,
	}
}

// handleReserve reserves every line of a new order. If a line is refused,
// the lines already reserved for the order are released and the order side
// is told through StockReservationFailed.
func (p *InventoryParticipant) handleReserve(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.OrderCreatedEvent)
	if !ok {
		return unexpected(event, broker.TopicInventoryReserve)
	}

	for i, item := range e.Items {
		_, err := p.stock.Reserve(ctx, StockCommand{
			ProductID: item.ProductID,
			OrderID:   e.OrderID,
			Quantity:  item.Quantity,
			Reason:    "order " + e.OrderID,
			EventID:   e.GetEventID(),
			EventType: e.GetEventType(),
		})
		switch {
		case err == nil, errors.Is(err, models.ErrAlreadyProcessed):
			continue
		case models.IsPermanent(err):
			return p.compensate(ctx, e, e.Items[:i], item.ProductID, err)
		default:
			return err
		}
	}

	p.logger.Info("Order stock reserved", zap.String("order_id", e.OrderID), zap.Int("lines", len(e.Items)))
	return nil
}

func (p *InventoryParticipant) compensate(ctx context.Context, e *models.OrderCreatedEvent, reserved []models.OrderItemData, productID string, cause error) error {
	p.logger.Warn("Order reservation failed, compensating",
		zap.String("order_id", e.OrderID),
		zap.String("product_id", productID),
		zap.Int("reserved_lines", len(reserved)),
		zap.Error(cause))

	// The rollback is keyed apart from the reservation so a redelivery can
	// finish a half-done rollback.
	for _, item := range reserved {
		_, err := p.stock.Release(ctx, StockCommand{
			ProductID: item.ProductID,
			OrderID:   e.OrderID,
			Quantity:  item.Quantity,
			Reason:    "reservation rollback for order " + e.OrderID,
			EventID:   e.GetEventID() + ":rollback",
			EventType: e.GetEventType(),
		})
		if err != nil && !errors.Is(err, models.ErrAlreadyProcessed) {
			return fmt.Errorf("failed to roll back reservation of %s: %w", item.ProductID, err)
		}
	}

	failed := &models.StockReservationFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockReservationFailed),
		OrderID:   e.OrderID,
		ProductID: productID,
		Reason:    cause.Error(),
	}
	msgs, err := encodeEvents(ctx, failed)
	if err != nil {
		return err
	}
	dedup := store.Dedup{Key: e.EventID + ":reservation-failed", EventType: models.EventTypeStockReservationFailed}
	return acknowledged(p.outbox.AppendOutbox(ctx, dedup, msgs))
}

func (p *InventoryParticipant) handleRestore(ctx context.Context, event models.DomainEvent) error {
	var orderID string
	var items []models.OrderItemData
	switch e := event.(type) {
	case *models.OrderCancelledEvent:
		orderID, items = e.OrderID, e.Items
	case *models.PaymentFailedEvent:
		orderID, items = e.OrderID, e.Items
	default:
		return unexpected(event, broker.TopicInventoryRestore)
	}

	return p.forEachLine(ctx, event, orderID, items, p.stock.Release, "restore for order "+orderID)
}

func (p *InventoryParticipant) handleDecrease(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.PaymentCompletedEvent)
	if !ok {
		return unexpected(event, broker.TopicInventoryDecrease)
	}
	return p.forEachLine(ctx, event, e.OrderID, e.Items, p.stock.Decrease, "sale for order "+e.OrderID)
}

func (p *InventoryParticipant) forEachLine(
	ctx context.Context,
	event models.DomainEvent,
	orderID string,
	items []models.OrderItemData,
	op func(context.Context, StockCommand) (*models.Inventory, error),
	reason string,
) error {
	for _, item := range items {
		_, err := op(ctx, StockCommand{
			ProductID: item.ProductID,
			OrderID:   orderID,
			Quantity:  item.Quantity,
			Reason:    reason,
			EventID:   event.GetEventID(),
			EventType: event.GetEventType(),
		})
		switch {
		case err == nil, errors.Is(err, models.ErrAlreadyProcessed):
		case errors.Is(err, models.ErrNotFound):
			p.logger.Warn("Skipping line for unknown product",
				zap.String("order_id", orderID),
				zap.String("product_id", item.ProductID))
		default:
			return err
		}
	}
	return nil
}

// OrderParticipant moves orders through their lifecycle as payment and stock
// outcomes arrive.
type OrderParticipant struct {
	orders *OrderService
	logger *zap.Logger
}

func NewOrderParticipant(orders *OrderService) *OrderParticipant {
	return &OrderParticipant{orders: orders, logger: util.Named("saga.order")}
}

func (p *OrderParticipant) Subscriptions() map[string]EventHandler {
	return map[string]EventHandler{
		broker.TopicOrderPaymentCompleted: p.handlePaymentCompleted,
		broker.TopicOrderPaymentFailed:    p.handlePaymentFailed,
		broker.TopicOrderReservationFail:  p.handleReservationFailed,
		broker.TopicShippingPrepare:       p.handleShippingPrepare,
	}
}

func (p *OrderParticipant) handlePaymentCompleted(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.PaymentCompletedEvent)
	if !ok {
		return unexpected(event, broker.TopicOrderPaymentCompleted)
	}
	_, err := p.orders.markPaid(ctx, e.OrderID, eventDedup(e, "order"))
	return acknowledged(err)
}

func (p *OrderParticipant) handlePaymentFailed(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.PaymentFailedEvent)
	if !ok {
		return unexpected(event, broker.TopicOrderPaymentFailed)
	}
	_, err := p.orders.cancel(ctx, e.OrderID, "payment failed: "+e.Reason, eventDedup(e, "order"), true)
	return acknowledged(err)
}

func (p *OrderParticipant) handleReservationFailed(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.StockReservationFailedEvent)
	if !ok {
		return unexpected(event, broker.TopicOrderReservationFail)
	}
	_, err := p.orders.cancel(ctx, e.OrderID, "stock reservation failed", eventDedup(e, "order"), true)
	return acknowledged(err)
}

func (p *OrderParticipant) handleShippingPrepare(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.OrderPaidEvent)
	if !ok {
		return unexpected(event, broker.TopicShippingPrepare)
	}
	_, err := p.orders.startPreparing(ctx, e.OrderID, eventDedup(e, "shipping"))
	return acknowledged(err)
}

// PaymentParticipant refunds payments of cancelled orders.
type PaymentParticipant struct {
	payments *PaymentService
	logger   *zap.Logger
}

func NewPaymentParticipant(payments *PaymentService) *PaymentParticipant {
	return &PaymentParticipant{payments: payments, logger: util.Named("saga.payment")}
}

func (p *PaymentParticipant) Subscriptions() map[string]EventHandler {
	return map[string]EventHandler{
		broker.TopicPaymentCancel: p.handleCancel,
	}
}

func (p *PaymentParticipant) handleCancel(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.OrderCancelledEvent)
	if !ok {
		return unexpected(event, broker.TopicPaymentCancel)
	}

	payment, err := p.payments.GetPaymentByOrder(ctx, e.OrderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !payment.Status.IsCancellable() {
		p.logger.Debug("No refundable payment for cancelled order",
			zap.String("order_id", e.OrderID),
			zap.String("status", string(payment.Status)))
		return nil
	}

	_, err = p.payments.cancel(ctx, payment.ID, decimal.Zero, "order cancelled: "+e.Reason, eventDedup(e, "payment"))
	if errors.Is(err, models.ErrInvalidState) {
		// a resumed refund already emptied the payment
		p.logger.Info("Payment refunded before cancellation arrived", zap.String("order_id", e.OrderID), zap.Error(err))
		return nil
	}
	return acknowledged(err)
}

// SettlementParticipant opens settlements for paid orders and cancels them
// when the payment is fully refunded.
type SettlementParticipant struct {
	settlements *SettlementService
	logger      *zap.Logger
}

func NewSettlementParticipant(settlements *SettlementService) *SettlementParticipant {
	return &SettlementParticipant{settlements: settlements, logger: util.Named("saga.settlement")}
}

func (p *SettlementParticipant) Subscriptions() map[string]EventHandler {
	return map[string]EventHandler{
		broker.TopicSettlementCreate: p.handleCreate,
		broker.TopicSettlementCancel: p.handleCancel,
	}
}

// handleCreate accepts both OrderPaid and PaymentCompleted; whichever
// arrives first opens the settlement.
func (p *SettlementParticipant) handleCreate(ctx context.Context, event models.DomainEvent) error {
	var err error
	switch e := event.(type) {
	case *models.PaymentCompletedEvent:
		_, err = p.settlements.create(ctx, e.OrderID, e.PaymentID, e.PaidAmount, eventDedup(e, "settlement"))
	case *models.OrderPaidEvent:
		_, err = p.settlements.create(ctx, e.OrderID, "", e.TotalAmount, eventDedup(e, "settlement"))
	default:
		return unexpected(event, broker.TopicSettlementCreate)
	}
	return acknowledged(err)
}

func (p *SettlementParticipant) handleCancel(ctx context.Context, event models.DomainEvent) error {
	e, ok := event.(*models.PaymentCancelledEvent)
	if !ok {
		return unexpected(event, broker.TopicSettlementCancel)
	}
	if !e.FullyCancelled {
		p.logger.Info("Partial refund leaves settlement open",
			zap.String("order_id", e.OrderID),
			zap.String("cancelled", e.CancelledAmount.String()))
		return nil
	}

	_, err := p.settlements.cancel(ctx, e.OrderID, "payment cancelled: "+e.Reason, eventDedup(e, "settlement"))
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return acknowledged(err)
}

// acknowledged treats a duplicate delivery as success.
func acknowledged(err error) error {
	if errors.Is(err, models.ErrAlreadyProcessed) {
		return nil
	}
	return err
}

func unexpected(event models.DomainEvent, topic string) error {
	return models.Validationf("unexpected event %s on topic %s", event.GetEventType(), topic)
}

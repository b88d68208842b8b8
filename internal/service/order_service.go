package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	idempotencyTTL = 24 * time.Hour
	pendingRequest = "pending"
)

// OrderService handles order business logic
type OrderService struct {
	repo            OrderRepository
	idem            IdempotencyStore
	maxLineQuantity int
	logger          *zap.Logger
}

// NewOrderService creates a new order service. idem may be nil.
func NewOrderService(repo OrderRepository, idem IdempotencyStore, maxLineQuantity int) *OrderService {
	return &OrderService{
		repo:            repo,
		idem:            idem,
		maxLineQuantity: maxLineQuantity,
		logger:          util.Named("order"),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID         string             `json:"user_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"-"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string          `json:"product_id" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateOrder places an order. Stock is reserved asynchronously by the
// inventory participant reacting to OrderCreated.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		item, err := models.NewOrderItem(line.ProductID, line.Quantity, line.UnitPrice)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	order, event, err := models.NewOrder(req.UserID, items)
	if err != nil {
		return nil, err
	}
	// Checked on merged lines: two lines of one product count as one.
	for _, item := range order.Items {
		if s.maxLineQuantity > 0 && item.Quantity > s.maxLineQuantity {
			return nil, fmt.Errorf("%w: quantity %d of product %s exceeds the per-line limit of %d",
				models.ErrBusinessRule, item.Quantity, item.ProductID, s.maxLineQuantity)
		}
	}
	msgs, err := encodeEvents(ctx, event)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key != "" && s.idem != nil {
		existing, err := s.claimRequest(ctx, key)
		if existing != nil || err != nil {
			return existing, err
		}
	}

	if err := s.repo.CreateOrder(ctx, order, msgs); err != nil {
		if key != "" && s.idem != nil {
			if forgetErr := s.idem.ForgetIdempotencyKey(ctx, key); forgetErr != nil {
				s.logger.Warn("Failed to release idempotency key", zap.String("idempotency_key", key), zap.Error(forgetErr))
			}
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if key != "" && s.idem != nil {
		if err := s.idem.StoreIdempotencyKey(ctx, key, order.ID, idempotencyTTL); err != nil {
			s.logger.Warn("Failed to store idempotency key", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("total", order.TotalAmount.String()),
		zap.Int("items", len(order.Items)))
	return order, nil
}

// claimRequest takes ownership of an idempotency key. If another request
// already owns it, the order that request created is returned instead; a
// claim whose order is not stored yet is reported as a conflict.
func (s *OrderService) claimRequest(ctx context.Context, key string) (*models.Order, error) {
	claimed, err := s.idem.RememberIdempotencyKey(ctx, key, pendingRequest, idempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	orderID, found, err := s.idem.LookupIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if !found || orderID == pendingRequest {
		return nil, fmt.Errorf("%w: request with idempotency key %s is still in progress",
			models.ErrConcurrentModification, key)
	}

	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", orderID))
	return s.repo.GetOrderByID(ctx, orderID)
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.repo.GetOrderByID(ctx, orderID)
}

// CancelOrder cancels a PLACED or PAID order. The OrderCancelled event drives
// stock restoration and payment refund.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	return s.cancel(ctx, orderID, reason, store.Dedup{}, false)
}

// cancel transitions the order to CANCELLED. With tolerateCancelled an order
// that is already cancelled is left alone.
func (s *OrderService) cancel(ctx context.Context, orderID, reason string, dedup store.Dedup, tolerateCancelled bool) (*models.Order, error) {
	return s.transition(ctx, "cancel", orderID, dedup, func(o *models.Order) (models.DomainEvent, error) {
		if tolerateCancelled && o.Status == models.OrderStatusCancelled {
			return nil, nil
		}
		event, err := o.Cancel(reason)
		if err != nil {
			return nil, err
		}
		util.OrdersCancelledTotal.WithLabelValues(reason).Inc()
		return event, nil
	})
}

// MarkOrderPaid moves a PLACED order to PAID.
func (s *OrderService) MarkOrderPaid(ctx context.Context, orderID string) (*models.Order, error) {
	return s.markPaid(ctx, orderID, store.Dedup{})
}

func (s *OrderService) markPaid(ctx context.Context, orderID string, dedup store.Dedup) (*models.Order, error) {
	return s.transition(ctx, "pay", orderID, dedup, func(o *models.Order) (models.DomainEvent, error) {
		event, err := o.MarkAsPaid()
		if err != nil {
			return nil, err
		}
		return event, nil
	})
}

func (s *OrderService) StartPreparing(ctx context.Context, orderID string) (*models.Order, error) {
	return s.startPreparing(ctx, orderID, store.Dedup{})
}

func (s *OrderService) startPreparing(ctx context.Context, orderID string, dedup store.Dedup) (*models.Order, error) {
	return s.transition(ctx, "prepare", orderID, dedup, func(o *models.Order) (models.DomainEvent, error) {
		return nil, o.StartPreparing()
	})
}

func (s *OrderService) ShipOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.transition(ctx, "ship", orderID, store.Dedup{}, func(o *models.Order) (models.DomainEvent, error) {
		return nil, o.Ship()
	})
}

func (s *OrderService) DeliverOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.transition(ctx, "deliver", orderID, store.Dedup{}, func(o *models.Order) (models.DomainEvent, error) {
		return nil, o.Deliver()
	})
}

func (s *OrderService) transition(
	ctx context.Context,
	name, orderID string,
	dedup store.Dedup,
	fn func(*models.Order) (models.DomainEvent, error),
) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService."+name, attribute.String("order_id", orderID))
	defer span.End()

	var updated *models.Order
	err := s.repo.UpdateOrder(ctx, orderID, dedup, func(o *models.Order) ([]models.OutboxMessage, error) {
		event, err := fn(o)
		if err != nil {
			return nil, err
		}
		updated = o
		if event == nil {
			return nil, nil
		}
		return encodeEvents(ctx, event)
	})
	if err != nil {
		if !errors.Is(err, models.ErrAlreadyProcessed) {
			util.RecordError(span, err)
		}
		return nil, err
	}

	s.logger.Info("Order transitioned",
		zap.String("order_id", orderID),
		zap.String("action", name),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

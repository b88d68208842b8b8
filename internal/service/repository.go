package service

import (
	"context"
	"time"

	"commerce-service/internal/broker"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
)

// InventoryRepository persists the stock ledger. *store.Store implements it.
type InventoryRepository interface {
	CreateInventory(ctx context.Context, inv *models.Inventory) error
	GetInventory(ctx context.Context, productID string) (*models.Inventory, error)
	SaveInventory(ctx context.Context, inv *models.Inventory, dedup store.Dedup, messages []models.OutboxMessage) error
	WasProcessed(ctx context.Context, key string) (bool, error)
	AppendOutbox(ctx context.Context, dedup store.Dedup, messages []models.OutboxMessage) error
	ListTransactions(ctx context.Context, productID string) ([]models.InventoryTransaction, error)
	ListOrderTransactions(ctx context.Context, orderID string) ([]models.InventoryTransaction, error)
	ListReservationHistory(ctx context.Context, productID, orderID string) ([]models.InventoryTransaction, error)
}

// OutboxAppender records events that accompany no aggregate change.
type OutboxAppender interface {
	AppendOutbox(ctx context.Context, dedup store.Dedup, messages []models.OutboxMessage) error
}

// StockCache holds read-side snapshots of committed stock.
type StockCache interface {
	SaveStockSnapshot(ctx context.Context, productID string, stock models.StockQuantity, version int) error
	GetStockSnapshot(ctx context.Context, productID string) (models.StockQuantity, int, bool, error)
	InvalidateStockSnapshot(ctx context.Context, productID string) error
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order, messages []models.OutboxMessage) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, id string, dedup store.Dedup, fn func(*models.Order) ([]models.OutboxMessage, error)) error
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, id string, dedup store.Dedup, fn func(*models.Payment) ([]models.OutboxMessage, error)) error
}

type SettlementRepository interface {
	CreateSettlement(ctx context.Context, settlement *models.Settlement, dedup store.Dedup, messages []models.OutboxMessage) error
	GetSettlementByOrderID(ctx context.Context, orderID string) (*models.Settlement, error)
	UpdateSettlement(ctx context.Context, orderID string, dedup store.Dedup, fn func(*models.Settlement) ([]models.OutboxMessage, error)) error
}

// IdempotencyStore remembers request keys for client retries.
// RememberIdempotencyKey only sets an absent key.
type IdempotencyStore interface {
	RememberIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	StoreIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) error
	LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	ForgetIdempotencyKey(ctx context.Context, key string) error
}

var (
	_ InventoryRepository  = (*store.Store)(nil)
	_ OrderRepository      = (*store.Store)(nil)
	_ PaymentRepository    = (*store.Store)(nil)
	_ SettlementRepository = (*store.Store)(nil)
)

// encodeEvents routes every event into outbox messages.
func encodeEvents(ctx context.Context, events ...models.DomainEvent) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	for _, e := range events {
		m, err := broker.NewOutboxMessages(ctx, e)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m...)
	}
	return msgs, nil
}

// eventDedup keys a consumed event, optionally scoped to one entity.
func eventDedup(event models.DomainEvent, scope string) store.Dedup {
	key := event.GetEventID()
	if scope != "" {
		key += ":" + scope
	}
	return store.Dedup{Key: key, EventType: event.GetEventType()}
}

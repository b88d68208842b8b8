package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/store"

	"github.com/shopspring/decimal"
)

// memoryStore is a mutex-guarded stand-in for *store.Store with the same
// version check and dedup semantics.
type memoryStore struct {
	mu          sync.Mutex
	inventories map[string]models.Inventory
	txs         []models.InventoryTransaction
	outbox      []models.OutboxMessage
	processed   map[string]bool
	orders      map[string]models.Order
	payments    map[string]models.Payment
	settlements map[string]models.Settlement

	// failCommit, when set, can fail a write after its closure ran, the way
	// a lost connection fails a commit.
	failCommit func(op string) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		inventories: map[string]models.Inventory{},
		processed:   map[string]bool{},
		orders:      map[string]models.Order{},
		payments:    map[string]models.Payment{},
		settlements: map[string]models.Settlement{},
	}
}

func (m *memoryStore) commit(op string) error {
	if m.failCommit == nil {
		return nil
	}
	return m.failCommit(op)
}

func (m *memoryStore) markProcessed(dedup store.Dedup) error {
	if dedup.Key == "" {
		return nil
	}
	if m.processed[dedup.Key] {
		return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
	}
	m.processed[dedup.Key] = true
	return nil
}

func (m *memoryStore) WasProcessed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[key], nil
}

func (m *memoryStore) CreateInventory(_ context.Context, inv *models.Inventory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inventories[inv.ProductID]; ok {
		return fmt.Errorf("%w: product %s", models.ErrDuplicateInventory, inv.ProductID)
	}
	m.txs = append(m.txs, inv.PendingTransactions()...)
	inv.Committed(inv.Version)
	m.inventories[inv.ProductID] = *inv
	return nil
}

func (m *memoryStore) GetInventory(_ context.Context, productID string) (*models.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventories[productID]
	if !ok {
		return nil, fmt.Errorf("%w: inventory for product %s", models.ErrNotFound, productID)
	}
	return &inv, nil
}

func (m *memoryStore) SaveInventory(_ context.Context, inv *models.Inventory, dedup store.Dedup, messages []models.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.inventories[inv.ProductID]
	if !ok {
		return fmt.Errorf("%w: inventory for product %s", models.ErrNotFound, inv.ProductID)
	}
	if current.Version != inv.Version {
		return fmt.Errorf("%w: product %s", models.ErrConcurrentModification, inv.ProductID)
	}
	if err := m.markProcessed(dedup); err != nil {
		return err
	}

	m.txs = append(m.txs, inv.PendingTransactions()...)
	m.outbox = append(m.outbox, messages...)
	inv.Committed(inv.Version + 1)
	m.inventories[inv.ProductID] = *inv
	return nil
}

func (m *memoryStore) AppendOutbox(_ context.Context, dedup store.Dedup, messages []models.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.markProcessed(dedup); err != nil {
		return err
	}
	m.outbox = append(m.outbox, messages...)
	return nil
}

func (m *memoryStore) ListTransactions(_ context.Context, productID string) ([]models.InventoryTransaction, error) {
	return m.filterTxs(func(tx models.InventoryTransaction) bool { return tx.ProductID == productID }), nil
}

func (m *memoryStore) ListOrderTransactions(_ context.Context, orderID string) ([]models.InventoryTransaction, error) {
	return m.filterTxs(func(tx models.InventoryTransaction) bool { return tx.OrderID == orderID }), nil
}

func (m *memoryStore) ListReservationHistory(_ context.Context, productID, orderID string) ([]models.InventoryTransaction, error) {
	return m.filterTxs(func(tx models.InventoryTransaction) bool {
		return tx.ProductID == productID && (tx.OrderID == orderID || tx.Type == models.TransactionAdjustment)
	}), nil
}

func (m *memoryStore) filterTxs(keep func(models.InventoryTransaction) bool) []models.InventoryTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InventoryTransaction
	for _, tx := range m.txs {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (m *memoryStore) CreateOrder(_ context.Context, order *models.Order, messages []models.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.commit("CreateOrder"); err != nil {
		return err
	}
	m.orders[order.ID] = *order
	m.outbox = append(m.outbox, messages...)
	return nil
}

func (m *memoryStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	return &order, nil
}

func (m *memoryStore) UpdateOrder(_ context.Context, id string, dedup store.Dedup, fn func(*models.Order) ([]models.OutboxMessage, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if m.processed[dedup.Key] && dedup.Key != "" {
		return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
	}
	messages, err := fn(&order)
	if err != nil {
		return err
	}
	_ = m.markProcessed(dedup)
	m.orders[id] = order
	m.outbox = append(m.outbox, messages...)
	return nil
}

func (m *memoryStore) CreatePayment(_ context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[payment.OrderID]; !ok {
		return fmt.Errorf("%w: order %s", models.ErrNotFound, payment.OrderID)
	}
	for _, p := range m.payments {
		if p.OrderID == payment.OrderID && p.Status != models.PaymentStatusFailed {
			return fmt.Errorf("%w: order %s already has an active payment", models.ErrBusinessRule, payment.OrderID)
		}
	}
	m.payments[payment.ID] = *payment
	return nil
}

func (m *memoryStore) GetPaymentByID(_ context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", models.ErrNotFound, id)
	}
	return &payment, nil
}

func (m *memoryStore) GetPaymentByOrderID(_ context.Context, orderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: payment for order %s", models.ErrNotFound, orderID)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return &found[0], nil
}

func (m *memoryStore) UpdatePayment(_ context.Context, id string, dedup store.Dedup, fn func(*models.Payment) ([]models.OutboxMessage, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return fmt.Errorf("%w: payment %s", models.ErrNotFound, id)
	}
	if m.processed[dedup.Key] && dedup.Key != "" {
		return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
	}
	messages, err := fn(&payment)
	if err != nil {
		return err
	}
	if err := m.commit("UpdatePayment"); err != nil {
		return err
	}
	_ = m.markProcessed(dedup)
	m.payments[id] = payment
	m.outbox = append(m.outbox, messages...)
	return nil
}

func (m *memoryStore) CreateSettlement(_ context.Context, settlement *models.Settlement, dedup store.Dedup, messages []models.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed[dedup.Key] && dedup.Key != "" {
		return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
	}
	if _, ok := m.settlements[settlement.OrderID]; ok {
		return fmt.Errorf("%w: settlement for order %s exists", models.ErrAlreadyProcessed, settlement.OrderID)
	}
	_ = m.markProcessed(dedup)
	m.settlements[settlement.OrderID] = *settlement
	m.outbox = append(m.outbox, messages...)
	return nil
}

func (m *memoryStore) GetSettlementByOrderID(_ context.Context, orderID string) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settlement, ok := m.settlements[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: settlement for order %s", models.ErrNotFound, orderID)
	}
	return &settlement, nil
}

func (m *memoryStore) UpdateSettlement(_ context.Context, orderID string, dedup store.Dedup, fn func(*models.Settlement) ([]models.OutboxMessage, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	settlement, ok := m.settlements[orderID]
	if !ok {
		return fmt.Errorf("%w: settlement for order %s", models.ErrNotFound, orderID)
	}
	if m.processed[dedup.Key] && dedup.Key != "" {
		return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
	}
	messages, err := fn(&settlement)
	if err != nil {
		return err
	}
	_ = m.markProcessed(dedup)
	m.settlements[orderID] = settlement
	m.outbox = append(m.outbox, messages...)
	return nil
}

// eventTypes lists the outbox event types in write order, once per event.
func (m *memoryStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, msg := range m.outbox {
		if seen[msg.EventID] {
			continue
		}
		seen[msg.EventID] = true
		out = append(out, msg.EventType)
	}
	return out
}

func (m *memoryStore) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.outbox {
		out = append(out, msg.Topic)
	}
	return out
}

type memoryCache struct {
	mu          sync.Mutex
	snapshots   map[string]models.StockQuantity
	invalidated []string
}

func (c *memoryCache) SaveStockSnapshot(_ context.Context, productID string, stock models.StockQuantity, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshots == nil {
		c.snapshots = map[string]models.StockQuantity{}
	}
	c.snapshots[productID] = stock
	return nil
}

func (c *memoryCache) GetStockSnapshot(_ context.Context, productID string) (models.StockQuantity, int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stock, ok := c.snapshots[productID]
	return stock, 0, ok, nil
}

func (c *memoryCache) InvalidateStockSnapshot(_ context.Context, productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, productID)
	c.invalidated = append(c.invalidated, productID)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (i *memoryIdempotency) RememberIdempotencyKey(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.keys == nil {
		i.keys = map[string]string{}
	}
	if _, ok := i.keys[key]; ok {
		return false, nil
	}
	i.keys[key] = value
	return true, nil
}

func (i *memoryIdempotency) LookupIdempotencyKey(_ context.Context, key string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.keys[key]
	return v, ok, nil
}

func (i *memoryIdempotency) StoreIdempotencyKey(_ context.Context, key, value string, _ time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.keys == nil {
		i.keys = map[string]string{}
	}
	i.keys[key] = value
	return nil
}

func (i *memoryIdempotency) ForgetIdempotencyKey(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.keys, key)
	return nil
}

// scriptedGateway replays a fixed list of outcomes.
type scriptedGateway struct {
	mu       sync.Mutex
	outcomes []error
	declined bool
	calls    int
	refunds  []decimal.Decimal
	seen     map[string]bool

	// refundErr fails every refund call while set.
	refundErr error
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Approve(context.Context, GatewayRequest) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.outcomes) > 0 {
		err := g.outcomes[0]
		g.outcomes = g.outcomes[1:]
		if err != nil {
			return GatewayResult{}, err
		}
	}
	if g.declined {
		return GatewayResult{DeclineReason: "card_declined"}, nil
	}
	return GatewayResult{Approved: true, ExternalPaymentID: "EXT-1", TxID: "TXN-1"}, nil
}

// Refund records each distinct refund id once.
func (g *scriptedGateway) Refund(_ context.Context, _, refundID string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return g.refundErr
	}
	if g.seen == nil {
		g.seen = map[string]bool{}
	}
	if g.seen[refundID] {
		return nil
	}
	g.seen[refundID] = true
	g.refunds = append(g.refunds, amount)
	return nil
}

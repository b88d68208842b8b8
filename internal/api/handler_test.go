package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"commerce-service/internal/lock"
	"commerce-service/internal/models"
	"commerce-service/internal/service"
	"commerce-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

type inventoryRepo struct {
	mu        sync.Mutex
	invs      map[string]models.Inventory
	txs       []models.InventoryTransaction
	processed map[string]bool
}

func (r *inventoryRepo) CreateInventory(_ context.Context, inv *models.Inventory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.invs[inv.ProductID]; ok {
		return models.ErrDuplicateInventory
	}
	r.invs[inv.ProductID] = *inv
	return nil
}

func (r *inventoryRepo) GetInventory(_ context.Context, productID string) (*models.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invs[productID]
	if !ok {
		return nil, fmt.Errorf("%w: inventory for product %s", models.ErrNotFound, productID)
	}
	return &inv, nil
}

func (r *inventoryRepo) SaveInventory(_ context.Context, inv *models.Inventory, dedup store.Dedup, _ []models.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dedup.Key != "" {
		if r.processed[dedup.Key] {
			return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
		}
		r.processed[dedup.Key] = true
	}
	r.txs = append(r.txs, inv.PendingTransactions()...)
	inv.Committed(inv.Version + 1)
	r.invs[inv.ProductID] = *inv
	return nil
}

func (r *inventoryRepo) WasProcessed(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed[key], nil
}

func (r *inventoryRepo) AppendOutbox(context.Context, store.Dedup, []models.OutboxMessage) error {
	return nil
}

func (r *inventoryRepo) ListTransactions(_ context.Context, productID string) ([]models.InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.InventoryTransaction
	for _, tx := range r.txs {
		if tx.ProductID == productID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *inventoryRepo) ListOrderTransactions(_ context.Context, orderID string) ([]models.InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.InventoryTransaction
	for _, tx := range r.txs {
		if tx.OrderID == orderID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *inventoryRepo) ListReservationHistory(ctx context.Context, productID, orderID string) ([]models.InventoryTransaction, error) {
	txs, _ := r.ListTransactions(ctx, productID)
	var out []models.InventoryTransaction
	for _, tx := range txs {
		if tx.OrderID == orderID || tx.Type == models.TransactionAdjustment {
			out = append(out, tx)
		}
	}
	return out, nil
}

type orderRepo struct {
	mu     sync.Mutex
	orders map[string]models.Order
}

func (r *orderRepo) CreateOrder(_ context.Context, order *models.Order, _ []models.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = *order
	return nil
}

func (r *orderRepo) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	return &order, nil
}

func (r *orderRepo) UpdateOrder(_ context.Context, id string, _ store.Dedup, fn func(*models.Order) ([]models.OutboxMessage, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if _, err := fn(&order); err != nil {
		return err
	}
	r.orders[id] = order
	return nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fixture struct {
	router *gin.Engine
	locks  *lock.MemoryManager
}

func newFixture(t *testing.T, checks map[string]Pinger) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	locks := lock.NewMemoryManager(time.Minute)
	stock := service.NewStockService(&inventoryRepo{invs: map[string]models.Inventory{}, processed: map[string]bool{}}, locks, nil, service.StockConfig{
		LockTimeout:     20 * time.Millisecond,
		MaxLineQuantity: 100,
	})
	orders := service.NewOrderService(&orderRepo{orders: map[string]models.Order{}}, nil, 100)

	router := gin.New()
	NewHandler(stock, orders, nil, nil, testToken, checks).SetupRoutes(router)
	return &fixture{router: router, locks: locks}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestInventoryAdministration(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 10})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 10})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/inventory/P-1/increase", gin.H{"quantity": 5, "reason": "restock"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var inv models.Inventory
	decode(t, rec, &inv)
	assert.Equal(t, models.StockQuantity{Available: 15}, inv.Stock)

	rec = f.do(t, http.MethodGet, "/api/v1/inventory/P-1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs struct {
		Transactions []models.InventoryTransaction `json:"transactions"`
	}
	decode(t, rec, &txs)
	assert.Len(t, txs.Transactions, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/inventory/P-1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report service.ReconcileReport
	decode(t, rec, &report)
	assert.True(t, report.Consistent)

	rec = f.do(t, http.MethodGet, "/api/v1/inventory/P-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, nil)
	cmd := gin.H{"product_id": "P-1", "order_id": "O-1", "quantity": 1}

	rec := f.do(t, http.MethodPost, "/internal/inventory/reserve", cmd)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/internal/inventory/reserve", cmd, service.InternalTokenHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInternalReserveErrors(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 2}).Code)

	tests := []struct {
		name string
		cmd  gin.H
		want int
	}{
		{"reserved", gin.H{"product_id": "P-1", "order_id": "O-1", "quantity": 1}, http.StatusOK},
		{"insufficient", gin.H{"product_id": "P-1", "order_id": "O-2", "quantity": 5}, http.StatusUnprocessableEntity},
		{"bulk line", gin.H{"product_id": "P-1", "order_id": "O-3", "quantity": 101}, http.StatusConflict},
		{"unknown product", gin.H{"product_id": "P-2", "order_id": "O-4", "quantity": 1}, http.StatusNotFound},
		{"missing quantity", gin.H{"product_id": "P-1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/internal/inventory/reserve", tt.cmd, service.InternalTokenHeader, testToken)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestBusyLockReturnsRetryAfter(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 2}).Code)

	lease, err := f.locks.TryAcquire(context.Background(), lock.ProductKey("P-1"), time.Second)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	rec := f.do(t, http.MethodPost, "/internal/inventory/reserve",
		gin.H{"product_id": "P-1", "order_id": "O-1", "quantity": 1}, service.InternalTokenHeader, testToken)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAdjustRequiresForce(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 5}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/internal/inventory/reserve",
		gin.H{"product_id": "P-1", "order_id": "O-1", "quantity": 2}, service.InternalTokenHeader, testToken).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/inventory/P-1/adjust", gin.H{"new_total": 8, "reason": "count"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/inventory/P-1/adjust", gin.H{"new_total": 8, "reason": "count", "force": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var inv models.Inventory
	decode(t, rec, &inv)
	assert.Equal(t, models.StockQuantity{Available: 8}, inv.Stock)
}

func TestOrderEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": "U-1",
		"items":   []gin.H{{"product_id": "P-1", "quantity": 2, "unit_price": "9.99"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order models.Order
	decode(t, rec, &order)
	assert.Equal(t, models.OrderStatusPlaced, order.Status)
	assert.Equal(t, "19.98", order.TotalAmount.String())

	rec = f.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/ship", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", gin.H{"reason": "changed mind"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &order)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/orders", gin.H{"user_id": "U-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadiness(t *testing.T) {
	f := newFixture(t, map[string]Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("down")}})

	rec := f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")

	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInventoryClientRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 3}).Code)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	ctx := context.Background()

	client := service.NewInventoryClient(srv.URL, testToken, time.Second)
	inv, err := client.Reserve(ctx, service.StockCommand{ProductID: "P-1", OrderID: "O-1", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, models.StockQuantity{Available: 1, Reserved: 2}, inv.Stock)

	_, err = client.Reserve(ctx, service.StockCommand{ProductID: "P-1", OrderID: "O-2", Quantity: 2})
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	inv, err = client.Decrease(ctx, service.StockCommand{ProductID: "P-1", OrderID: "O-1", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, models.StockQuantity{Available: 1, Reserved: 0}, inv.Stock)

	// O-1 holds nothing any more
	_, err = client.Release(ctx, service.StockCommand{ProductID: "P-1", OrderID: "O-1", Quantity: 1})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = client.Reserve(ctx, service.StockCommand{ProductID: "P-404", OrderID: "O-3", Quantity: 1})
	assert.ErrorIs(t, err, models.ErrNotFound)

	bad := service.NewInventoryClient(srv.URL, "wrong", time.Second)
	_, err = bad.Reserve(ctx, service.StockCommand{ProductID: "P-1", OrderID: "O-1", Quantity: 1})
		assert.Error(t, err)
}

func TestInventoryClientCarriesEventIdentity(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 3}).Code)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	ctx := context.Background()
	client := service.NewInventoryClient(srv.URL, testToken, time.Second)

	cmd := service.StockCommand{
		ProductID: "P-1",
		OrderID:   "O-1",
		Quantity:  2,
		EventID:   "evt-1",
		EventType: models.EventTypeOrderCreated,
	}
	inv, err := client.Reserve(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Stock.Reserved)

	_, err = client.Reserve(ctx, cmd)
	assert.ErrorIs(t, err, models.ErrAlreadyProcessed)

	rec := f.do(t, http.MethodGet, "/api/v1/inventory/P-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored models.Inventory
	decode(t, rec, &stored)
	assert.Equal(t, models.StockQuantity{Available: 1, Reserved: 2}, stored.Stock)
}

func TestErrorBodyCarriesCode(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/inventory", gin.H{"product_id": "P-1", "initial_quantity": 1}).Code)

	rec := f.do(t, http.MethodPost, "/internal/inventory/reserve",
		gin.H{"product_id": "P-1", "order_id": "O-1", "quantity": 2}, service.InternalTokenHeader, testToken)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Code string `json:"code"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "insufficient_stock", body.Code)
}

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies an inventory ledger record.
type TransactionType string

const (
	TransactionIncrease   TransactionType = "INCREASE"
	TransactionDecrease   TransactionType = "DECREASE"
	TransactionReserve    TransactionType = "RESERVE"
	TransactionRelease    TransactionType = "RELEASE"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// InventoryTransaction is an append-only audit record of a single ledger mutation.
type InventoryTransaction struct {
	TransactionID   string          `db:"transaction_id" json:"transaction_id"`
	ProductID       string          `db:"product_id" json:"product_id"`
	OrderID         string          `db:"order_id" json:"order_id,omitempty"`
	Type            TransactionType `db:"transaction_type" json:"type"`
	Quantity        int             `db:"quantity" json:"quantity"`
	BeforeAvailable int             `db:"before_available" json:"before_available"`
	AfterAvailable  int             `db:"after_available" json:"after_available"`
	BeforeReserved  int             `db:"before_reserved" json:"before_reserved"`
	AfterReserved   int             `db:"after_reserved" json:"after_reserved"`
	Reason          string          `db:"reason" json:"reason"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Before returns the snapshot taken before the mutation.
func (t InventoryTransaction) Before() StockQuantity {
	return StockQuantity{Available: t.BeforeAvailable, Reserved: t.BeforeReserved}
}

// After returns the snapshot taken after the mutation.
func (t InventoryTransaction) After() StockQuantity {
	return StockQuantity{Available: t.AfterAvailable, Reserved: t.AfterReserved}
}

// Inventory is the aggregate root for one product's stock.
// Mutations append to an in-memory list of pending transactions that the
// store flushes together with the aggregate row.
type Inventory struct {
	InventoryID string        `json:"inventory_id"`
	ProductID   string        `json:"product_id"`
	Stock       StockQuantity `json:"stock"`
	Version     int           `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	pending []InventoryTransaction
}

// NewInventory creates the aggregate for a product with an initial available quantity.
func NewInventory(productID string, initialQuantity int) (*Inventory, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, Validationf("product id is required")
	}
	stock, err := NewStockQuantity(initialQuantity, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Inventory{
		InventoryID: uuid.New().String(),
		ProductID:   productID,
		Stock:       stock,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Reserve moves quantity from available to reserved for an order.
// When stock is short it returns a StockDepletedEvent together with
// ErrInsufficientStock and leaves the aggregate untouched.
func (inv *Inventory) Reserve(orderID string, quantity int, reason string) (DomainEvent, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	before := inv.Stock
	if !before.CanReserve(quantity) {
		depleted := &StockDepletedEvent{
			BaseEvent:         NewBaseEvent(EventTypeStockDepleted),
			ProductID:         inv.ProductID,
			OrderID:           orderID,
			RequestedQuantity: quantity,
			AvailableQuantity: before.Available,
		}
		return depleted, fmt.Errorf("%w: product=%s requested=%d available=%d",
			ErrInsufficientStock, inv.ProductID, quantity, before.Available)
	}

	next, err := before.Reserve(quantity)
	if err != nil {
		return nil, err
	}
	inv.apply(orderID, TransactionReserve, quantity, next, reason)

	return &StockReservedEvent{
		BaseEvent: NewBaseEvent(EventTypeStockReserved),
		ProductID: inv.ProductID,
		OrderID:   orderID,
		Quantity:  quantity,
	}, nil
}

// ReleaseReservation returns reserved units to available.
func (inv *Inventory) ReleaseReservation(orderID string, quantity int, reason string) (DomainEvent, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	next, err := inv.Stock.Release(quantity)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", inv.ProductID, err)
	}
	inv.apply(orderID, TransactionRelease, quantity, next, reason)

	return &StockReleasedEvent{
		BaseEvent: NewBaseEvent(EventTypeStockReleased),
		ProductID: inv.ProductID,
		OrderID:   orderID,
		Quantity:  quantity,
	}, nil
}

// Decrease finalizes a sale by removing reserved units permanently.
func (inv *Inventory) Decrease(orderID string, quantity int, reason string) error {
	if err := validateQuantity(quantity); err != nil {
		return err
	}

	next, err := inv.Stock.Decrease(quantity)
	if err != nil {
		return fmt.Errorf("product %s: %w", inv.ProductID, err)
	}
	inv.apply(orderID, TransactionDecrease, quantity, next, reason)
	return nil
}

// Increase restocks available units.
func (inv *Inventory) Increase(quantity int, reason string) error {
	if err := validateQuantity(quantity); err != nil {
		return err
	}
	inv.apply("", TransactionIncrease, quantity, inv.Stock.Increase(quantity), reason)
	return nil
}

// Adjust overrides the stock to newTotal available units and zero reserved.
// Outstanding reservations are discarded; the recorded quantity is the signed
// delta newTotal - (available + reserved).
func (inv *Inventory) Adjust(newTotal int, reason string) error {
	next, err := NewStockQuantity(newTotal, 0)
	if err != nil {
		return err
	}
	delta := newTotal - inv.Stock.Total()
	inv.apply("", TransactionAdjustment, delta, next, reason)
	return nil
}

// IsStockSufficient reports whether quantity could be reserved right now.
func (inv *Inventory) IsStockSufficient(quantity int) bool {
	return inv.Stock.CanReserve(quantity)
}

// PendingTransactions returns the ledger records not yet persisted.
func (inv *Inventory) PendingTransactions() []InventoryTransaction {
	out := make([]InventoryTransaction, len(inv.pending))
	copy(out, inv.pending)
	return out
}

// Committed is called by the store once the aggregate and its pending
// transactions are durably written under the given version.
func (inv *Inventory) Committed(version int) {
	inv.Version = version
	inv.pending = nil
}

func (inv *Inventory) apply(orderID string, txType TransactionType, quantity int, next StockQuantity, reason string) {
	before := inv.Stock
	now := time.Now().UTC()

	inv.Stock = next
	inv.UpdatedAt = now
	inv.pending = append(inv.pending, InventoryTransaction{
		TransactionID:   uuid.New().String(),
		ProductID:       inv.ProductID,
		OrderID:         orderID,
		Type:            txType,
		Quantity:        quantity,
		BeforeAvailable: before.Available,
		AfterAvailable:  next.Available,
		BeforeReserved:  before.Reserved,
		AfterReserved:   next.Reserved,
		Reason:          reason,
		CreatedAt:       now,
	})
}

func validateQuantity(quantity int) error {
	if quantity <= 0 {
		return Validationf("quantity must be > 0, got %d", quantity)
	}
	return nil
}

// Replay rebuilds the stock from a product's transaction log, oldest first.
// It fails if a record's before-snapshot does not continue from the previous
// record or if applying the record does not yield its after-snapshot.
func Replay(txs []InventoryTransaction) (StockQuantity, error) {
	if len(txs) == 0 {
		return StockQuantity{}, nil
	}

	state := txs[0].Before()
	for i, tx := range txs {
		if tx.Before() != state {
			return state, fmt.Errorf("transaction %d (%s): before %s does not follow %s",
				i, tx.TransactionID, tx.Before(), state)
		}

		var (
			next StockQuantity
			err  error
		)
		switch tx.Type {
		case TransactionReserve:
			next, err = state.Reserve(tx.Quantity)
		case TransactionRelease:
			next, err = state.Release(tx.Quantity)
		case TransactionDecrease:
			next, err = state.Decrease(tx.Quantity)
		case TransactionIncrease:
			next = state.Increase(tx.Quantity)
		case TransactionAdjustment:
			next, err = NewStockQuantity(state.Total()+tx.Quantity, 0)
		default:
			err = fmt.Errorf("unknown transaction type %q", tx.Type)
		}
		if err != nil {
			return state, fmt.Errorf("transaction %d (%s): %w", i, tx.TransactionID, err)
		}
		if next != tx.After() {
			return state, fmt.Errorf("transaction %d (%s): replayed %s, recorded %s",
				i, tx.TransactionID, next, tx.After())
		}
		state = next
	}
	return state, nil
}

// OutstandingReservation returns how many units an order still holds on a
// product according to the transaction log, oldest first. An adjustment
// discards every reservation recorded before it.
func OutstandingReservation(txs []InventoryTransaction, orderID string) int {
	outstanding := 0
	for _, tx := range txs {
		if tx.Type == TransactionAdjustment {
			outstanding = 0
			continue
		}
		if tx.OrderID != orderID {
			continue
		}
		switch tx.Type {
		case TransactionReserve:
			outstanding += tx.Quantity
		case TransactionRelease, TransactionDecrease:
			outstanding -= tx.Quantity
		}
	}
	if outstanding < 0 {
		return 0
	}
	return outstanding
}

package models

import "fmt"

// StockQuantity is an immutable pair of available and reserved units.
// Every transition returns a new value; the receiver is never modified.
type StockQuantity struct {
	Available int `db:"available" json:"available"`
	Reserved  int `db:"reserved" json:"reserved"`
}

// NewStockQuantity validates and builds a StockQuantity.
func NewStockQuantity(available, reserved int) (StockQuantity, error) {
	if available < 0 {
		return StockQuantity{}, Validationf("available stock must be >= 0, got %d", available)
	}
	if reserved < 0 {
		return StockQuantity{}, Validationf("reserved stock must be >= 0, got %d", reserved)
	}
	return StockQuantity{Available: available, Reserved: reserved}, nil
}

// Total returns available + reserved.
func (q StockQuantity) Total() int {
	return q.Available + q.Reserved
}

// CanReserve reports whether quantity units can move from available to reserved.
func (q StockQuantity) CanReserve(quantity int) bool {
	return q.Available >= quantity
}

func (q StockQuantity) Reserve(quantity int) (StockQuantity, error) {
	if !q.CanReserve(quantity) {
		return q, fmt.Errorf("%w: requested=%d, available=%d", ErrInsufficientStock, quantity, q.Available)
	}
	return StockQuantity{Available: q.Available - quantity, Reserved: q.Reserved + quantity}, nil
}

func (q StockQuantity) Release(quantity int) (StockQuantity, error) {
	if q.Reserved < quantity {
		return q, fmt.Errorf("%w: release requested=%d, reserved=%d", ErrInvalidState, quantity, q.Reserved)
	}
	return StockQuantity{Available: q.Available + quantity, Reserved: q.Reserved - quantity}, nil
}

// Decrease permanently removes reserved units, finalizing a sale.
func (q StockQuantity) Decrease(quantity int) (StockQuantity, error) {
	if q.Reserved < quantity {
		return q, fmt.Errorf("%w: decrease requested=%d, reserved=%d", ErrInvalidState, quantity, q.Reserved)
	}
	return StockQuantity{Available: q.Available, Reserved: q.Reserved - quantity}, nil
}

func (q StockQuantity) Increase(quantity int) StockQuantity {
	return StockQuantity{Available: q.Available + quantity, Reserved: q.Reserved}
}

func (q StockQuantity) String() string {
	return fmt.Sprintf("available=%d reserved=%d", q.Available, q.Reserved)
}

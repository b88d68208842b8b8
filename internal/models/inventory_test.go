package models

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInventory(t *testing.T, available int) *Inventory {
	t.Helper()
	inv, err := NewInventory("P-1", available)
	require.NoError(t, err)
	return inv
}

func TestNewInventory(t *testing.T) {
	inv, err := NewInventory("P-1", 10)
	require.NoError(t, err)
	assert.Equal(t, StockQuantity{Available: 10}, inv.Stock)
	assert.Equal(t, 1, inv.Version)
	assert.Empty(t, inv.PendingTransactions())

	_, err = NewInventory("P-1", -1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewInventory(" ", 1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReserve(t *testing.T) {
	inv := newTestInventory(t, 10)

	event, err := inv.Reserve("O1", 6, "order")
	require.NoError(t, err)
	assert.Equal(t, StockQuantity{Available: 4, Reserved: 6}, inv.Stock)

	reserved, ok := event.(*StockReservedEvent)
	require.True(t, ok)
	assert.Equal(t, "O1", reserved.OrderID)
	assert.Equal(t, 6, reserved.Quantity)
	assert.Equal(t, "P-1", reserved.PartitionKey())

	txs := inv.PendingTransactions()
	require.Len(t, txs, 1)
	assert.Equal(t, TransactionReserve, txs[0].Type)
	assert.Equal(t, StockQuantity{Available: 10}, txs[0].Before())
	assert.Equal(t, StockQuantity{Available: 4, Reserved: 6}, txs[0].After())
}

func TestReserveInsufficientStock(t *testing.T) {
	inv := newTestInventory(t, 4)

	event, err := inv.Reserve("O2", 6, "order")
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.ErrorIs(t, err, ErrBusinessRule)

	depleted, ok := event.(*StockDepletedEvent)
	require.True(t, ok)
	assert.Equal(t, 6, depleted.RequestedQuantity)
	assert.Equal(t, 4, depleted.AvailableQuantity)

	assert.Equal(t, StockQuantity{Available: 4}, inv.Stock)
	assert.Empty(t, inv.PendingTransactions())
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	inv := newTestInventory(t, 4)

	for _, qty := range []int{0, -3} {
		_, err := inv.Reserve("O1", qty, "order")
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Empty(t, inv.PendingTransactions())
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		available := rng.Intn(50)
		reserved := rng.Intn(50)
		inv := newTestInventory(t, 0)
		inv.Stock = StockQuantity{Available: available, Reserved: reserved}
		before := inv.Stock

		qty := rng.Intn(available+1) + 1
		if qty > available {
			continue
		}
		_, err := inv.Reserve("O1", qty, "order")
		require.NoError(t, err)
		_, err = inv.ReleaseReservation("O1", qty, "cancel")
		require.NoError(t, err)

		assert.Equal(t, before, inv.Stock)
	}
}

func TestDecreaseAfterReserve(t *testing.T) {
	inv := newTestInventory(t, 10)

	_, err := inv.Reserve("O1", 3, "order")
	require.NoError(t, err)
	require.NoError(t, inv.Decrease("O1", 3, "paid"))

	assert.Equal(t, StockQuantity{Available: 7, Reserved: 0}, inv.Stock)

	txs := inv.PendingTransactions()
	require.Len(t, txs, 2)
	assert.Equal(t, TransactionReserve, txs[0].Type)
	assert.Equal(t, TransactionDecrease, txs[1].Type)
}

func TestDecreaseMoreThanReserved(t *testing.T) {
	inv := newTestInventory(t, 10)
	_, err := inv.Reserve("O1", 2, "order")
	require.NoError(t, err)

	err = inv.Decrease("O1", 3, "paid")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StockQuantity{Available: 8, Reserved: 2}, inv.Stock)
	assert.Len(t, inv.PendingTransactions(), 1)
}

func TestReleaseMoreThanReserved(t *testing.T) {
	inv := newTestInventory(t, 10)

	_, err := inv.ReleaseReservation("O1", 1, "cancel")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StockQuantity{Available: 10}, inv.Stock)
}

func TestIncrease(t *testing.T) {
	inv := newTestInventory(t, 1)

	require.NoError(t, inv.Increase(9, "restock"))
	assert.Equal(t, 10, inv.Stock.Available)
	assert.ErrorIs(t, inv.Increase(0, "restock"), ErrValidation)
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name      string
		available int
		reserved  int
		newTotal  int
		wantDelta int
	}{
		{"grow", 5, 3, 20, 12},
		{"shrink", 5, 3, 2, -6},
		{"no reservations", 5, 0, 5, 0},
		{"to zero", 0, 4, 0, -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newTestInventory(t, 0)
			inv.Stock = StockQuantity{Available: tt.available, Reserved: tt.reserved}

			require.NoError(t, inv.Adjust(tt.newTotal, "count"))
			assert.Equal(t, StockQuantity{Available: tt.newTotal}, inv.Stock)

			txs := inv.PendingTransactions()
			require.Len(t, txs, 1)
			assert.Equal(t, TransactionAdjustment, txs[0].Type)
			assert.Equal(t, tt.wantDelta, txs[0].Quantity)
		})
	}

	inv := newTestInventory(t, 3)
	assert.ErrorIs(t, inv.Adjust(-1, "count"), ErrValidation)
	assert.Equal(t, StockQuantity{Available: 3}, inv.Stock)
}

func TestCommittedClearsPending(t *testing.T) {
	inv := newTestInventory(t, 3)
	require.NoError(t, inv.Increase(1, "restock"))

	inv.Committed(2)
	assert.Equal(t, 2, inv.Version)
	assert.Empty(t, inv.PendingTransactions())
}

func TestReplay(t *testing.T) {
	inv := newTestInventory(t, 10)
	_, err := inv.Reserve("O1", 4, "order")
	require.NoError(t, err)
	require.NoError(t, inv.Decrease("O1", 2, "paid"))
	_, err = inv.ReleaseReservation("O1", 2, "cancel")
	require.NoError(t, err)
	require.NoError(t, inv.Increase(5, "restock"))
	require.NoError(t, inv.Adjust(12, "count"))

	state, err := Replay(inv.PendingTransactions())
	require.NoError(t, err)
	assert.Equal(t, inv.Stock, state)
}

func TestReplayDetectsGap(t *testing.T) {
	inv := newTestInventory(t, 10)
	_, err := inv.Reserve("O1", 4, "order")
	require.NoError(t, err)
	_, err = inv.Reserve("O2", 1, "order")
	require.NoError(t, err)

	txs := inv.PendingTransactions()
	txs[1].BeforeAvailable = 9

	_, err = Replay(txs)
	assert.Error(t, err)
}

func TestOutstandingReservation(t *testing.T) {
	inv := newTestInventory(t, 20)
	_, err := inv.Reserve("O1", 5, "order")
	require.NoError(t, err)
	_, err = inv.Reserve("O2", 3, "order")
	require.NoError(t, err)
	require.NoError(t, inv.Decrease("O1", 2, "paid"))

	txs := inv.PendingTransactions()
	assert.Equal(t, 3, OutstandingReservation(txs, "O1"))
	assert.Equal(t, 3, OutstandingReservation(txs, "O2"))
	assert.Equal(t, 0, OutstandingReservation(txs, "O3"))

	require.NoError(t, inv.Adjust(10, "count"))
	assert.Equal(t, 0, OutstandingReservation(inv.PendingTransactions(), "O1"))
}

func TestStockQuantityIsImmutable(t *testing.T) {
	q, err := NewStockQuantity(5, 1)
	require.NoError(t, err)

	next, err := q.Reserve(2)
	require.NoError(t, err)
	assert.Equal(t, StockQuantity{Available: 5, Reserved: 1}, q)
	assert.Equal(t, StockQuantity{Available: 3, Reserved: 3}, next)
	assert.Equal(t, 6, next.Total())

	_, err = NewStockQuantity(0, -1)
	assert.True(t, errors.Is(err, ErrValidation))
}

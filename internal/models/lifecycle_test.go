package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	item, err := NewOrderItem("P-1", 2, decimal.NewFromInt(1500))
	require.NoError(t, err)
	order, _, err := NewOrder("U-1", []OrderItem{item})
	require.NoError(t, err)
	return order
}

func TestNewOrder(t *testing.T) {
	a, err := NewOrderItem("P-1", 2, decimal.NewFromInt(1500))
	require.NoError(t, err)
	b, err := NewOrderItem("P-2", 1, decimal.RequireFromString("99.50"))
	require.NoError(t, err)

	order, event, err := NewOrder("U-1", []OrderItem{a, b})
	require.NoError(t, err)

	assert.Equal(t, OrderStatusPlaced, order.Status)
	assert.True(t, decimal.RequireFromString("3099.50").Equal(order.TotalAmount))
	assert.Equal(t, order.ID, order.Items[0].OrderID)

	assert.Equal(t, EventTypeOrderCreated, event.EventType)
	assert.Equal(t, order.ID, event.PartitionKey())
	assert.Len(t, event.Items, 2)
}

func TestNewOrderMergesLinesOfOneProduct(t *testing.T) {
	a, err := NewOrderItem("P-1", 2, decimal.NewFromInt(10))
	require.NoError(t, err)
	b, err := NewOrderItem("P-2", 1, decimal.NewFromInt(7))
	require.NoError(t, err)
	c, err := NewOrderItem("P-1", 3, decimal.NewFromInt(10))
	require.NoError(t, err)

	order, event, err := NewOrder("U-1", []OrderItem{a, b, c})
	require.NoError(t, err)
	require.Len(t, order.Items, 2)
	assert.Equal(t, "P-1", order.Items[0].ProductID)
	assert.Equal(t, 5, order.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(50).Equal(order.Items[0].TotalPrice))
	assert.True(t, decimal.NewFromInt(57).Equal(order.TotalAmount))
	require.Len(t, event.Items, 2)
	assert.Equal(t, 5, event.Items[0].Quantity)
	assert.Equal(t, 1, event.Items[1].Quantity)

	d, err := NewOrderItem("P-1", 1, decimal.NewFromInt(12))
	require.NoError(t, err)
	_, _, err = NewOrder("U-1", []OrderItem{a, d})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewOrderValidation(t *testing.T) {
	_, _, err := NewOrder("U-1", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewOrderItem("P-1", 0, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewOrderItem("P-1", 1, decimal.Zero)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOrderTransitions(t *testing.T) {
	order := newTestOrder(t)

	paid, err := order.MarkAsPaid()
	require.NoError(t, err)
	assert.Equal(t, order.ID, paid.OrderID)

	_, err = order.MarkAsPaid()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, order.StartPreparing())
	require.NoError(t, order.Ship())
	require.NoError(t, order.Deliver())
	assert.Equal(t, OrderStatusDelivered, order.Status)
}

func TestOrderIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	order := newTestOrder(t)
	_, err := order.MarkAsPaid()
	require.NoError(t, err)
	require.NoError(t, order.Ship())

	_, err = order.Cancel("too late")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, OrderStatusShipped, order.Status)
	assert.Empty(t, order.CancelReason)

	assert.ErrorIs(t, order.StartPreparing(), ErrInvalidState)
	assert.Equal(t, OrderStatusShipped, order.Status)
}

func TestOrderCancel(t *testing.T) {
	order := newTestOrder(t)

	event, err := order.Cancel("customer request")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, order.Status)
	assert.Equal(t, "customer request", event.Reason)
	assert.Len(t, event.Items, 1)

	_, err = order.Cancel("again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPaymentCompleteAndPartialCancel(t *testing.T) {
	payment, err := NewPayment("O-1", PaymentMethodCard, decimal.NewFromInt(100), "mock")
	require.NoError(t, err)
	require.NoError(t, payment.StartProcessing("EXT-1", "TX-1"))

	completed, err := payment.Complete(decimal.NewFromInt(100), nil)
	require.NoError(t, err)
	assert.Equal(t, "TX-1", completed.TxID)
	assert.NotNil(t, payment.PaidAt)

	cancelled, err := payment.Cancel(decimal.NewFromInt(30), "partial refund")
	require.NoError(t, err)
	assert.False(t, cancelled.FullyCancelled)
	assert.Equal(t, PaymentStatusPartialCancelled, payment.Status)
	assert.True(t, decimal.NewFromInt(70).Equal(payment.RefundableAmount()))

	_, err = payment.Cancel(decimal.NewFromInt(71), "too much")
	assert.ErrorIs(t, err, ErrBusinessRule)
	assert.Equal(t, PaymentStatusPartialCancelled, payment.Status)

	cancelled, err = payment.Cancel(decimal.NewFromInt(70), "rest")
	require.NoError(t, err)
	assert.True(t, cancelled.FullyCancelled)
	assert.Equal(t, PaymentStatusCancelled, payment.Status)
	assert.True(t, payment.Status.IsFinal())

	_, err = payment.Cancel(decimal.NewFromInt(1), "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPaymentFail(t *testing.T) {
	payment, err := NewPayment("O-1", PaymentMethodMobile, decimal.NewFromInt(10), "mock")
	require.NoError(t, err)

	event, err := payment.Fail("declined", []OrderItemData{{ProductID: "P-1", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, "declined", event.Reason)
	assert.Equal(t, PaymentStatusFailed, payment.Status)

	_, err = payment.Complete(decimal.NewFromInt(10), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = payment.Cancel(decimal.NewFromInt(10), "refund")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPaymentValidation(t *testing.T) {
	_, err := NewPayment("O-1", PaymentMethodCard, decimal.Zero, "mock")
	assert.ErrorIs(t, err, ErrValidation)

	payment, err := NewPayment("O-1", PaymentMethodCard, decimal.NewFromInt(10), "mock")
	require.NoError(t, err)
	_, err = payment.Complete(decimal.NewFromInt(11), nil)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, PaymentStatusPending, payment.Status)

	method, err := ParsePaymentMethod("bank_transfer")
	require.NoError(t, err)
	assert.Equal(t, PaymentMethodBankTransfer, method)
	_, err = ParsePaymentMethod("cash")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSettlementLifecycle(t *testing.T) {
	settlement, created, err := NewSettlement("O-1", "PAY-1", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, settlement.ID, created.SettlementID)

	_, err = settlement.Complete()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, SettlementStatusPending, settlement.Status)

	require.NoError(t, settlement.StartCalculation())
	completed, err := settlement.Complete()
	require.NoError(t, err)
	assert.Equal(t, "O-1", completed.OrderID)
	assert.NotNil(t, settlement.CompletedAt)

	_, err = settlement.Complete()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	err = settlement.Cancel("refund")
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, SettlementStatusCompleted, settlement.Status)
}

func TestSettlementCancel(t *testing.T) {
	for _, start := range []SettlementStatus{SettlementStatusPending, SettlementStatusCalculating, SettlementStatusFailed} {
		settlement, _, err := NewSettlement("O-1", "", decimal.NewFromInt(5))
		require.NoError(t, err)
		settlement.Status = start

		require.NoError(t, settlement.Cancel("payment cancelled"), start)
		assert.Equal(t, SettlementStatusCancelled, settlement.Status)
	}
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsPermanent(ErrInsufficientStock))
	assert.True(t, IsPermanent(Validationf("bad")))
	assert.False(t, IsPermanent(ErrConcurrentModification))
	assert.False(t, IsPermanent(ErrAlreadyProcessed))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"commerce-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrGatewayUnavailable marks a transient payment gateway failure.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

type GatewayRequest struct {
	PaymentID string
	OrderID   string
	Method    models.PaymentMethod
	Amount    decimal.Decimal
}

// GatewayResult is the gateway's verdict. A declined payment is not an error.
type GatewayResult struct {
	Approved          bool
	ExternalPaymentID string
	TxID              string
	DeclineReason     string
}

// PaymentGateway is the external payment provider. Refund must be idempotent
// per refundID.
type PaymentGateway interface {
	Name() string
	Approve(ctx context.Context, req GatewayRequest) (GatewayResult, error)
	Refund(ctx context.Context, externalPaymentID, refundID string, amount decimal.Decimal) error
}

// MockGateway approves payments at a configurable per-method success rate
// after a simulated network delay.
type MockGateway struct {
	mu           sync.Mutex
	rng          *rand.Rand
	successRates map[models.PaymentMethod]float64
	defaultRate  float64
	latency      time.Duration
	refunded     map[string]bool
}

func NewMockGateway(defaultRate float64, latency time.Duration) *MockGateway {
	return &MockGateway{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		successRates: map[models.PaymentMethod]float64{
			models.PaymentMethodBankTransfer:   0.98,
			models.PaymentMethodVirtualAccount: 0.97,
		},
		defaultRate: defaultRate,
		latency:     latency,
		refunded:    map[string]bool{},
	}
}

// WithRate overrides the success rate of one method.
func (g *MockGateway) WithRate(method models.PaymentMethod, rate float64) *MockGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.successRates[method] = rate
	return g
}

func (g *MockGateway) Name() string { return "mock" }

func (g *MockGateway) Approve(ctx context.Context, req GatewayRequest) (GatewayResult, error) {
	if err := g.wait(ctx); err != nil {
		return GatewayResult{}, err
	}

	g.mu.Lock()
	rate, ok := g.successRates[req.Method]
	if !ok {
		rate = g.defaultRate
	}
	roll := g.rng.Float64()
	g.mu.Unlock()

	if roll >= rate {
		return GatewayResult{Approved: false, DeclineReason: "mock_payment_declined"}, nil
	}
	return GatewayResult{
		Approved:          true,
		ExternalPaymentID: fmt.Sprintf("EXT-%s", uuid.New().String()[:8]),
		TxID:              fmt.Sprintf("TXN-%s", uuid.New().String()[:8]),
	}, nil
}

// Refund acknowledges a repeated refundID without refunding again.
func (g *MockGateway) Refund(ctx context.Context, externalPaymentID, refundID string, amount decimal.Decimal) error {
	if externalPaymentID == "" || refundID == "" {
		return models.Validationf("missing external payment id or refund id")
	}
	if !amount.IsPositive() {
		return models.Validationf("refund amount must be > 0, got %s", amount)
	}

	g.mu.Lock()
	seen := g.refunded[refundID]
	g.mu.Unlock()
	if seen {
		return nil
	}

	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	g.refunded[refundID] = true
	g.mu.Unlock()
	return nil
}

func (g *MockGateway) wait(ctx context.Context) error {
	if g.latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.latency):
		return nil
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const gatewayAttempts = 3

// PaymentService handles payment processing against the gateway
type PaymentService struct {
	payments PaymentRepository
	orders   OrderRepository
	gateway  PaymentGateway
	logger   *zap.Logger
	backoff  func() backoff.BackOff
}

// NewPaymentService creates a new payment service
func NewPaymentService(payments PaymentRepository, orders OrderRepository, gateway PaymentGateway) *PaymentService {
	return &PaymentService{
		payments: payments,
		orders:   orders,
		gateway:  gateway,
		logger:   util.Named("payment"),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

// ProcessPaymentRequest represents a request to pay for an order
type ProcessPaymentRequest struct {
	OrderID string          `json:"order_id" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method" binding:"required"`
}

// ProcessPayment charges an order through the gateway. A declined payment is
// recorded as FAILED and returned without error; the PaymentFailed event
// drives the compensation.
func (ps *PaymentService) ProcessPayment(ctx context.Context, req *ProcessPaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessPayment", attribute.String("order_id", req.OrderID))
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	method, err := models.ParsePaymentMethod(req.Method)
	if err != nil {
		return nil, err
	}
	order, err := ps.orders.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanPay() {
		return nil, fmt.Errorf("%w: order %s is %s", models.ErrInvalidState, order.ID, order.Status)
	}
	if !req.Amount.Equal(order.TotalAmount) {
		return nil, models.Validationf("payment amount %s does not match order total %s", req.Amount, order.TotalAmount)
	}

	payment, err := models.NewPayment(order.ID, method, req.Amount, ps.gateway.Name())
	if err != nil {
		return nil, err
	}
	if err := ps.payments.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	ps.logger.Info("Processing payment",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", order.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("method", string(method)))

	result, gwErr := ps.approve(ctx, GatewayRequest{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Method:    payment.Method,
		Amount:    payment.TotalAmount,
	})
	items := order.ItemData()

	var updated *models.Payment
	err = ps.payments.UpdatePayment(ctx, payment.ID, store.Dedup{}, func(p *models.Payment) ([]models.OutboxMessage, error) {
		updated = p
		var event models.DomainEvent
		switch {
		case gwErr != nil:
			e, err := p.Fail(gwErr.Error(), items)
			if err != nil {
				return nil, err
			}
			event = e
		case !result.Approved:
			e, err := p.Fail(result.DeclineReason, items)
			if err != nil {
				return nil, err
			}
			event = e
		default:
			if err := p.StartProcessing(result.ExternalPaymentID, result.TxID); err != nil {
				return nil, err
			}
			e, err := p.Complete(p.TotalAmount, items)
			if err != nil {
				return nil, err
			}
			event = e
		}
		return encodeEvents(ctx, event)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to record payment result: %w", err)
	}

	util.PaymentsTotal.WithLabelValues(string(updated.Status)).Inc()
	if updated.Status == models.PaymentStatusCompleted {
		ps.logger.Info("Payment succeeded",
			zap.String("payment_id", updated.ID),
			zap.String("tx_id", updated.ProviderTxID))
	} else {
		ps.logger.Warn("Payment failed",
			zap.String("payment_id", updated.ID),
			zap.String("reason", updated.FailedReason))
	}
	return updated, nil
}

// approve calls the gateway, retrying transient unavailability.
func (ps *PaymentService) approve(ctx context.Context, req GatewayRequest) (GatewayResult, error) {
	var result GatewayResult
	op := func() error {
		r, err := ps.gateway.Approve(ctx, req)
		if err != nil {
			if errors.Is(err, ErrGatewayUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		ps.logger.Warn("Payment gateway unavailable, retrying",
			zap.String("payment_id", req.PaymentID),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(ps.backoff(), gatewayAttempts-1), ctx)
	err := backoff.RetryNotify(op, b, notify)
	return result, err
}

// CancelPaymentRequest asks for a full or partial refund. A zero amount
// refunds everything that is left.
type CancelPaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required"`
}

// CancelPayment refunds part or all of a completed payment. A refund left
// pending by an interrupted call is finished first and its outcome returned.
func (ps *PaymentService) CancelPayment(ctx context.Context, paymentID string, req *CancelPaymentRequest) (*models.Payment, error) {
	return ps.cancel(ctx, paymentID, req.Amount, req.Reason, store.Dedup{})
}

// cancel records a pending refund, asks the gateway for it outside the
// transaction and then applies it. A consumed event (dedup set) always gets
// its own refund once any leftover one is settled.
func (ps *PaymentService) cancel(ctx context.Context, paymentID string, amount decimal.Decimal, reason string, dedup store.Dedup) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CancelPayment", attribute.String("payment_id", paymentID))
	defer span.End()

	resumed, err := ps.resumeRefund(ctx, paymentID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if resumed != nil && dedup.Key == "" {
		return resumed, nil
	}

	var requested *models.Payment
	var refund models.Refund
	err = ps.payments.UpdatePayment(ctx, paymentID, dedup, func(p *models.Payment) ([]models.OutboxMessage, error) {
		r, err := p.RequestRefund(amount, reason)
		if err != nil {
			return nil, err
		}
		requested, refund = p, r
		return nil, nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrAlreadyProcessed) {
			util.RecordError(span, err)
		}
		return nil, err
	}

	updated, err := ps.refund(ctx, requested, refund)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return updated, nil
}

// resumeRefund finishes a refund an earlier call recorded but did not apply.
// It returns nil when nothing is pending.
func (ps *PaymentService) resumeRefund(ctx context.Context, paymentID string) (*models.Payment, error) {
	p, err := ps.payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	refund, ok := p.PendingRefund()
	if !ok {
		return nil, nil
	}
	ps.logger.Warn("Resuming pending refund",
		zap.String("payment_id", paymentID),
		zap.String("refund_id", refund.ID),
		zap.String("amount", refund.Amount.String()))
	return ps.refund(ctx, p, refund)
}

// refund asks the gateway for a recorded refund and applies the outcome. The
// gateway deduplicates on the refund id, so repeating the call after a failed
// commit refunds once. A transient gateway error leaves the refund pending.
func (ps *PaymentService) refund(ctx context.Context, p *models.Payment, refund models.Refund) (*models.Payment, error) {
	if err := ps.gateway.Refund(ctx, p.ExternalPaymentID, refund.ID, refund.Amount); err != nil {
		if !models.IsPermanent(err) {
			return nil, fmt.Errorf("gateway refund %s failed, left pending: %w", refund.ID, err)
		}
		abortErr := ps.payments.UpdatePayment(ctx, p.ID, store.Dedup{}, func(p *models.Payment) ([]models.OutboxMessage, error) {
			p.AbortRefund(refund.ID)
			return nil, nil
		})
		if abortErr != nil {
			ps.logger.Error("Failed to drop refused refund", zap.String("refund_id", refund.ID), zap.Error(abortErr))
		}
		return nil, fmt.Errorf("gateway refused refund %s: %w", refund.ID, err)
	}

	var updated *models.Payment
	err := ps.payments.UpdatePayment(ctx, p.ID, store.Dedup{}, func(p *models.Payment) ([]models.OutboxMessage, error) {
		updated = p
		if pending, ok := p.PendingRefund(); !ok || pending.ID != refund.ID {
			return nil, nil
		}
		event, err := p.CompleteRefund(refund.ID)
		if err != nil {
			return nil, err
		}
		return encodeEvents(ctx, event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record refund %s: %w", refund.ID, err)
	}

	util.PaymentsTotal.WithLabelValues(string(updated.Status)).Inc()
	ps.logger.Info("Payment cancelled",
		zap.String("payment_id", updated.ID),
		zap.String("refund_id", refund.ID),
		zap.String("cancelled", updated.CancelledAmount.String()),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

func (ps *PaymentService) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return ps.payments.GetPaymentByID(ctx, paymentID)
}

func (ps *PaymentService) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return ps.payments.GetPaymentByOrderID(ctx, orderID)
}

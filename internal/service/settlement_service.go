package service

import (
	"context"
	"errors"

	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SettlementService tracks the merchant settlement of paid orders. An order
// has at most one settlement.
type SettlementService struct {
	repo   SettlementRepository
	logger *zap.Logger
}

func NewSettlementService(repo SettlementRepository) *SettlementService {
	return &SettlementService{repo: repo, logger: util.Named("settlement")}
}

// CreateForOrder opens the settlement of an order. Creating it twice returns
// the existing settlement.
func (s *SettlementService) CreateForOrder(ctx context.Context, orderID, paymentID string, amount decimal.Decimal) (*models.Settlement, error) {
	return s.create(ctx, orderID, paymentID, amount, store.Dedup{})
}

func (s *SettlementService) create(ctx context.Context, orderID, paymentID string, amount decimal.Decimal, dedup store.Dedup) (*models.Settlement, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService.Create", attribute.String("order_id", orderID))
	defer span.End()

	settlement, event, err := models.NewSettlement(orderID, paymentID, amount)
	if err != nil {
		return nil, err
	}
	msgs, err := encodeEvents(ctx, event)
	if err != nil {
		return nil, err
	}

	err = s.repo.CreateSettlement(ctx, settlement, dedup, msgs)
	if errors.Is(err, models.ErrAlreadyProcessed) && dedup.Key == "" {
		return s.repo.GetSettlementByOrderID(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}

	util.SettlementsTotal.WithLabelValues(string(settlement.Status)).Inc()
	s.logger.Info("Settlement created",
		zap.String("settlement_id", settlement.ID),
		zap.String("order_id", orderID),
		zap.String("amount", amount.String()))
	return settlement, nil
}

func (s *SettlementService) GetByOrder(ctx context.Context, orderID string) (*models.Settlement, error) {
	return s.repo.GetSettlementByOrderID(ctx, orderID)
}

func (s *SettlementService) StartCalculation(ctx context.Context, orderID string) (*models.Settlement, error) {
	return s.update(ctx, "calculate", orderID, store.Dedup{}, func(st *models.Settlement) (models.DomainEvent, error) {
		return nil, st.StartCalculation()
	})
}

// Complete finishes the settlement, running the calculation step first when
// it has not started.
func (s *SettlementService) Complete(ctx context.Context, orderID string) (*models.Settlement, error) {
	return s.update(ctx, "complete", orderID, store.Dedup{}, func(st *models.Settlement) (models.DomainEvent, error) {
		if st.Status == models.SettlementStatusPending {
			if err := st.StartCalculation(); err != nil {
				return nil, err
			}
		}
		event, err := st.Complete()
		if err != nil {
			return nil, err
		}
		return event, nil
	})
}

func (s *SettlementService) Fail(ctx context.Context, orderID, reason string) (*models.Settlement, error) {
	return s.update(ctx, "fail", orderID, store.Dedup{}, func(st *models.Settlement) (models.DomainEvent, error) {
		return nil, st.Fail(reason)
	})
}

// Cancel cancels the settlement. A completed settlement cannot be cancelled.
func (s *SettlementService) Cancel(ctx context.Context, orderID, reason string) (*models.Settlement, error) {
	return s.cancel(ctx, orderID, reason, store.Dedup{})
}

func (s *SettlementService) cancel(ctx context.Context, orderID, reason string, dedup store.Dedup) (*models.Settlement, error) {
	return s.update(ctx, "cancel", orderID, dedup, func(st *models.Settlement) (models.DomainEvent, error) {
		return nil, st.Cancel(reason)
	})
}

func (s *SettlementService) update(
	ctx context.Context,
	name, orderID string,
	dedup store.Dedup,
	fn func(*models.Settlement) (models.DomainEvent, error),
) (*models.Settlement, error) {
	ctx, span := util.StartSpan(ctx, "SettlementService."+name, attribute.String("order_id", orderID))
	defer span.End()

	var updated *models.Settlement
	err := s.repo.UpdateSettlement(ctx, orderID, dedup, func(st *models.Settlement) ([]models.OutboxMessage, error) {
		event, err := fn(st)
		if err != nil {
			return nil, err
		}
		updated = st
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

	util.SettlementsTotal.WithLabelValues(string(updated.Status)).Inc()
	s.logger.Info("Settlement transitioned",
		zap.String("order_id", orderID),
		zap.String("action", name),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-service/internal/lock"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type StockConfig struct {
	LockTimeout       time.Duration
	LowStockThreshold int
	MaxLineQuantity   int
}

// StockCommand describes one ledger mutation. EventID is set when the
// mutation is driven by a consumed event and enables deduplication.
type StockCommand struct {
	ProductID string `json:"product_id" binding:"required"`
	OrderID   string `json:"order_id"`
	Quantity  int    `json:"quantity" binding:"required"`
	Reason    string `json:"reason"`

	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// dedup keys the command per product so one event can touch several lines.
func (c StockCommand) dedup() store.Dedup {
	if c.EventID == "" {
		return store.Dedup{}
	}
	return store.Dedup{Key: c.EventID + ":" + c.ProductID, EventType: c.EventType}
}

// StockLedger applies order-scoped stock commands. *StockService and
// *InventoryClient implement it.
type StockLedger interface {
	Reserve(ctx context.Context, cmd StockCommand) (*models.Inventory, error)
	Release(ctx context.Context, cmd StockCommand) (*models.Inventory, error)
	Decrease(ctx context.Context, cmd StockCommand) (*models.Inventory, error)
}

// StockService serializes every mutation of a product's ledger behind the
// product lock and persists the result together with its outbox messages.
type StockService struct {
	repo   InventoryRepository
	locks  lock.Manager
	cache  StockCache
	cfg    StockConfig
	logger *zap.Logger
}

// NewStockService creates a stock service. cache may be nil.
func NewStockService(repo InventoryRepository, locks lock.Manager, cache StockCache, cfg StockConfig) *StockService {
	return &StockService{
		repo:   repo,
		locks:  locks,
		cache:  cache,
		cfg:    cfg,
		logger: util.Named("stock"),
	}
}

// CreateInventory registers a product with an initial available quantity.
func (s *StockService) CreateInventory(ctx context.Context, productID string, initialQuantity int) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "StockService.CreateInventory", attribute.String("product_id", productID))
	defer span.End()

	inv, err := models.NewInventory(productID, initialQuantity)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateInventory(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.Info("Inventory created", zap.String("product_id", productID), zap.Int("quantity", initialQuantity))
	s.refreshCache(ctx, inv)
	return inv, nil
}

func (s *StockService) GetInventory(ctx context.Context, productID string) (*models.Inventory, error) {
	return s.repo.GetInventory(ctx, productID)
}

// IsStockSufficient answers from the snapshot cache when it can and falls
// back to the database. The answer is advisory; Reserve re-checks under lock.
func (s *StockService) IsStockSufficient(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, models.Validationf("quantity must be > 0, got %d", quantity)
	}

	if s.cache != nil {
		stock, _, found, err := s.cache.GetStockSnapshot(ctx, productID)
		if err != nil {
			s.logger.Warn("Stock snapshot read failed", zap.String("product_id", productID), zap.Error(err))
		} else if found {
			return stock.CanReserve(quantity), nil
		}
	}

	inv, err := s.repo.GetInventory(ctx, productID)
	if err != nil {
		return false, err
	}
	return inv.IsStockSufficient(quantity), nil
}

// Reserve moves stock from available to reserved for an order. On shortage a
// StockDepleted notification is written and ErrInsufficientStock returned.
func (s *StockService) Reserve(ctx context.Context, cmd StockCommand) (*models.Inventory, error) {
	if err := s.checkLine(cmd); err != nil {
		return nil, err
	}

	var depleted models.DomainEvent
	inv, err := s.mutate(ctx, models.TransactionReserve, cmd, func(inv *models.Inventory) ([]models.DomainEvent, error) {
		event, err := inv.Reserve(cmd.OrderID, cmd.Quantity, reasonOr(cmd.Reason, "order reservation"))
		if err != nil {
			depleted = event
			return nil, err
		}
		return append([]models.DomainEvent{event}, s.lowStock(inv)...), nil
	})

	if depleted != nil && errors.Is(err, models.ErrInsufficientStock) {
		s.logger.Warn("Insufficient stock",
			zap.String("product_id", cmd.ProductID),
			zap.String("order_id", cmd.OrderID),
			zap.Int("requested", cmd.Quantity))
		if emitErr := s.emit(ctx, store.Dedup{}, depleted); emitErr != nil {
			s.logger.Error("Failed to record stock depleted event", zap.Error(emitErr))
		}
	}
	return inv, err
}

// Release returns reserved stock to available. When the command names an
// order, the quantity may not exceed what that order still holds on the
// product.
func (s *StockService) Release(ctx context.Context, cmd StockCommand) (*models.Inventory, error) {
	return s.mutate(ctx, models.TransactionRelease, cmd, func(inv *models.Inventory) ([]models.DomainEvent, error) {
		qty, err := s.guardedQuantity(ctx, cmd)
		if err != nil || qty == 0 {
			return nil, err
		}
		event, err := inv.ReleaseReservation(cmd.OrderID, qty, reasonOr(cmd.Reason, "reservation release"))
		if err != nil {
			return nil, err
		}
		return []models.DomainEvent{event}, nil
	})
}

// Decrease finalizes a sale by removing reserved stock. The same order guard
// as Release applies.
func (s *StockService) Decrease(ctx context.Context, cmd StockCommand) (*models.Inventory, error) {
	return s.mutate(ctx, models.TransactionDecrease, cmd, func(inv *models.Inventory) ([]models.DomainEvent, error) {
		qty, err := s.guardedQuantity(ctx, cmd)
		if err != nil || qty == 0 {
			return nil, err
		}
		if err := inv.Decrease(cmd.OrderID, qty, reasonOr(cmd.Reason, "sale confirmed")); err != nil {
			return nil, err
		}
		return s.lowStock(inv), nil
	})
}

// Increase restocks a product.
func (s *StockService) Increase(ctx context.Context, productID string, quantity int, reason string) (*models.Inventory, error) {
	cmd := StockCommand{ProductID: productID, Quantity: quantity, Reason: reason}
	return s.mutate(ctx, models.TransactionIncrease, cmd, func(inv *models.Inventory) ([]models.DomainEvent, error) {
		return nil, inv.Increase(quantity, reasonOr(reason, "restock"))
	})
}

// Adjust overrides the stock count. It is refused while reservations are
// outstanding unless force is set, in which case they are discarded.
func (s *StockService) Adjust(ctx context.Context, productID string, newTotal int, reason string, force bool) (*models.Inventory, error) {
	cmd := StockCommand{ProductID: productID, Quantity: newTotal, Reason: reason}
	return s.mutate(ctx, models.TransactionAdjustment, cmd, func(inv *models.Inventory) ([]models.DomainEvent, error) {
		discarded := inv.Stock.Reserved
		if discarded > 0 && !force {
			return nil, fmt.Errorf("%w: product %s has %d reserved units, adjust requires force",
				models.ErrBusinessRule, productID, discarded)
		}

		reason = reasonOr(reason, "stock count")
		if discarded > 0 {
			reason = fmt.Sprintf("%s (discarded %d reserved)", reason, discarded)
			s.logger.Warn("Adjustment discards outstanding reservations",
				zap.String("product_id", productID),
				zap.Int("discarded", discarded))
		}
		return nil, inv.Adjust(newTotal, reason)
	})
}

func (s *StockService) ListTransactions(ctx context.Context, productID string) ([]models.InventoryTransaction, error) {
	return s.repo.ListTransactions(ctx, productID)
}

func (s *StockService) ListOrderTransactions(ctx context.Context, orderID string) ([]models.InventoryTransaction, error) {
	return s.repo.ListOrderTransactions(ctx, orderID)
}

// ReconcileReport compares the aggregate with a replay of its ledger.
type ReconcileReport struct {
	ProductID    string               `json:"product_id"`
	Current      models.StockQuantity `json:"current"`
	Replayed     models.StockQuantity `json:"replayed"`
	Transactions int                  `json:"transactions"`
	Consistent   bool                 `json:"consistent"`
	Error        string               `json:"error,omitempty"`
}

// Reconcile replays the product's transaction log and reports whether it
// reproduces the stored stock.
func (s *StockService) Reconcile(ctx context.Context, productID string) (*ReconcileReport, error) {
	ctx, span := util.StartSpan(ctx, "StockService.Reconcile", attribute.String("product_id", productID))
	defer span.End()

	report := &ReconcileReport{ProductID: productID}
	err := lock.WithLock(ctx, s.locks, lock.ProductKey(productID), s.cfg.LockTimeout, func(ctx context.Context) error {
		inv, err := s.repo.GetInventory(ctx, productID)
		if err != nil {
			return err
		}
		txs, err := s.repo.ListTransactions(ctx, productID)
		if err != nil {
			return err
		}

		report.Current = inv.Stock
		report.Transactions = len(txs)
		if len(txs) == 0 {
			report.Replayed = inv.Stock
			report.Consistent = true
			return nil
		}

		replayed, replayErr := models.Replay(txs)
		report.Replayed = replayed
		if replayErr != nil {
			report.Error = replayErr.Error()
			return nil
		}
		report.Consistent = replayed == inv.Stock
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !report.Consistent {
		s.logger.Error("Stock ledger mismatch",
			zap.String("product_id", productID),
			zap.Stringer("current", report.Current),
			zap.Stringer("replayed", report.Replayed),
			zap.String("error", report.Error))
	}
	return report, nil
}

// mutate loads the aggregate under the product lock, applies fn and saves
// the aggregate with its events. A call that records no transaction writes
// nothing.
func (s *StockService) mutate(
	ctx context.Context,
	txType models.TransactionType,
	cmd StockCommand,
	fn func(inv *models.Inventory) ([]models.DomainEvent, error),
) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "StockService."+string(txType),
		attribute.String("product_id", cmd.ProductID),
		attribute.String("order_id", cmd.OrderID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockMutationLatency.WithLabelValues(string(txType)).Observe(time.Since(start).Seconds())
	}()

	dedup := cmd.dedup()

	var inv *models.Inventory
	err := lock.WithLock(ctx, s.locks, lock.ProductKey(cmd.ProductID), s.cfg.LockTimeout, func(ctx context.Context) error {
		// a redelivery must not be judged against stock that moved since
		if dedup.Key != "" {
			seen, err := s.repo.WasProcessed(ctx, dedup.Key)
			if err != nil {
				return err
			}
			if seen {
				return fmt.Errorf("%w: %s", models.ErrAlreadyProcessed, dedup.Key)
			}
		}

		var err error
		inv, err = s.repo.GetInventory(ctx, cmd.ProductID)
		if err != nil {
			return err
		}

		events, err := fn(inv)
		if err != nil {
			return err
		}
		if len(inv.PendingTransactions()) == 0 {
			return nil
		}

		msgs, err := encodeEvents(ctx, events...)
		if err != nil {
			return err
		}
		return s.repo.SaveInventory(ctx, inv, dedup, msgs)
	})

	util.StockMutationsTotal.WithLabelValues(string(txType), resultLabel(err)).Inc()
	if err != nil {
		util.RecordError(span, err)
		if errors.Is(err, models.ErrConcurrentModification) {
			s.dropCache(ctx, cmd.ProductID)
		}
		return nil, err
	}

	s.logger.Debug("Stock mutated",
		zap.String("type", string(txType)),
		zap.String("product_id", cmd.ProductID),
		zap.String("order_id", cmd.OrderID),
		zap.Stringer("stock", inv.Stock),
		zap.Int("version", inv.Version))
	s.refreshCache(ctx, inv)
	return inv, nil
}

// guardedQuantity checks an order-scoped release or decrease against the
// order's outstanding reservation on the product. Commands driven by a
// consumed event are capped instead of refused: a redelivered restore or a
// rollback after a partial reservation must settle on what is still held.
func (s *StockService) guardedQuantity(ctx context.Context, cmd StockCommand) (int, error) {
	if cmd.Quantity <= 0 {
		return 0, models.Validationf("quantity must be > 0, got %d", cmd.Quantity)
	}
	if cmd.OrderID == "" {
		return cmd.Quantity, nil
	}

	history, err := s.repo.ListReservationHistory(ctx, cmd.ProductID, cmd.OrderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load reservation history: %w", err)
	}
	outstanding := models.OutstandingReservation(history, cmd.OrderID)

	if outstanding < cmd.Quantity {
		if cmd.EventID == "" {
			return 0, fmt.Errorf("%w: order %s holds %d of product %s, requested %d",
				models.ErrInvalidState, cmd.OrderID, outstanding, cmd.ProductID, cmd.Quantity)
		}
		s.logger.Info("Order reservation guard capped quantity",
			zap.String("product_id", cmd.ProductID),
			zap.String("order_id", cmd.OrderID),
			zap.Int("requested", cmd.Quantity),
			zap.Int("outstanding", outstanding))
		return outstanding, nil
	}
	return cmd.Quantity, nil
}

func (s *StockService) checkLine(cmd StockCommand) error {
	if cmd.Quantity <= 0 {
		return models.Validationf("quantity must be > 0, got %d", cmd.Quantity)
	}
	if s.cfg.MaxLineQuantity > 0 && cmd.Quantity > s.cfg.MaxLineQuantity {
		return fmt.Errorf("%w: quantity %d exceeds the per-line limit of %d",
			models.ErrBusinessRule, cmd.Quantity, s.cfg.MaxLineQuantity)
	}
	return nil
}

func (s *StockService) lowStock(inv *models.Inventory) []models.DomainEvent {
	if inv.Stock.Available > s.cfg.LowStockThreshold {
		return nil
	}
	util.StockLowAlertsTotal.Inc()
	return []models.DomainEvent{&models.StockLowEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockLow),
		ProductID: inv.ProductID,
		Available: inv.Stock.Available,
		Threshold: s.cfg.LowStockThreshold,
	}}
}

// emit writes events that accompany no aggregate change.
func (s *StockService) emit(ctx context.Context, dedup store.Dedup, events ...models.DomainEvent) error {
	msgs, err := encodeEvents(ctx, events...)
	if err != nil {
		return err
	}
	return s.repo.AppendOutbox(ctx, dedup, msgs)
}

func (s *StockService) refreshCache(ctx context.Context, inv *models.Inventory) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveStockSnapshot(ctx, inv.ProductID, inv.Stock, inv.Version); err != nil {
		s.logger.Warn("Failed to refresh stock snapshot", zap.String("product_id", inv.ProductID), zap.Error(err))
	}
}

// dropCache evicts a snapshot that may be older than the row that just won.
func (s *StockService) dropCache(ctx context.Context, productID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateStockSnapshot(ctx, productID); err != nil {
		s.logger.Warn("Failed to invalidate stock snapshot", zap.String("product_id", productID), zap.Error(err))
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, lock.ErrResourceBusy):
		return "busy"
	case errors.Is(err, models.ErrAlreadyProcessed):
		return "duplicate"
	case models.IsPermanent(err):
		return "rejected"
	default:
		return "error"
	}
}

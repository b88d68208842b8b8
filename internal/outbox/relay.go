// Package outbox moves committed outbox rows onto the message broker.
package outbox

import (
	"context"
	"errors"
	"time"

	"commerce-service/internal/broker"
	"commerce-service/internal/models"
	"commerce-service/internal/store"
	"commerce-service/internal/util"

	"go.uber.org/zap"
)

// Source is the durable side of the outbox.
type Source interface {
	ProcessOutboxBatch(ctx context.Context, limit, maxAttempts int, publish store.PublishFunc) (store.BatchResult, error)
	CountPendingOutbox(ctx context.Context) (int, error)
}

// Publisher delivers one message to the broker.
type Publisher interface {
	PublishOutbox(ctx context.Context, msg models.OutboxMessage) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Relay polls the outbox and publishes pending messages at least once.
type Relay struct {
	source    Source
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
}

func NewRelay(source Source, publisher Publisher, cfg Config) *Relay {
	return &Relay{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.Named("outbox"),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Starting outbox relay",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("Outbox relay pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain publishes batches until one comes back short or stalls on failures.
func (r *Relay) Drain(ctx context.Context) (store.BatchResult, error) {
	var total store.BatchResult

	for {
		res, err := r.source.ProcessOutboxBatch(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts, r.publish)
		total.Published += res.Published
		total.Failed += res.Failed
		total.Skipped += res.Skipped
		if err != nil {
			return total, err
		}
		if res.Published+res.Failed+res.Skipped < r.cfg.BatchSize || res.Published == 0 {
			break
		}
	}

	if backlog, err := r.source.CountPendingOutbox(ctx); err == nil {
		util.OutboxBacklog.Set(float64(backlog))
	}
	return total, nil
}

// publish continues the trace of the request that wrote msg.
func (r *Relay) publish(ctx context.Context, msg models.OutboxMessage) error {
	ctx, span := util.StartSpan(broker.OutboxContext(ctx, msg), "outbox.publish")
	defer span.End()

	if err := r.publisher.PublishOutbox(ctx, msg); err != nil {
		util.OutboxFailedTotal.WithLabelValues(msg.Topic).Inc()
		r.logger.Warn("Failed to publish outbox message",
			zap.String("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err))
		if msg.Attempts+1 >= r.cfg.MaxAttempts {
			r.logger.Error("Outbox message parked after max attempts",
				zap.String("id", msg.ID),
				zap.String("event_id", msg.EventID),
				zap.String("topic", msg.Topic))
		}
		return err
	}

	util.OutboxPublishedTotal.WithLabelValues(msg.Topic).Inc()
	return nil
}

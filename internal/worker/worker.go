package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"commerce-service/internal/broker"
	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dead-letter headers
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderError             = "x-error"
)

const fetchErrorDelay = time.Second

// Source is the consuming side of one topic. *broker.Consumer implements it.
type Source interface {
	Topic() string
	ConsumeMessage(ctx context.Context) (kafka.Message, error)
	CommitMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Publisher parks poisoned messages. *broker.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers ...kafka.Header) error
}

// Handler processes one decoded event.
type Handler func(ctx context.Context, event models.DomainEvent) error

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DLTSuffix      string
}

// ConsumerWorker feeds one topic to a handler. A message is committed only
// after the handler succeeds or the message has been dead-lettered.
type ConsumerWorker struct {
	source  Source
	handler Handler
	dlt     Publisher
	cfg     Config
	logger  *zap.Logger
}

// NewConsumerWorker creates a new consumer worker
func NewConsumerWorker(source Source, handler Handler, dlt Publisher, cfg Config) *ConsumerWorker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &ConsumerWorker{
		source:  source,
		handler: handler,
		dlt:     dlt,
		cfg:     cfg,
		logger:  util.Named("consumer").With(zap.String("topic", source.Topic())),
	}
}

// Run consumes until ctx is cancelled.
func (w *ConsumerWorker) Run(ctx context.Context) error {
	w.logger.Info("Starting consumer")
	defer w.logger.Info("Consumer stopped")

	for {
		msg, err := w.source.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Error fetching message", zap.Error(err))
			if !sleep(ctx, fetchErrorDelay) {
				return nil
			}
			continue
		}

		// A later commit would skip msg, so it is retried until it is handled
		// or parked.
		for {
			err := w.process(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Message could not be handled or parked", zap.Int64("offset", msg.Offset), zap.Error(err))
			if !sleep(ctx, fetchErrorDelay) {
				return nil
			}
		}

		if err := w.source.CommitMessage(ctx, msg); err != nil && ctx.Err() == nil {
			w.logger.Error("Error committing message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// process handles msg with retries and dead-letters it once retries are
// exhausted or the failure is permanent. A nil return means msg may be committed.
func (w *ConsumerWorker) process(ctx context.Context, msg kafka.Message) error {
	ctx = broker.ExtractContext(ctx, msg)
	ctx, span := util.StartSpan(ctx, "consume "+w.source.Topic(),
		attribute.String("messaging.kafka.key", string(msg.Key)),
		attribute.Int64("messaging.kafka.offset", msg.Offset))
	defer span.End()

	event, err := broker.Decode(msg)
	if err != nil {
		util.ConsumerMessagesTotal.WithLabelValues(w.source.Topic(), "invalid").Inc()
		return w.deadLetter(ctx, msg, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := w.handler(ctx, event)
		if err != nil && models.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		util.ConsumerRetriesTotal.WithLabelValues(w.source.Topic()).Inc()
		w.logger.Warn("Handler failed, retrying",
			zap.String("event_id", event.GetEventID()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err = backoff.RetryNotify(op, backoff.WithContext(w.policy(), ctx), notify)
	if err == nil {
		util.ConsumerMessagesTotal.WithLabelValues(w.source.Topic(), "success").Inc()
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	util.RecordError(span, err)
	util.ConsumerMessagesTotal.WithLabelValues(w.source.Topic(), "failed").Inc()
	w.logger.Error("Handler gave up",
		zap.String("event_id", event.GetEventID()),
		zap.String("event_type", event.GetEventType()),
		zap.Int("attempts", attempt),
		zap.Bool("permanent", models.IsPermanent(err)),
		zap.Error(err))
	return w.deadLetter(ctx, msg, err)
}

func (w *ConsumerWorker) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1))
}

func (w *ConsumerWorker) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	topic := broker.DeadLetterTopic(w.source.Topic(), w.cfg.DLTSuffix)
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(w.source.Topic())},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
	)

	if err := w.dlt.Publish(ctx, topic, string(msg.Key), msg.Value, headers...); err != nil {
		return errors.Join(cause, err)
	}
	util.DeadLettersTotal.WithLabelValues(w.source.Topic()).Inc()
	w.logger.Warn("Message dead-lettered", zap.String("dlt", topic), zap.Int64("offset", msg.Offset))
	return nil
}

// DeadLetterWorker records parked messages for operators and commits them.
type DeadLetterWorker struct {
	source Source
	logger *zap.Logger
}

func NewDeadLetterWorker(source Source) *DeadLetterWorker {
	return &DeadLetterWorker{source: source, logger: util.Named("consumer").With(zap.String("topic", source.Topic()))}
}

func (w *DeadLetterWorker) Run(ctx context.Context) error {
	for {
		msg, err := w.source.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Error fetching dead letter", zap.Error(err))
			if !sleep(ctx, fetchErrorDelay) {
				return nil
			}
			continue
		}

		w.logger.Error("Dead letter",
			zap.String("original_topic", broker.HeaderValue(msg, HeaderOriginalTopic)),
			zap.String("original_partition", broker.HeaderValue(msg, HeaderOriginalPartition)),
			zap.String("original_offset", broker.HeaderValue(msg, HeaderOriginalOffset)),
			zap.String("event_id", broker.HeaderValue(msg, broker.HeaderEventID)),
			zap.String("event_type", broker.HeaderValue(msg, broker.HeaderEventType)),
			zap.String("key", string(msg.Key)),
			zap.String("error", broker.HeaderValue(msg, HeaderError)))

		if err := w.source.CommitMessage(ctx, msg); err != nil && ctx.Err() == nil {
			w.logger.Error("Error committing dead letter", zap.Error(err))
		}
	}
}

// Runner is a long-running background task.
type Runner interface {
	Run(ctx context.Context) error
}

// Group runs runners until ctx is cancelled or one of them fails.
type Group struct {
	runners []Runner
	closers []func() error
}

// Add registers r; close, if not nil, is called when the group stops.
func (g *Group) Add(r Runner, close func() error) {
	g.runners = append(g.runners, r)
	if close != nil {
		g.closers = append(g.closers, close)
	}
}

func (g *Group) Len() int { return len(g.runners) }

func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range g.runners {
		r := r
		eg.Go(func() error { return r.Run(ctx) })
	}
	err := eg.Wait()

	for _, c := range g.closers {
		if cerr := c(); cerr != nil {
			util.GetLogger().Warn("Failed to close worker resource", zap.Error(cerr))
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commerce-service/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// NewOutboxMessages encodes event once per routed topic. Every copy carries
// the event id, is keyed by the event's partition key and remembers the
// trace context of ctx so the relay can publish under it.
func NewOutboxMessages(ctx context.Context, event models.DomainEvent) ([]models.OutboxMessage, error) {
	topics := Route(event.GetEventType())
	if len(topics) == 0 {
		return nil, fmt.Errorf("no route for event type %s", event.GetEventType())
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	traceCtx, err := encodeTraceContext(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msgs := make([]models.OutboxMessage, 0, len(topics))
	for _, topic := range topics {
		msgs = append(msgs, models.OutboxMessage{
			ID:         uuid.New().String(),
			EventID:    event.GetEventID(),
			EventType:  event.GetEventType(),
			Topic:      topic,
			MessageKey: event.PartitionKey(),
			Payload:    payload,
			TraceCtx:   traceCtx,
			Status:     models.OutboxStatusPending,
			CreatedAt:  now,
		})
	}
	return msgs, nil
}

// OutboxContext returns ctx carrying the trace context stored with msg.
func OutboxContext(ctx context.Context, msg models.OutboxMessage) context.Context {
	if msg.TraceCtx == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if err := json.Unmarshal([]byte(msg.TraceCtx), &carrier); err != nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func encodeTraceContext(ctx context.Context) (string, error) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(carrier)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trace context: %w", err)
	}
	return string(raw), nil
}

// Decode parses a consumed message into its concrete event type. The
// event_type header wins over the payload field when both are present.
func Decode(msg kafka.Message) (models.DomainEvent, error) {
	eventType := HeaderValue(msg, HeaderEventType)
	if eventType == "" {
		var base models.BaseEvent
		if err := json.Unmarshal(msg.Value, &base); err != nil {
			return nil, models.Validationf("failed to unmarshal base event: %v", err)
		}
		eventType = base.EventType
	}

	var event models.DomainEvent
	switch eventType {
	case models.EventTypeOrderCreated:
		event = &models.OrderCreatedEvent{}
	case models.EventTypeOrderCancelled:
		event = &models.OrderCancelledEvent{}
	case models.EventTypeOrderPaid:
		event = &models.OrderPaidEvent{}
	case models.EventTypePaymentCompleted:
		event = &models.PaymentCompletedEvent{}
	case models.EventTypePaymentFailed:
		event = &models.PaymentFailedEvent{}
	case models.EventTypePaymentCancelled:
		event = &models.PaymentCancelledEvent{}
	case models.EventTypeStockReserved:
		event = &models.StockReservedEvent{}
	case models.EventTypeStockReleased:
		event = &models.StockReleasedEvent{}
	case models.EventTypeStockDepleted:
		event = &models.StockDepletedEvent{}
	case models.EventTypeStockLow:
		event = &models.StockLowEvent{}
	case models.EventTypeStockReservationFailed:
		event = &models.StockReservationFailedEvent{}
	case models.EventTypeSettlementCreated:
		event = &models.SettlementCreatedEvent{}
	case models.EventTypeSettlementCompleted:
		event = &models.SettlementCompletedEvent{}
	default:
		return nil, models.Validationf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(msg.Value, event); err != nil {
		return nil, models.Validationf("failed to unmarshal %s event: %v", eventType, err)
	}
	if event.GetEventID() == "" {
		return nil, models.Validationf("%s event without event id", eventType)
	}
	return event, nil
}

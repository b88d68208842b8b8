package broker

import "commerce-service/internal/models"

// Topics
const (
	TopicInventoryReserve  = "inventory.reserve"
	TopicInventoryRestore  = "inventory.restore"
	TopicInventoryDecrease = "inventory.decrease"

	TopicInventoryStockReserved = "inventory.stock-reserved"
	TopicInventoryStockReleased = "inventory.stock-released"
	TopicInventoryStockDepleted = "inventory.stock-depleted"

	TopicOrderPaymentCompleted = "order.payment-completed"
	TopicOrderPaymentFailed    = "order.payment-failed"
	TopicOrderPaymentCancelled = "order.payment-cancelled"
	TopicOrderReservationFail  = "order.reservation-failed"

	TopicPaymentCancel = "payment.cancel"

	TopicSettlementCreate = "settlement.create"
	TopicSettlementCancel = "settlement.cancel"

	TopicShippingPrepare = "shipping.prepare"

	TopicAdminStockAlert = "admin.stock-alert"
)

// routes maps an event type to every topic it is delivered to. Fire-and-forget
// side channels (notification.*, analytics.*) are listed with the rest.
var routes = map[string][]string{
	models.EventTypeOrderCreated: {
		TopicInventoryReserve,
		"notification.order-created",
	},
	models.EventTypeOrderCancelled: {
		TopicInventoryRestore,
		TopicPaymentCancel,
		"notification.order-cancelled",
	},
	models.EventTypeOrderPaid: {
		TopicSettlementCreate,
		TopicShippingPrepare,
		"notification.order-paid",
	},
	models.EventTypePaymentCompleted: {
		TopicOrderPaymentCompleted,
		TopicInventoryDecrease,
		TopicSettlementCreate,
		"notification.payment-completed",
	},
	models.EventTypePaymentFailed: {
		TopicOrderPaymentFailed,
		TopicInventoryRestore,
		"notification.payment-failed",
	},
	models.EventTypePaymentCancelled: {
		TopicOrderPaymentCancelled,
		TopicSettlementCancel,
		"notification.payment-cancelled",
	},
	models.EventTypeStockReserved: {
		TopicInventoryStockReserved,
		"notification.stock-reserved",
		"analytics.stock-movement",
	},
	models.EventTypeStockReleased: {
		TopicInventoryStockReleased,
		"notification.stock-released",
		"analytics.stock-movement",
	},
	models.EventTypeStockDepleted: {
		TopicInventoryStockDepleted,
		"notification.stock-depleted",
		TopicAdminStockAlert,
	},
	models.EventTypeStockLow: {
		TopicAdminStockAlert,
		"notification.stock-low",
	},
	models.EventTypeStockReservationFailed: {
		TopicOrderReservationFail,
	},
	models.EventTypeSettlementCreated: {
		"notification.settlement-created",
		"analytics.settlement-created",
	},
	models.EventTypeSettlementCompleted: {
		"notification.settlement-completed",
		"analytics.settlement-completed",
	},
}

// Route returns the topics an event type is published to.
func Route(eventType string) []string {
	return routes[eventType]
}

// DeadLetterTopic names the topic a poisoned message from topic is parked on.
func DeadLetterTopic(topic, suffix string) string {
	return topic + suffix
}

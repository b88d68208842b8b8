package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_mutations_total",
		Help: "Total number of stock ledger mutations",
	}, []string{"type", "result"})

	StockMutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_mutation_latency_seconds",
		Help:    "Latency of stock ledger mutations including lock wait",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	LockAcquireLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lock_acquire_latency_seconds",
		Help:    "Time spent waiting for a product lock",
		Buckets: prometheus.DefBuckets,
	})

	LockBusyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lock_busy_total",
		Help: "Total number of lock acquisitions that timed out",
	})

	StockLowAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_low_alerts_total",
		Help: "Total number of low stock alerts raised",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment gateway attempts",
	})

	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_total",
		Help: "Total number of payments by final status",
	}, []string{"status"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment processing",
		Buckets: prometheus.DefBuckets,
	})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of settlement transitions",
	}, []string{"status"})

	OutboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Total number of outbox messages published",
	}, []string{"topic"})

	OutboxFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Total number of failed outbox publish attempts",
	}, []string{"topic"})

	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_backlog",
		Help: "Number of outbox messages waiting to be published",
	})

	ConsumerMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Total number of consumed messages",
	}, []string{"topic", "result"})

	ConsumerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_retries_total",
		Help: "Total number of handler retries",
	}, []string{"topic"})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dead_letters_total",
		Help: "Total number of messages routed to a dead letter topic",
	}, []string{"topic"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

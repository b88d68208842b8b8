package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commerce-service/config"
	"commerce-service/internal/api"
	"commerce-service/internal/broker"
	"commerce-service/internal/outbox"
	"commerce-service/internal/redisclient"
	"commerce-service/internal/service"
	"commerce-service/internal/store"
	"commerce-service/internal/util"
	"commerce-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.Named("server")
	logger.Info("Starting commerce service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	locks := redisclient.NewLockManager(redisClient, cfg.Lock.Lease, cfg.Lock.RetryInterval)
	stockService := service.NewStockService(db, locks, redisClient, service.StockConfig{
		LockTimeout:       cfg.Lock.AcquireTimeout,
		LowStockThreshold: cfg.Business.LowStockThreshold,
		MaxLineQuantity:   cfg.Business.MaxLineQuantity,
	})
	orderService := service.NewOrderService(db, redisClient, cfg.Business.MaxLineQuantity)
	gateway := service.NewMockGateway(cfg.Business.PaymentSuccessRate, 100*time.Millisecond)
	paymentService := service.NewPaymentService(db, db, gateway)
	settlementService := service.NewSettlementService(db)

	var ledger service.StockLedger = stockService
	if cfg.Remote.InventoryURL != "" {
		ledger = service.NewInventoryClient(cfg.Remote.InventoryURL, cfg.Business.InternalServiceToken, cfg.Remote.InventoryTimeout)
		logger.Info("Stock commands go to remote inventory", zap.String("url", cfg.Remote.InventoryURL))
	}

	workers := buildWorkers(cfg, db, producer, map[string]map[string]service.EventHandler{
		"inventory":  service.NewInventoryParticipant(ledger, db).Subscriptions(),
		"order":      service.NewOrderParticipant(orderService).Subscriptions(),
		"payment":    service.NewPaymentParticipant(paymentService).Subscriptions(),
		"settlement": service.NewSettlementParticipant(settlementService).Subscriptions(),
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- workers.Run(workerCtx)
	}()
	logger.Info("Background workers started", zap.Int("count", workers.Len()))

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(stockService, orderService, paymentService, settlementService,
		cfg.Business.InternalServiceToken,
		map[string]api.Pinger{"postgres": db, "redis": redisClient})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: otelhttp.NewHandler(router, "http-server"),
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-workersDone:
		logger.Error("Background workers stopped", zap.Error(err))
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("Workers did not stop in time")
	}

	logger.Info("Server exited")
}

// buildWorkers wires one consumer per subscribed topic, a dead-letter logger
// per topic and the outbox relay.
func buildWorkers(
	cfg *config.Config,
	db *store.Store,
	producer *broker.Producer,
	groups map[string]map[string]service.EventHandler,
) *worker.Group {
	consumerCfg := worker.Config{
		MaxAttempts:    cfg.Consumer.MaxAttempts,
		InitialBackoff: cfg.Consumer.InitialBackoff,
		MaxBackoff:     cfg.Consumer.MaxBackoff,
		DLTSuffix:      cfg.Kafka.DLTSuffix,
	}

	var g worker.Group
	for group, subs := range groups {
		groupID := cfg.Kafka.GroupPrefix + "-" + group
		for topic, handler := range subs {
			consumer := broker.NewConsumer(cfg.Kafka.Brokers, topic, groupID)
			g.Add(worker.NewConsumerWorker(consumer, worker.Handler(handler), producer, consumerCfg), consumer.Close)

			dltTopic := broker.DeadLetterTopic(topic, cfg.Kafka.DLTSuffix)
			dlt := broker.NewConsumer(cfg.Kafka.Brokers, dltTopic, cfg.Kafka.GroupPrefix+"-dlt")
			g.Add(worker.NewDeadLetterWorker(dlt), dlt.Close)
		}
	}

	g.Add(outbox.NewRelay(db, producer, outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}), nil)
	return &g
}

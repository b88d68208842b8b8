package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"commerce-service/internal/lock"
	"commerce-service/internal/models"
	"commerce-service/internal/service"
	"commerce-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency that /ready pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	stock         *service.StockService
	orders        *service.OrderService
	payments      *service.PaymentService
	settlements   *service.SettlementService
	internalToken string
	checks        map[string]Pinger
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	stock *service.StockService,
	orders *service.OrderService,
	payments *service.PaymentService,
	settlements *service.SettlementService,
	internalToken string,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		stock:         stock,
		orders:        orders,
		payments:      payments,
		settlements:   settlements,
		internalToken: internalToken,
		checks:        checks,
		logger:        util.Named("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := router.Group("/internal", h.requireInternalToken)
	{
		internal.POST("/inventory/reserve", h.reserveStock)
		internal.POST("/inventory/release", h.releaseStock)
		internal.POST("/inventory/decrease", h.decreaseStock)
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/inventory", h.createInventory)
		v1.GET("/inventory/:productId", h.getInventory)
		v1.GET("/inventory/:productId/transactions", h.listTransactions)
		v1.POST("/inventory/:productId/increase", h.increaseStock)
		v1.POST("/inventory/:productId/adjust", h.adjustStock)
		v1.GET("/inventory/:productId/reconcile", h.reconcile)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/transactions", h.listOrderTransactions)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/deliver", h.deliverOrder)

		v1.POST("/payments", h.processPayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/cancel", h.cancelPayment)

		v1.GET("/settlements/:orderId", h.getSettlement)
		v1.POST("/settlements/:orderId/complete", h.completeSettlement)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) requireInternalToken(c *gin.Context) {
	token := c.GetHeader(service.InternalTokenHeader)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.internalToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid internal service token"})
		return
	}
	c.Next()
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// respondError maps the error taxonomy onto HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientStock):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrBusinessRule),
		errors.Is(err, models.ErrConcurrentModification),
		errors.Is(err, models.ErrAlreadyProcessed):
		status = http.StatusConflict
	case errors.Is(err, lock.ErrResourceBusy):
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error()}
	if code := models.ErrorCode(err); code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

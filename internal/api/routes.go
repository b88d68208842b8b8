package api

import (
	"context"
	"net/http"

	"commerce-service/internal/models"
	"commerce-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) reserveStock(c *gin.Context) {
	h.stockCommand(c, h.stock.Reserve)
}

func (h *Handler) releaseStock(c *gin.Context) {
	h.stockCommand(c, h.stock.Release)
}

func (h *Handler) decreaseStock(c *gin.Context) {
	h.stockCommand(c, h.stock.Decrease)
}

func (h *Handler) stockCommand(c *gin.Context, op func(context.Context, service.StockCommand) (*models.Inventory, error)) {
	var cmd service.StockCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		badRequest(c, err)
		return
	}

	inv, err := op(c.Request.Context(), cmd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

type createInventoryRequest struct {
	ProductID       string `json:"product_id" binding:"required"`
	InitialQuantity int    `json:"initial_quantity" binding:"min=0"`
}

func (h *Handler) createInventory(c *gin.Context) {
	var req createInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	inv, err := h.stock.CreateInventory(c.Request.Context(), req.ProductID, req.InitialQuantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (h *Handler) getInventory(c *gin.Context) {
	inv, err := h.stock.GetInventory(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) listTransactions(c *gin.Context) {
	txs, err := h.stock.ListTransactions(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type increaseRequest struct {
	Quantity int    `json:"quantity" binding:"required,min=1"`
	Reason   string `json:"reason"`
}

func (h *Handler) increaseStock(c *gin.Context) {
	var req increaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	inv, err := h.stock.Increase(c.Request.Context(), c.Param("productId"), req.Quantity, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

type adjustRequest struct {
	NewTotal int    `json:"new_total" binding:"min=0"`
	Reason   string `json:"reason" binding:"required"`
	Force    bool   `json:"force"`
}

func (h *Handler) adjustStock(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	inv, err := h.stock.Adjust(c.Request.Context(), c.Param("productId"), req.NewTotal, req.Reason, req.Force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) reconcile(c *gin.Context) {
	report, err := h.stock.Reconcile(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	order, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listOrderTransactions(c *gin.Context) {
	txs, err := h.stock.ListOrderTransactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type cancelOrderRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) shipOrder(c *gin.Context) {
	h.orderTransition(c, h.orders.ShipOrder)
}

func (h *Handler) deliverOrder(c *gin.Context) {
	h.orderTransition(c, h.orders.DeliverOrder)
}

func (h *Handler) orderTransition(c *gin.Context, op func(context.Context, string) (*models.Order, error)) {
	order, err := op(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) processPayment(c *gin.Context) {
	var req service.ProcessPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	payment, err := h.payments.ProcessPayment(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.payments.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) cancelPayment(c *gin.Context) {
	var req service.CancelPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	payment, err := h.payments.CancelPayment(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) getSettlement(c *gin.Context) {
	settlement, err := h.settlements.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settlement)
}

func (h *Handler) completeSettlement(c *gin.Context) {
	settlement, err := h.settlements.Complete(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settlement)
}

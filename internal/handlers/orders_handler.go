package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

// RegisterOrdersRoutes registers routes for the order API.
func (h *Handler) RegisterOrdersRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.listOrders)
	rg.GET("/:id", h.getOrder)
	rg.POST("", h.createOrder)
	rg.PUT("/:id", h.updateOrder)
}

func (h *Handler) listOrders(c *gin.Context) {
	list, err := h.orders.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Failed to fetch orders")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "Failed to fetch order")
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validator); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	order := h.newOrder(req)
	log := h.logger.With(zap.String("order_id", order.ID), zap.String("order_number", order.OrderNumber))

	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey != "" && h.idempotency != nil {
		rec, created, err := h.idempotency.Begin(ctx, idempKey, order.ID)
		if err != nil {
			log.Error("idempotency check failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
			return
		}
		if !created {
			replay(c, rec)
			return
		}
	}

	if order.TotalMismatch {
		log.Warn("order total differs from line items",
			zap.Float64("total_amount", order.TotalAmount),
			zap.String("items_total", validation.ItemsTotal(req.Items).String()),
		)
	}

	if err := h.orders.Create(ctx, order); err != nil {
		if idempKey != "" && h.idempotency != nil {
			// let the client retry with the same key
			_ = h.idempotency.MarkFailed(ctx, idempKey, fmt.Sprintf("create_failed: %v", err))
		}
		h.writeError(c, err, "Failed to create order")
		return
	}
	log.Info("order created",
		zap.String("payment_method", string(order.PaymentMethod)),
		zap.String("payment_status", string(order.PaymentStatus)),
	)

	body, err := json.Marshal(order)
	if err != nil {
		h.writeError(c, err, "Failed to create order")
		return
	}
	if idempKey != "" && h.idempotency != nil {
		if err := h.idempotency.MarkDone(ctx, idempKey, string(body), http.StatusCreated); err != nil {
			log.Warn("idempotency record not completed", zap.Error(err))
		}
	}

	c.Header("Location", fmt.Sprintf("/api/orders/%s", order.ID))
	c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
}

func (h *Handler) newOrder(req validation.CreateOrderRequest) *orders.Order {
	now := h.nowFunc()
	method := orders.PaymentMethod(req.PaymentMethod)
	if method == "" {
		method = orders.DefaultPaymentMethod
	}
	items := make([]orders.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orders.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
		})
	}
	return &orders.Order{
		ID:              orders.NewID(),
		OrderNumber:     orders.NewOrderNumber(now),
		InvoiceNumber:   orders.NewInvoiceNumber(),
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		Items:           items,
		TotalAmount:     req.TotalAmount,
		TotalMismatch:   !validation.TotalsMatch(req),
		ShippingAddress: req.ShippingAddress,
		City:            req.City,
		PostalCode:      req.PostalCode,
		PaymentMethod:   method,
		PaymentStatus:   orders.InitialPaymentStatus(method),
		OrderStatus:     orders.FulfilmentReceived,
		CreatedAt:       now,
	}
}

// replay answers a retried POST /orders from its idempotency record.
func replay(c *gin.Context, rec *idempotency.Record) {
	switch {
	case rec.Replayable():
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
	case rec.Status == idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "orderId": rec.OrderID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status", "orderId": rec.OrderID})
	}
}

func (h *Handler) updateOrder(c *gin.Context) {
	var u orders.AdminUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "details": err.Error()})
		return
	}
	if err := u.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": err.Error()})
		return
	}

	o, err := h.orders.AdminUpdate(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		h.writeError(c, err, "Failed to update order")
		return
	}
	h.logger.Info("order updated by admin",
		zap.String("order_id", o.ID),
		zap.String("payment_status", string(o.PaymentStatus)),
		zap.String("order_status", string(o.OrderStatus)),
	)
	c.JSON(http.StatusOK, o)
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/notify"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

// IdempotencyStore remembers POST /orders responses per Idempotency-Key.
type IdempotencyStore interface {
	Begin(ctx context.Context, key, orderID string) (*idempotency.Record, bool, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// HandlerConfig groups dependencies for the API handlers.
type HandlerConfig struct {
	Orders      orders.Repository
	Idempotency IdempotencyStore // optional
	Payments    *payments.Service
	Reconciler  *reconcile.Reconciler
	Dispatcher  *notify.Dispatcher
	Validator   *validatorv10.Validate
	Logger      *zap.Logger
}

// Handler serves the storefront API.
type Handler struct {
	orders      orders.Repository
	idempotency IdempotencyStore
	payments    *payments.Service
	reconciler  *reconcile.Reconciler
	dispatcher  *notify.Dispatcher
	validator   *validatorv10.Validate
	logger      *zap.Logger
	nowFunc     func() time.Time
}

func New(cfg HandlerConfig) *Handler {
	return &Handler{
		orders:      cfg.Orders,
		idempotency: cfg.Idempotency,
		payments:    cfg.Payments,
		reconciler:  cfg.Reconciler,
		dispatcher:  cfg.Dispatcher,
		validator:   cfg.Validator,
		logger:      cfg.Logger,
		nowFunc:     time.Now,
	}
}

// NewRouter builds the gin engine with every route mounted under /api.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": h.nowFunc().UTC().Format(time.RFC3339)})
	}
	r.GET("/health", health)

	api := r.Group("/api")
	api.GET("/health", health)
	h.RegisterOrdersRoutes(api.Group("/orders"))
	h.RegisterPaymentsRoutes(api.Group("/payments"))
	h.RegisterInvoicesRoutes(api.Group("/invoices"))
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetHeader("X-Request-Id")),
		)
	}
}

// writeError maps domain errors to HTTP responses. fallback is the message
// for anything unexpected.
func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	var (
		verr *validation.Error
		gerr *mpesa.GatewayError
		aerr *mpesa.AuthenticationError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": verr.Fields})
	case errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, orders.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "version_conflict", "detail": "order changed since it was loaded"})
	case errors.Is(err, orders.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_order"})
	case errors.As(err, &aerr):
		h.logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   fallback,
			"details": err.Error(),
			"debug":   h.paymentsDebug(),
		})
	case errors.As(err, &gerr):
		h.logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "details": providerDetails(gerr)})
	default:
		h.logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func (h *Handler) paymentsDebug() gin.H {
	env, hasCredentials := h.payments.Environment()
	return gin.H{"env": env, "hasCredentials": hasCredentials}
}

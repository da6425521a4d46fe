package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

// RegisterPaymentsRoutes registers the M-Pesa payment routes.
func (h *Handler) RegisterPaymentsRoutes(rg *gin.RouterGroup) {
	rg.POST("/initiate", h.initiatePayment)
	rg.POST("/callback", h.paymentCallback)
	rg.GET("/status/:checkoutRequestId", h.paymentStatus)
	rg.POST("/reconcile/:checkoutRequestId", h.reconcilePayment)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	var req validation.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "details": err.Error()})
		return
	}

	res, err := h.payments.Initiate(c.Request.Context(), req)
	if err != nil {
		var ierr *payments.InitiationError
		if errors.As(err, &ierr) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to initiate payment",
				"details": providerDetails(ierr.Err),
				"debug": gin.H{
					"env":            ierr.Environment,
					"hasCredentials": ierr.CredentialsConfigured,
				},
			})
			return
		}
		h.writeError(c, err, "Failed to initiate payment")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"checkoutRequestId": res.CheckoutRequestID,
		"message":           res.Message,
	})
}

// providerDetails picks the provider's own message out of a gateway error.
func providerDetails(err error) string {
	var gerr *mpesa.GatewayError
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return err.Error()
}

// paymentCallback always acknowledges so the provider does not retry; the
// outcome only shows up in logs and metrics.
func (h *Handler) paymentCallback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.Warn("payment callback body unreadable", zap.Error(err))
	} else {
		res, err := h.reconciler.HandleCallback(c.Request.Context(), body)
		if err != nil {
			h.logger.Error("payment callback not applied", zap.String("outcome", string(res.Outcome)), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "ResultCode": 0})
}

func (h *Handler) paymentStatus(c *gin.Context) {
	q, err := h.payments.QueryStatus(c.Request.Context(), c.Param("checkoutRequestId"))
	if err != nil {
		h.writeError(c, err, "Failed to query payment status")
		return
	}
	if len(q.Raw) > 0 {
		c.Data(http.StatusOK, "application/json; charset=utf-8", q.Raw)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *Handler) reconcilePayment(c *gin.Context) {
	res, err := h.payments.Reconcile(c.Request.Context(), c.Param("checkoutRequestId"))
	if err != nil {
		h.writeError(c, err, "Failed to reconcile payment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "outcome": res.Outcome, "orderId": res.OrderID})
}

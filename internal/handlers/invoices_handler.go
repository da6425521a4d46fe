package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/notify"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
)

type paymentDetailsBody struct {
	PaymentDetails *orders.PaymentDetails `json:"paymentDetails"`
}

// RegisterInvoicesRoutes registers the invoice and receipt routes.
func (h *Handler) RegisterInvoicesRoutes(rg *gin.RouterGroup) {
	rg.POST("/send-invoice/:orderId", h.sendInvoice)
	rg.POST("/send-receipt/:orderId", h.sendReceipt)
	rg.POST("/payment-confirmation/:orderId", h.paymentConfirmation)
	rg.GET("/generate/:orderId", h.generateDocument)
}

func (h *Handler) sendInvoice(c *gin.Context) {
	d, err := h.dispatcher.SendInvoice(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err, "Failed to send invoice")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "Invoice sent successfully",
		"invoiceNumber": d.Number,
	})
}

func (h *Handler) sendReceipt(c *gin.Context) {
	body := optionalDetails(c)
	d, err := h.dispatcher.SendReceipt(c.Request.Context(), c.Param("orderId"), body.PaymentDetails)
	if err != nil {
		h.writeError(c, err, "Failed to send receipt")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "Receipt sent successfully",
		"receiptNumber": d.Number,
	})
}

func (h *Handler) paymentConfirmation(c *gin.Context) {
	body := optionalDetails(c)
	d, err := h.dispatcher.SendPaymentConfirmation(c.Request.Context(), c.Param("orderId"), body.PaymentDetails)
	if err != nil {
		h.writeError(c, err, "Failed to send payment confirmation")
		return
	}
	msg := "Payment confirmation sent"
	if !d.Sent {
		msg = "Receipt already sent"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       msg,
		"receiptNumber": d.Number,
	})
}

func (h *Handler) generateDocument(c *gin.Context) {
	html, err := h.dispatcher.Render(c.Request.Context(), c.Param("orderId"), notify.ParseFormat(c.Query("format")))
	if err != nil {
		h.writeError(c, err, "Failed to generate document")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// optionalDetails reads {"paymentDetails": {...}} when a body was sent.
func optionalDetails(c *gin.Context) paymentDetailsBody {
	var body paymentDetailsBody
	if c.Request.ContentLength != 0 {
		// a missing or malformed body just means no details
		_ = c.ShouldBindJSON(&body)
	}
	return body
}

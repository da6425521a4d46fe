package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// PaymentMethod is how the customer chose to pay at checkout.
type PaymentMethod string

const (
	MethodMpesa          PaymentMethod = "mpesa"
	MethodPayOnDelivery  PaymentMethod = "pay_on_delivery"
	MethodCard           PaymentMethod = "card"
	MethodBankTransfer   PaymentMethod = "bank_transfer"
	DefaultPaymentMethod               = MethodMpesa
)

// PaymentStatus values. pending -> processing -> completed | failed; on_delivery
// and cancelled are only left via an admin update.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusOnDelivery PaymentStatus = "on_delivery"
	StatusCancelled  PaymentStatus = "cancelled"
)

// AwaitingPayment lists the statuses a provider callback may move an order out of.
var AwaitingPayment = []PaymentStatus{StatusPending, StatusProcessing}

// FulfilmentStatus tracks the order after payment.
type FulfilmentStatus string

const (
	FulfilmentReceived   FulfilmentStatus = "received"
	FulfilmentProcessing FulfilmentStatus = "processing"
	FulfilmentShipped    FulfilmentStatus = "shipped"
	FulfilmentDelivered  FulfilmentStatus = "delivered"
	FulfilmentCancelled  FulfilmentStatus = "cancelled"
)

// LineItem is a snapshot of a product at checkout time. ProductID is a weak
// reference; the price never follows later catalogue edits.
type LineItem struct {
	ProductID string  `json:"productId,omitempty" dynamodbav:"product_id,omitempty" bson:"product_id,omitempty"`
	Name      string  `json:"name" dynamodbav:"name" bson:"name"`
	Price     float64 `json:"price" dynamodbav:"price" bson:"price"`
	Quantity  int     `json:"quantity" dynamodbav:"quantity" bson:"quantity"`
}

// Subtotal is price * quantity.
func (li LineItem) Subtotal() float64 { return li.Price * float64(li.Quantity) }

// Order is the persisted order record, shared by every store backend.
type Order struct {
	ID            string `json:"id" dynamodbav:"order_id" bson:"_id"`
	OrderNumber   string `json:"orderNumber" dynamodbav:"order_number" bson:"order_number"`
	InvoiceNumber string `json:"invoiceNumber,omitempty" dynamodbav:"invoice_number,omitempty" bson:"invoice_number,omitempty"`
	ReceiptNumber string `json:"receiptNumber,omitempty" dynamodbav:"receipt_number,omitempty" bson:"receipt_number,omitempty"`

	CustomerName  string `json:"customerName" dynamodbav:"customer_name" bson:"customer_name"`
	CustomerEmail string `json:"customerEmail" dynamodbav:"customer_email" bson:"customer_email"`
	CustomerPhone string `json:"customerPhone" dynamodbav:"customer_phone" bson:"customer_phone"`

	Items         []LineItem `json:"items" dynamodbav:"items" bson:"items"`
	TotalAmount   float64    `json:"totalAmount" dynamodbav:"total_amount" bson:"total_amount"`
	TotalMismatch bool       `json:"totalMismatch,omitempty" dynamodbav:"total_mismatch,omitempty" bson:"total_mismatch,omitempty"`

	ShippingAddress string `json:"shippingAddress" dynamodbav:"shipping_address" bson:"shipping_address"`
	City            string `json:"city" dynamodbav:"city" bson:"city"`
	PostalCode      string `json:"postalCode,omitempty" dynamodbav:"postal_code,omitempty" bson:"postal_code,omitempty"`

	PaymentMethod      PaymentMethod    `json:"paymentMethod" dynamodbav:"payment_method" bson:"payment_method"`
	PaymentStatus      PaymentStatus    `json:"paymentStatus" dynamodbav:"payment_status" bson:"payment_status"`
	OrderStatus        FulfilmentStatus `json:"orderStatus" dynamodbav:"order_status" bson:"order_status"`
	MpesaTransactionID string           `json:"mpesaTransactionId,omitempty" dynamodbav:"mpesa_transaction_id,omitempty" bson:"mpesa_transaction_id,omitempty"`
	MpesaReceipt       string           `json:"mpesaReceipt,omitempty" dynamodbav:"mpesa_receipt,omitempty" bson:"mpesa_receipt,omitempty"`

	InvoiceSentAt *time.Time `json:"invoiceSentAt,omitempty" dynamodbav:"invoice_sent_at,omitempty" bson:"invoice_sent_at,omitempty"`
	ReceiptSentAt *time.Time `json:"receiptSentAt,omitempty" dynamodbav:"receipt_sent_at,omitempty" bson:"receipt_sent_at,omitempty"`

	Version   int       `json:"version" dynamodbav:"version" bson:"version"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at" bson:"updated_at"`
}

// AwaitingPayment reports whether a callback may still settle this order.
func (o *Order) AwaitingPayment() bool {
	return o.PaymentStatus.In(AwaitingPayment...)
}

// In reports whether s is one of set.
func (s PaymentStatus) In(set ...PaymentStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	return s.In(StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusOnDelivery, StatusCancelled)
}

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodPayOnDelivery, MethodCard, MethodBankTransfer:
		return true
	}
	return false
}

// Valid reports whether s is a known fulfilment status.
func (s FulfilmentStatus) Valid() bool {
	switch s {
	case FulfilmentReceived, FulfilmentProcessing, FulfilmentShipped, FulfilmentDelivered, FulfilmentCancelled:
		return true
	}
	return false
}

// InitialPaymentStatus is the status an order is created in for a given method.
func InitialPaymentStatus(m PaymentMethod) PaymentStatus {
	if m == MethodPayOnDelivery {
		return StatusOnDelivery
	}
	return StatusPending
}

// PaymentDetails carries provider settlement data into receipts.
type PaymentDetails struct {
	MpesaReceipt    string  `json:"mpesaReceipt,omitempty"`
	Amount          float64 `json:"amount,omitempty"`
	PhoneNumber     string  `json:"phoneNumber,omitempty"`
	TransactionDate string  `json:"transactionDate,omitempty"`
}

// PaymentUpdate is applied by a conditional payment transition.
type PaymentUpdate struct {
	Status       PaymentStatus
	MpesaReceipt string
	OrderStatus  FulfilmentStatus
}

// AdminUpdate is a manual override from the dashboard. Nil fields are left alone.
// ExpectedVersion, when set, makes the write fail with ErrVersionConflict if the
// order changed since the admin loaded it.
type AdminUpdate struct {
	PaymentStatus   *PaymentStatus    `json:"paymentStatus,omitempty"`
	OrderStatus     *FulfilmentStatus `json:"orderStatus,omitempty"`
	ShippingAddress *string           `json:"shippingAddress,omitempty"`
	City            *string           `json:"city,omitempty"`
	PostalCode      *string           `json:"postalCode,omitempty"`
	ExpectedVersion *int              `json:"version,omitempty"`
}

// Validate rejects unknown enum values.
func (u AdminUpdate) Validate() error {
	if u.PaymentStatus != nil && !u.PaymentStatus.Valid() {
		return fmt.Errorf("unknown payment status %q", *u.PaymentStatus)
	}
	if u.OrderStatus != nil && !u.OrderStatus.Valid() {
		return fmt.Errorf("unknown order status %q", *u.OrderStatus)
	}
	return nil
}

// NewID returns a fresh order id.
func NewID() string { return uuid.NewString() }

// NewOrderNumber returns a human readable, time based order number.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), suffix)
}

// NewInvoiceNumber returns a unique, sortable invoice number.
func NewInvoiceNumber() string { return "INV-" + ulid.Make().String() }

// NewReceiptNumber returns a unique, sortable receipt number.
func NewReceiptNumber() string { return "RCP-" + ulid.Make().String() }

package validation

// Item is a checkout line item as sent by the storefront.
type Item struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name" validate:"required"`
	Price     float64 `json:"price" validate:"gte=0"`
	Quantity  int     `json:"quantity" validate:"required,min=1"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	CustomerName    string  `json:"customerName" validate:"required"`
	CustomerEmail   string  `json:"customerEmail" validate:"required,email"`
	CustomerPhone   string  `json:"customerPhone" validate:"required"`
	Items           []Item  `json:"items" validate:"required,min=1,dive"`
	TotalAmount     float64 `json:"totalAmount" validate:"required,gt=0"`
	ShippingAddress string  `json:"shippingAddress" validate:"required"`
	City            string  `json:"city" validate:"required"`
	PostalCode      string  `json:"postalCode"`
	PaymentMethod   string  `json:"paymentMethod" validate:"omitempty,oneof=mpesa pay_on_delivery card bank_transfer"`
}

// InitiatePaymentRequest is the payload for POST /payments/initiate.
type InitiatePaymentRequest struct {
	OrderID     string  `json:"orderId" validate:"required"`
	PhoneNumber string  `json:"phoneNumber" validate:"required,min=9"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
}

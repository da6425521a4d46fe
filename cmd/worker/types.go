package main

import (
	"context"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
)

// Deliverer sends the confirmation email for an order whose receipt the API
// already issued.
type Deliverer interface {
	DeliverConfirmation(ctx context.Context, orderID string, details *orders.PaymentDetails) error
	ReleaseReceipt(ctx context.Context, orderID string)
}

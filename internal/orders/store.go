package orders

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no order matches the lookup.
	ErrNotFound = errors.New("order not found")
	// ErrStatusMismatch indicates a conditional write lost: the order was not in
	// an expected state (already settled, already receipted, raced by another writer).
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrVersionConflict is returned by AdminUpdate when ExpectedVersion is stale.
	ErrVersionConflict = errors.New("order was modified concurrently")
	// ErrDuplicate is returned by Create when the id or order number already
	// exists, and by SetTransactionID when another order holds the id.
	ErrDuplicate = errors.New("order already exists")
)

// Repository is the Order Store. Every write bumps Order.Version and updates
// only the fields it names; no method rewrites the whole document.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context) ([]Order, error)

	// FindByTransactionID returns the first order whose mpesa_transaction_id
	// equals one of ids. Empty ids are ignored.
	FindByTransactionID(ctx context.Context, ids ...string) (*Order, error)
	SetTransactionID(ctx context.Context, id, checkoutRequestID string) error

	// TransitionPayment applies u only while the order's payment status is one
	// of from; otherwise it returns ErrStatusMismatch.
	TransitionPayment(ctx context.Context, id string, from []PaymentStatus, u PaymentUpdate) (*Order, error)

	StampInvoiceSent(ctx context.Context, id string, at time.Time) error
	// IssueReceipt sets receipt_sent_at and, if absent, receipt_number. It fails
	// with ErrStatusMismatch when a receipt was already issued.
	IssueReceipt(ctx context.Context, id, receiptNumber string, at time.Time) (*Order, error)
	ClearReceiptSent(ctx context.Context, id string) error

	AdminUpdate(ctx context.Context, id string, u AdminUpdate) (*Order, error)
}

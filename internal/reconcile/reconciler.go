package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
)

// Metric names emitted per callback outcome.
const (
	MetricCompleted    = "CallbackCompleted"
	MetricFailed       = "CallbackFailed"
	MetricMiss         = "CallbackMiss"
	MetricUnrecognized = "CallbackUnrecognized"
)

// Outcome is what a callback did to the Order Store.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeProcessing   Outcome = "processing"
	OutcomeMiss         Outcome = "miss"
	OutcomeUnrecognized Outcome = "unrecognized"
)

// Result reports a reconciliation. OrderID is empty on a miss.
type Result struct {
	Outcome Outcome
	OrderID string
}

// Confirmer issues the receipt for a settled order and sends the payment
// confirmation. It must be safe to call more than once per order.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, orderID string, details orders.PaymentDetails) error
}

// Counter records a named event.
type Counter interface {
	Count(ctx context.Context, name string) error
}

// Reconciler applies provider callbacks to orders.
type Reconciler struct {
	orders    orders.Repository
	confirmer Confirmer
	metrics   Counter
	logger    *zap.Logger
}

// New builds a Reconciler. confirmer and metrics may be nil.
func New(repo orders.Repository, confirmer Confirmer, metrics Counter, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		orders:    repo,
		confirmer: confirmer,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleCallback normalizes a webhook body and applies it. The returned error
// is informational: the webhook caller acknowledges regardless.
func (r *Reconciler) HandleCallback(ctx context.Context, body []byte) (Result, error) {
	cb, shape, err := Normalize(body)
	if err != nil {
		r.logger.Warn("unrecognized payment callback", zap.Error(err), zap.Int("body_bytes", len(body)))
		r.count(ctx, MetricUnrecognized)
		return Result{Outcome: OutcomeUnrecognized}, err
	}
	r.logger.Info("payment callback received",
		zap.String("shape", shape.String()),
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.String("merchant_request_id", cb.MerchantRequestID),
		zap.String("result_code", cb.ResultCode),
		zap.String("result_desc", cb.ResultDesc),
	)
	return r.Apply(ctx, cb)
}

// Apply moves the matching order to completed or failed. Orders that are no
// longer awaiting payment are left untouched.
func (r *Reconciler) Apply(ctx context.Context, cb Callback) (Result, error) {
	if cb.Succeeded() {
		return r.applySuccess(ctx, cb)
	}
	return r.applyFailure(ctx, cb)
}

// MarkProcessing records that the provider is still waiting on the customer.
func (r *Reconciler) MarkProcessing(ctx context.Context, checkoutRequestID string) (Result, error) {
	o, err := r.orders.FindByTransactionID(ctx, checkoutRequestID)
	if err != nil {
		return r.miss(ctx, checkoutRequestID, err)
	}
	switch o.PaymentStatus {
	case orders.StatusPending:
	case orders.StatusProcessing:
		return Result{Outcome: OutcomeProcessing, OrderID: o.ID}, nil
	default:
		return Result{Outcome: OutcomeMiss, OrderID: o.ID}, nil
	}
	_, err = r.orders.TransitionPayment(ctx, o.ID, []orders.PaymentStatus{orders.StatusPending},
		orders.PaymentUpdate{Status: orders.StatusProcessing})
	if err != nil && !errors.Is(err, orders.ErrStatusMismatch) {
		return Result{OrderID: o.ID}, fmt.Errorf("mark order %s processing: %w", o.ID, err)
	}
	return Result{Outcome: OutcomeProcessing, OrderID: o.ID}, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, cb Callback) (Result, error) {
	receipt := cb.Metadata.MpesaReceiptNumber
	o, err := r.orders.FindByTransactionID(ctx, cb.CheckoutRequestID, receipt)
	if err != nil {
		return r.miss(ctx, cb.CheckoutRequestID, err)
	}
	log := r.logger.With(
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.String("mpesa_receipt", receipt),
	)
	details := orders.PaymentDetails{
		MpesaReceipt:    receipt,
		Amount:          cb.Metadata.Amount,
		PhoneNumber:     cb.Metadata.PhoneNumber,
		TransactionDate: cb.Metadata.TransactionDate,
	}

	if !o.AwaitingPayment() {
		// a retried webhook for an order settled earlier; finish a confirmation
		// that did not get recorded, otherwise ignore
		if o.PaymentStatus == orders.StatusCompleted && o.ReceiptSentAt == nil {
			r.confirm(ctx, log, o.ID, details)
		}
		log.Info("callback ignored, order not awaiting payment", zap.String("payment_status", string(o.PaymentStatus)))
		r.count(ctx, MetricMiss)
		return Result{Outcome: OutcomeMiss, OrderID: o.ID}, nil
	}

	if cb.Metadata.Amount > 0 && cb.Metadata.Amount < o.TotalAmount {
		log.Warn("settled amount below order total",
			zap.Float64("amount", cb.Metadata.Amount),
			zap.Float64("total_amount", o.TotalAmount),
		)
	}

	updated, err := r.orders.TransitionPayment(ctx, o.ID, orders.AwaitingPayment, orders.PaymentUpdate{
		Status:       orders.StatusCompleted,
		MpesaReceipt: receipt,
		OrderStatus:  orders.FulfilmentProcessing,
	})
	if err != nil {
		if errors.Is(err, orders.ErrStatusMismatch) {
			log.Info("callback lost race, order already settled")
			r.count(ctx, MetricMiss)
			return Result{Outcome: OutcomeMiss, OrderID: o.ID}, nil
		}
		return Result{OrderID: o.ID}, fmt.Errorf("complete order %s: %w", o.ID, err)
	}

	log.Info("payment completed", zap.Float64("amount", details.Amount))
	r.count(ctx, MetricCompleted)
	r.confirm(ctx, log, updated.ID, details)
	return Result{Outcome: OutcomeCompleted, OrderID: updated.ID}, nil
}

func (r *Reconciler) applyFailure(ctx context.Context, cb Callback) (Result, error) {
	o, err := r.orders.FindByTransactionID(ctx, cb.CheckoutRequestID)
	if err != nil {
		return r.miss(ctx, cb.CheckoutRequestID, err)
	}
	log := r.logger.With(
		zap.String("order_id", o.ID),
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.String("result_code", cb.ResultCode),
	)

	_, err = r.orders.TransitionPayment(ctx, o.ID, orders.AwaitingPayment, orders.PaymentUpdate{
		Status: orders.StatusFailed,
	})
	if err != nil {
		if errors.Is(err, orders.ErrStatusMismatch) {
			log.Info("failure callback ignored, order not awaiting payment", zap.String("payment_status", string(o.PaymentStatus)))
			r.count(ctx, MetricMiss)
			return Result{Outcome: OutcomeMiss, OrderID: o.ID}, nil
		}
		return Result{OrderID: o.ID}, fmt.Errorf("fail order %s: %w", o.ID, err)
	}

	log.Info("payment failed", zap.String("result_desc", cb.ResultDesc))
	r.count(ctx, MetricFailed)
	return Result{Outcome: OutcomeFailed, OrderID: o.ID}, nil
}

func (r *Reconciler) miss(ctx context.Context, checkoutRequestID string, err error) (Result, error) {
	if !errors.Is(err, orders.ErrNotFound) {
		return Result{}, fmt.Errorf("find order for %s: %w", checkoutRequestID, err)
	}
	r.logger.Warn("no order for callback", zap.String("checkout_request_id", checkoutRequestID))
	r.count(ctx, MetricMiss)
	return Result{Outcome: OutcomeMiss}, nil
}

func (r *Reconciler) confirm(ctx context.Context, log *zap.Logger, orderID string, details orders.PaymentDetails) {
	if r.confirmer == nil {
		return
	}
	if err := r.confirmer.ConfirmPayment(ctx, orderID, details); err != nil {
		log.Error("payment confirmation failed", zap.Error(err))
	}
}

func (r *Reconciler) count(ctx context.Context, name string) {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.Count(ctx, name); err != nil {
		r.logger.Debug("metric not recorded", zap.String("metric", name), zap.Error(err))
	}
}

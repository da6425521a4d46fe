package payments

import (
	"context"
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/reconcile"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

// PushedMessage is returned to the storefront after a successful push.
const PushedMessage = "STK push sent successfully"

// Gateway is the subset of the Daraja client the service needs.
type Gateway interface {
	InitiatePush(ctx context.Context, p mpesa.PushRequest) (*mpesa.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// InitiationError wraps a gateway failure with the diagnostics the checkout
// page shows. It never includes credential values.
type InitiationError struct {
	Err                   error
	Environment           string
	CredentialsConfigured bool
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("initiate payment (%s, credentials configured: %t): %v", e.Environment, e.CredentialsConfigured, e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// InitiateResult is the outcome of a successful push.
type InitiateResult struct {
	CheckoutRequestID string
	Message           string
}

// Service bridges orders to the payment gateway.
type Service struct {
	orders     orders.Repository
	gateway    Gateway
	reconciler *reconcile.Reconciler
	validator  *validatorv10.Validate

	environment           string
	credentialsConfigured bool
	logger                *zap.Logger
}

// NewService builds the payment initiation service.
func NewService(repo orders.Repository, gateway Gateway, reconciler *reconcile.Reconciler, v *validatorv10.Validate,
	environment string, credentialsConfigured bool, logger *zap.Logger) *Service {
	return &Service{
		orders:                repo,
		gateway:               gateway,
		reconciler:            reconciler,
		validator:             v,
		environment:           environment,
		credentialsConfigured: credentialsConfigured,
		logger:                logger,
	}
}

// Environment reports the configured gateway environment and whether
// credentials are set, for error diagnostics.
func (s *Service) Environment() (string, bool) {
	return s.environment, s.credentialsConfigured
}

// Initiate pushes a payment prompt for an order and records the provider's
// correlation id on it. Calling it again for the same order replaces the id.
func (s *Service) Initiate(ctx context.Context, req validation.InitiatePaymentRequest) (*InitiateResult, error) {
	if err := validation.Check(s.validator, req); err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("order_id", o.ID), zap.String("order_number", o.OrderNumber))
	if !o.AwaitingPayment() {
		log.Warn("payment initiated for order not awaiting payment", zap.String("payment_status", string(o.PaymentStatus)))
	}
	if o.MpesaTransactionID != "" {
		log.Warn("replacing earlier checkout request", zap.String("previous_checkout_request_id", o.MpesaTransactionID))
	}

	resp, err := s.gateway.InitiatePush(ctx, mpesa.PushRequest{
		Phone:            req.PhoneNumber,
		Amount:           req.Amount,
		AccountReference: o.ID,
		Description:      "Payment for order " + o.OrderNumber,
	})
	if err != nil {
		log.Error("stk push failed", zap.Error(err), zap.String("environment", s.environment), zap.Bool("credentials_configured", s.credentialsConfigured))
		return nil, &InitiationError{Err: err, Environment: s.environment, CredentialsConfigured: s.credentialsConfigured}
	}

	if err := s.orders.SetTransactionID(ctx, o.ID, resp.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("record checkout request %s on order %s: %w", resp.CheckoutRequestID, o.ID, err)
	}
	log.Info("stk push accepted", zap.String("checkout_request_id", resp.CheckoutRequestID))

	return &InitiateResult{CheckoutRequestID: resp.CheckoutRequestID, Message: PushedMessage}, nil
}

// QueryStatus returns the provider's current answer for a push.
func (s *Service) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error) {
	if checkoutRequestID == "" {
		return nil, validation.FieldError("checkoutRequestId", "is required")
	}
	return s.gateway.QueryStatus(ctx, checkoutRequestID)
}

// Reconcile resolves a push whose callback never arrived by asking the
// provider and applying its answer as if it were the callback.
func (s *Service) Reconcile(ctx context.Context, checkoutRequestID string) (reconcile.Result, error) {
	q, err := s.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		if mpesa.StillProcessing(err) {
			return s.reconciler.MarkProcessing(ctx, checkoutRequestID)
		}
		return reconcile.Result{}, err
	}

	code := q.ResultCode.String()
	if code == "" {
		// accepted but no final result yet
		return s.reconciler.MarkProcessing(ctx, checkoutRequestID)
	}
	return s.reconciler.Apply(ctx, reconcile.Callback{
		ResultCode:        code,
		ResultDesc:        q.ResultDesc,
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: q.MerchantRequestID,
	})
}

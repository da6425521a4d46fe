package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/config"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
)

// CompanyLocation is printed under the company name on invoices.
const CompanyLocation = "Nairobi, Kenya"

// Delivery reports what a send did.
type Delivery struct {
	Order *orders.Order
	// Number is the invoice or receipt number the email carried.
	Number string
	// Sent is false when the call short-circuited on an earlier send.
	Sent bool
	// Delivered is false when the email transport failed.
	Delivered bool
}

// Dispatcher renders order documents and emails them to the customer.
// Transport failures are logged, never returned; audit timestamps follow
// stampOnFailure.
type Dispatcher struct {
	orders         orders.Repository
	renderer       *Renderer
	sender         Sender
	senderEmail    string
	companyName    string
	stampOnFailure bool
	nowFunc        func() time.Time
	logger         *zap.Logger
}

func NewDispatcher(repo orders.Repository, renderer *Renderer, sender Sender, cfg config.EmailConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		orders:         repo,
		renderer:       renderer,
		sender:         sender,
		senderEmail:    cfg.SenderEmail,
		companyName:    cfg.CompanyName,
		stampOnFailure: cfg.StampOnFailure,
		nowFunc:        time.Now,
		logger:         logger,
	}
}

// CompanyFromConfig builds the document letterhead.
func CompanyFromConfig(cfg config.EmailConfig) Company {
	return Company{Name: cfg.CompanyName, Email: cfg.SenderEmail, Location: CompanyLocation}
}

// SendInvoice always sends and stamps invoiceSentAt.
func (d *Dispatcher) SendInvoice(ctx context.Context, orderID string) (*Delivery, error) {
	o, err := d.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	html, err := d.renderer.Invoice(o)
	if err != nil {
		return nil, err
	}

	delivered := d.deliver(ctx, o, Email{
		From:    d.from("Invoice"),
		To:      o.CustomerEmail,
		Subject: fmt.Sprintf("Invoice %s - %s", o.InvoiceNumber, d.companyName),
		HTML:    html,
	})
	if delivered || d.stampOnFailure {
		if err := d.orders.StampInvoiceSent(ctx, o.ID, d.nowFunc()); err != nil {
			return nil, fmt.Errorf("stamp invoice sent: %w", err)
		}
	}
	return &Delivery{Order: o, Number: o.InvoiceNumber, Sent: true, Delivered: delivered}, nil
}

// SendReceipt is the manual receipt endpoint. It issues the receipt through
// IssueReceipt when none exists yet and always sends; an existing receipt
// number is reused.
func (d *Dispatcher) SendReceipt(ctx context.Context, orderID string, details *orders.PaymentDetails) (*Delivery, error) {
	o, issued, err := d.IssueReceipt(ctx, orderID)
	if err != nil {
		return nil, err
	}
	html, err := d.renderer.Receipt(o, details)
	if err != nil {
		return nil, err
	}

	delivered := d.deliver(ctx, o, Email{
		From:    d.from("Receipt"),
		To:      o.CustomerEmail,
		Subject: fmt.Sprintf("Payment Confirmed - Receipt %s - %s", o.ReceiptNumber, d.companyName),
		HTML:    html,
	})
	if !delivered && issued {
		d.ReleaseReceipt(ctx, o.ID)
	}
	return &Delivery{Order: o, Number: o.ReceiptNumber, Sent: true, Delivered: delivered}, nil
}

// SendPaymentConfirmation sends the confirmation at most once per order:
// it returns Sent=false when receiptSentAt is already set.
func (d *Dispatcher) SendPaymentConfirmation(ctx context.Context, orderID string, details *orders.PaymentDetails) (*Delivery, error) {
	o, err := d.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ReceiptSentAt != nil {
		d.logger.Info("payment confirmation already sent",
			zap.String("order_id", o.ID),
			zap.String("receipt_number", o.ReceiptNumber),
		)
		return &Delivery{Order: o, Number: o.ReceiptNumber}, nil
	}

	o, err = d.orders.IssueReceipt(ctx, orderID, orders.NewReceiptNumber(), d.nowFunc())
	if errors.Is(err, orders.ErrStatusMismatch) {
		// a concurrent caller issued it first
		o, err = d.orders.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return &Delivery{Order: o, Number: o.ReceiptNumber}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("issue receipt: %w", err)
	}

	delivered, err := d.sendConfirmation(ctx, o, details)
	if err != nil {
		return nil, err
	}
	if !delivered {
		d.ReleaseReceipt(ctx, o.ID)
	}
	return &Delivery{Order: o, Number: o.ReceiptNumber, Sent: true, Delivered: delivered}, nil
}

// ConfirmPayment runs the confirmation in-process after a successful callback.
func (d *Dispatcher) ConfirmPayment(ctx context.Context, orderID string, details orders.PaymentDetails) error {
	_, err := d.SendPaymentConfirmation(ctx, orderID, &details)
	return err
}

// DeliverConfirmation sends the confirmation email for an order whose
// receipt was already issued. Unlike the other sends it returns transport
// failures so a queue consumer can retry.
func (d *Dispatcher) DeliverConfirmation(ctx context.Context, orderID string, details *orders.PaymentDetails) error {
	o, err := d.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.ReceiptNumber == "" {
		return fmt.Errorf("order %s has no receipt issued", orderID)
	}
	html, err := d.renderer.Receipt(o, details)
	if err != nil {
		return err
	}
	if _, err := d.sender.Send(ctx, d.confirmationEmail(o, html)); err != nil {
		return fmt.Errorf("deliver confirmation for %s: %w", o.ID, err)
	}
	d.logger.Info("payment confirmation sent",
		zap.String("order_id", o.ID),
		zap.String("receipt_number", o.ReceiptNumber),
	)
	return nil
}

// IssueReceipt makes sure the order has a receipt number and receiptSentAt.
// issued is true when this call did the stamping.
func (d *Dispatcher) IssueReceipt(ctx context.Context, orderID string) (*orders.Order, bool, error) {
	o, err := d.orders.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.ReceiptSentAt != nil {
		return o, false, nil
	}
	issued, err := d.orders.IssueReceipt(ctx, orderID, orders.NewReceiptNumber(), d.nowFunc())
	if errors.Is(err, orders.ErrStatusMismatch) {
		o, err = d.orders.Get(ctx, orderID)
		return o, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("issue receipt: %w", err)
	}
	return issued, true, nil
}

// Render returns the HTML document for on-demand viewing.
func (d *Dispatcher) Render(ctx context.Context, orderID string, format Format) (string, error) {
	o, err := d.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	return d.renderer.Render(o, format)
}

func (d *Dispatcher) sendConfirmation(ctx context.Context, o *orders.Order, details *orders.PaymentDetails) (bool, error) {
	html, err := d.renderer.Receipt(o, details)
	if err != nil {
		return false, err
	}
	return d.deliver(ctx, o, d.confirmationEmail(o, html)), nil
}

func (d *Dispatcher) confirmationEmail(o *orders.Order, html string) Email {
	return Email{
		From:    d.from("Confirmation"),
		To:      o.CustomerEmail,
		Subject: fmt.Sprintf("Payment Confirmed - Order %s - %s", o.OrderNumber, d.companyName),
		HTML:    html,
	}
}

// deliver sends e and logs the outcome. It reports whether the transport accepted it.
func (d *Dispatcher) deliver(ctx context.Context, o *orders.Order, e Email) bool {
	id, err := d.sender.Send(ctx, e)
	if err != nil {
		d.logger.Error("email send failed",
			zap.String("order_id", o.ID),
			zap.String("order_number", o.OrderNumber),
			zap.String("subject", e.Subject),
			zap.Error(err),
		)
		return false
	}
	d.logger.Info("email sent",
		zap.String("order_id", o.ID),
		zap.String("subject", e.Subject),
		zap.String("message_id", id),
	)
	return true
}

// ReleaseReceipt clears receiptSentAt after a send that finally failed,
// unless stamps are kept regardless of delivery. The receipt number stays.
func (d *Dispatcher) ReleaseReceipt(ctx context.Context, orderID string) {
	if d.stampOnFailure {
		return
	}
	if err := d.orders.ClearReceiptSent(ctx, orderID); err != nil {
		d.logger.Error("clear receipt stamp failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (d *Dispatcher) from(label string) string {
	return fmt.Sprintf("%s <%s>", label, d.senderEmail)
}

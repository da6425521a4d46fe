package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
)

// KindPaymentConfirmation is the only message kind the worker handles today.
const KindPaymentConfirmation = "payment_confirmation"

// Message is the queued notification job.
type Message struct {
	Kind    string                 `json:"kind"`
	OrderID string                 `json:"orderId"`
	Details *orders.PaymentDetails `json:"details,omitempty"`
}

// Publisher puts a message body on the notification queue.
type Publisher interface {
	SendMessage(ctx context.Context, messageBody string, attributes map[string]string) error
}

// QueueNotifier issues the receipt synchronously and hands the email to the
// worker through the queue. If publishing fails it delivers in-process, and
// a failed in-process send releases the receipt stamp like the Dispatcher does.
type QueueNotifier struct {
	orders     orders.Repository
	publisher  Publisher
	dispatcher *Dispatcher
	nowFunc    func() time.Time
	logger     *zap.Logger
}

func NewQueueNotifier(repo orders.Repository, publisher Publisher, dispatcher *Dispatcher, logger *zap.Logger) *QueueNotifier {
	return &QueueNotifier{
		orders:     repo,
		publisher:  publisher,
		dispatcher: dispatcher,
		nowFunc:    time.Now,
		logger:     logger,
	}
}

func (q *QueueNotifier) ConfirmPayment(ctx context.Context, orderID string, details orders.PaymentDetails) error {
	o, err := q.orders.IssueReceipt(ctx, orderID, orders.NewReceiptNumber(), q.nowFunc())
	if errors.Is(err, orders.ErrStatusMismatch) {
		q.logger.Info("payment confirmation already issued", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("issue receipt: %w", err)
	}

	body, err := json.Marshal(Message{Kind: KindPaymentConfirmation, OrderID: o.ID, Details: &details})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	attrs := map[string]string{
		"kind":           KindPaymentConfirmation,
		"order_id":       o.ID,
		"receipt_number": o.ReceiptNumber,
	}
	if err := q.publisher.SendMessage(ctx, string(body), attrs); err != nil {
		q.logger.Warn("queue publish failed, sending confirmation in-process",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		if err := q.dispatcher.DeliverConfirmation(ctx, o.ID, &details); err != nil {
			q.dispatcher.ReleaseReceipt(ctx, o.ID)
			return err
		}
		return nil
	}
	q.logger.Info("payment confirmation queued",
		zap.String("order_id", o.ID),
		zap.String("receipt_number", o.ReceiptNumber),
	)
	return nil
}

// DecodeMessage parses a queued notification body.
func DecodeMessage(body string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Message{}, fmt.Errorf("decode notification: %w", err)
	}
	if m.OrderID == "" {
		return Message{}, errors.New("notification missing orderId")
	}
	if m.Kind == "" {
		m.Kind = KindPaymentConfirmation
	}
	return m, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/notify"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
)

// Processor handles queued notification jobs.
type Processor struct {
	deliverer   Deliverer
	maxReceives int
	logger      *zap.Logger
}

// NewProcessor creates a worker processor. maxReceives mirrors the queue's
// redrive policy; zero disables final-attempt handling.
func NewProcessor(deliverer Deliverer, maxReceives int, logger *zap.Logger) *Processor {
	return &Processor{deliverer: deliverer, maxReceives: maxReceives, logger: logger}
}

// Handle processes an SQS batch. Messages that fail transiently are reported
// back as batch item failures so only they are redelivered; after the queue's
// max receive count they land in the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error("notification job failed", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	msg, err := notify.DecodeMessage(rec.Body)
	if err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	log := p.logger.With(zap.String("message_id", rec.MessageId), zap.String("order_id", msg.OrderID), zap.String("kind", msg.Kind))

	if msg.Kind != notify.KindPaymentConfirmation {
		log.Warn("unknown notification kind, dropping")
		return nil
	}

	err = p.deliverer.DeliverConfirmation(ctx, msg.OrderID, msg.Details)
	if errors.Is(err, orders.ErrNotFound) {
		// retrying cannot bring the order back
		log.Warn("order for notification not found, dropping")
		return nil
	}
	if err != nil {
		if p.finalAttempt(rec) {
			log.Warn("last delivery attempt failed, releasing receipt stamp")
			p.deliverer.ReleaseReceipt(ctx, msg.OrderID)
		}
		return err
	}
	log.Info("notification delivered")
	return nil
}

// finalAttempt reports whether the queue will dead-letter the message if
// this receive fails.
func (p *Processor) finalAttempt(rec events.SQSMessage) bool {
	if p.maxReceives <= 0 {
		return false
	}
	n, err := strconv.Atoi(rec.Attributes["ApproximateReceiveCount"])
	if err != nil {
		return false
	}
	return n >= p.maxReceives
}

package notify

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// Email is one outbound HTML message.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Sender delivers an email and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, e Email) (string, error)
}

// ResendSender delivers through the Resend API.
type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (s *ResendSender) Send(ctx context.Context, e Email) (string, error) {
	resp, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    e.From,
		To:      []string{e.To},
		Subject: e.Subject,
		Html:    e.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("resend send %q: %w", e.Subject, err)
	}
	return resp.Id, nil
}

// LogSender stands in when no email API key is configured. It records what
// would have been sent and reports success.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, e Email) (string, error) {
	s.logger.Info("email transport not configured, skipping send",
		zap.String("to", e.To),
		zap.String("subject", e.Subject),
	)
	return "", nil
}

// NewSender picks Resend when apiKey is set and LogSender otherwise.
func NewSender(apiKey string, logger *zap.Logger) Sender {
	if apiKey == "" {
		return NewLogSender(logger)
	}
	return NewResendSender(apiKey)
}

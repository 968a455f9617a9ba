package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/newswatch/alert-engine/internal/platform/config"
)

// emailSender delivers plain-text alert messages through mailgun.
type emailSender struct {
	mg      mailgun.Mailgun
	from    string
	timeout time.Duration
}

func newEmailSender(cfg *config.Config) *emailSender {
	return &emailSender{
		mg:      mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunAPIKey),
		from:    cfg.FromEmail,
		timeout: cfg.MailgunTimeout,
	}
}

func (s *emailSender) Name() string {
	return "email"
}

func (s *emailSender) Send(ctx context.Context, msg Message) error {
	m := s.mg.NewMessage(s.from, msg.Subject, msg.Body, msg.Target)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, _, err := s.mg.Send(ctx, m); err != nil {
		return fmt.Errorf("mailgun send to %s: %w", msg.Target, err)
	}

	return nil
}

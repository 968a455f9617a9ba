// Package channel implements the send-channel collaborators: outbound
// notification senders keyed by channel name, plus the operator pager used
// for admin notifications. Senders are rate limited so a large backlog
// drains without tripping provider limits.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/newswatch/alert-engine/internal/platform/config"
)

// ErrUnsupportedChannel marks a delivery row whose channel has no
// configured sender.
var ErrUnsupportedChannel = errors.New("unsupported channel")

// Message is one outgoing notification to a single target.
type Message struct {
	Target  string
	Subject string
	Body    string
}

// Sender delivers one message on a specific channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Registry maps channel names to configured senders.
type Registry map[string]Sender

// NewRegistry builds senders for every channel with configured credentials.
func NewRegistry(cfg *config.Config, logger *zerolog.Logger) Registry {
	limiter := rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1)
	registry := Registry{}

	if cfg.MailgunDomain != "" && cfg.MailgunAPIKey != "" {
		registry["email"] = &limited{limiter, newEmailSender(cfg)}
	} else {
		logger.Warn().Msg("email channel not configured (missing mailgun credentials)")
	}

	if cfg.TelegramBotToken != "" {
		sender, err := newTelegramSender(cfg.TelegramBotToken)
		if err != nil {
			logger.Error().Err(err).Msg("telegram channel init failed")
		} else {
			registry["telegram"] = &limited{limiter, sender}
		}
	}

	return registry
}

// Send routes a message to the named channel's sender.
func (r Registry) Send(ctx context.Context, channelName string, msg Message) error {
	sender, ok := r[channelName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, channelName)
	}

	return sender.Send(ctx, msg)
}

// limited wraps a sender with the shared outbound rate limiter.
type limited struct {
	limiter *rate.Limiter
	next    Sender
}

func (l *limited) Name() string {
	return l.next.Name()
}

func (l *limited) Send(ctx context.Context, msg Message) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	return l.next.Send(ctx, msg)
}

package channel

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mailgun/mailgun-go/v4"
	"github.com/rs/zerolog"

	"github.com/newswatch/alert-engine/internal/platform/config"
)

// ErrNoPagingTargets means neither telegram nor email operator targets are
// configured.
var ErrNoPagingTargets = errors.New("no operator paging targets configured")

// Pager delivers operator notifications about the engine's own health. It
// fans out to every configured target; a page counts as delivered when at
// least one target accepts it.
type Pager struct {
	bot           *tgbotapi.BotAPI
	chatID        int64
	mg            mailgun.Mailgun
	from          string
	emails        []string
	subjectPrefix string
	logger        *zerolog.Logger
}

// NewPager builds an operator pager from the admin config. Returns
// ErrNoPagingTargets when nothing is configured so the caller can degrade to
// log-only alerting.
func NewPager(cfg *config.Config, logger *zerolog.Logger) (*Pager, error) {
	if !cfg.AdminNotifyEnabled() {
		return nil, ErrNoPagingTargets
	}

	p := &Pager{
		chatID:        cfg.AdminTelegramChatID,
		from:          cfg.FromEmail,
		emails:        cfg.AdminEmails,
		subjectPrefix: cfg.AdminEmailSubjectPrefix,
		logger:        logger,
	}

	if cfg.AdminTelegramBotToken != "" && cfg.AdminTelegramChatID != 0 {
		bot, err := tgbotapi.NewBotAPI(cfg.AdminTelegramBotToken)
		if err != nil {
			logger.Error().Err(err).Msg("admin telegram bot init failed, paging via email only")
		} else {
			p.bot = bot
		}
	}

	if len(cfg.AdminEmails) > 0 && cfg.MailgunDomain != "" && cfg.MailgunAPIKey != "" {
		p.mg = mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunAPIKey)
	}

	if p.bot == nil && p.mg == nil {
		return nil, ErrNoPagingTargets
	}

	return p, nil
}

// Page sends one operator notification to every configured target. Targets
// fail independently; the returned error is non-nil only when all of them
// failed.
func (p *Pager) Page(ctx context.Context, subject, body string) error {
	var delivered bool

	if p.bot != nil {
		msg := tgbotapi.NewMessage(p.chatID, subject+"\n\n"+body)
		msg.DisableWebPagePreview = true

		if _, err := p.bot.Send(msg); err != nil {
			p.logger.Error().Err(err).Msg("admin telegram page failed")
		} else {
			delivered = true
		}
	}

	if p.mg != nil {
		fullSubject := subject
		if p.subjectPrefix != "" {
			fullSubject = p.subjectPrefix + " " + subject
		}

		m := p.mg.NewMessage(p.from, fullSubject, body, p.emails...)
		if _, _, err := p.mg.Send(ctx, m); err != nil {
			p.logger.Error().Err(err).Msg("admin email page failed")
		} else {
			delivered = true
		}
	}

	if !delivered {
		return fmt.Errorf("operator page %q: all targets failed", subject)
	}

	return nil
}

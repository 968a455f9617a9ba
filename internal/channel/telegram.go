package channel

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender delivers alert messages to telegram chats. The delivery
// target is the chat ID as a decimal string.
type telegramSender struct {
	bot *tgbotapi.BotAPI
}

func newTelegramSender(token string) (*telegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	return &telegramSender{bot: bot}, nil
}

func (s *telegramSender) Name() string {
	return "telegram"
}

func (s *telegramSender) Send(ctx context.Context, msg Message) error {
	chatID, err := strconv.ParseInt(msg.Target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q is not a chat id: %w", msg.Target, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	out := tgbotapi.NewMessage(chatID, msg.Subject+"\n\n"+msg.Body)
	out.DisableWebPagePreview = true

	if _, err := s.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send to chat %d: %w", chatID, err)
	}

	return nil
}

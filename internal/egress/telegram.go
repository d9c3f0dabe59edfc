package egress

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender delivers notifications via a Telegram bot. target is the
// numeric chat id as a string — spec.md's "opaque channel-user
// identifier" for this adapter. It is deliberately minimal: send-message
// and send-file only, no ingress, since the chat-channel integration
// itself is out of scope per spec.md §1 Non-goals.
type telegramSender struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram constructs a Sender/FileSender backed by a Telegram bot token.
func NewTelegram(token string) (Sender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("egress: creating telegram bot: %w", err)
	}
	return &telegramSender{bot: bot}, nil
}

func (t *telegramSender) SendMessage(ctx context.Context, target, text string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("egress: telegram target %q is not a numeric chat id: %w", target, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	_, err = t.bot.Send(msg)
	return err
}

func (t *telegramSender) SendFile(ctx context.Context, target, path, caption string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("egress: telegram target %q is not a numeric chat id: %w", target, err)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	_, err = t.bot.Send(doc)
	return err
}

var _ FileSender = (*telegramSender)(nil)

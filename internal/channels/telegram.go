package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends messages through the Telegram bot API.
type TelegramNotifier struct {
	log *slog.Logger
	bot *tgbotapi.BotAPI
}

// NewTelegramNotifier authenticates the bot token against the Telegram API.
func NewTelegramNotifier(log *slog.Logger, token string) (*TelegramNotifier, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	log.Info("telegram notifier ready", "bot", bot.Self.UserName)
	return &TelegramNotifier{log: log, bot: bot}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

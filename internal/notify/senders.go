package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramSender posts reminders to one Telegram chat.
type TelegramSender struct {
	bot    messageSender
	chatID int64
}

// NewTelegramSender creates a bot client for token.
func NewTelegramSender(token string, chatID int64, opts ...bot.Option) (*TelegramSender, error) {
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramSender{bot: b, chatID: chatID}, nil
}

func (s *TelegramSender) Send(ctx context.Context, n Notification) error {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: s.chatID,
		Text:   n.Title + "\n" + n.Body,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogSender writes reminders to a logger.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, n Notification) error {
	s.Logger.InfoContext(ctx, "reminder", "notification_id", n.ID, "item_id", n.ItemID, "title", n.Title, "body", n.Body)
	return nil
}

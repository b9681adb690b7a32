// Package notify delivers plain-text operator reports.
package notify

import (
	"context"
	"errors"
	"fmt"

	"pairbot/internal/domain"
	"pairbot/internal/logging"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	telegramMaxMessage = 4096
	discordMaxMessage  = 2000
)

// TelegramNotifier posts reports to the admin chat.
type TelegramNotifier struct {
	bot    domain.TelegramSender
	chatID int64
}

func NewTelegramNotifier(bot domain.TelegramSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID}
}

func (n *TelegramNotifier) Notify(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(n.chatID, truncate(text, telegramMaxMessage))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// MessagePoster is the slice of the chat platform the channel notifier needs.
type MessagePoster interface {
	PostMessage(ctx context.Context, ref, content string) error
}

// ChannelNotifier posts reports to an admin channel on the chat platform.
type ChannelNotifier struct {
	poster    MessagePoster
	channelID string
}

func NewChannelNotifier(poster MessagePoster, channelID string) *ChannelNotifier {
	return &ChannelNotifier{poster: poster, channelID: channelID}
}

func (n *ChannelNotifier) Notify(ctx context.Context, text string) error {
	if err := n.poster.PostMessage(ctx, n.channelID, truncate(text, discordMaxMessage)); err != nil {
		return fmt.Errorf("admin channel post: %w", err)
	}
	return nil
}

// Multi fans a report out to every configured target.
// It fails only when all targets fail.
type Multi struct {
	targets []domain.Notifier
	logger  *zerolog.Logger
}

func NewMulti(logger *zerolog.Logger, targets ...domain.Notifier) *Multi {
	return &Multi{targets: targets, logger: logging.Component(logger, "notify")}
}

func (m *Multi) Notify(ctx context.Context, text string) error {
	if len(m.targets) == 0 {
		m.logger.Info().Str("report", text).Msg("No notification targets configured")
		return nil
	}

	var errs []error
	for _, t := range m.targets {
		if err := t.Notify(ctx, text); err != nil {
			m.logger.Warn().Err(err).Msg("Notification target failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.targets) {
		return errors.Join(errs...)
	}
	return nil
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/triagehq/triage/pkg/protocol"
)

// TelegramConfig holds Telegram delivery settings.
type TelegramConfig struct {
	Token  string // bot token from @BotFather
	ChatID int64  // destination chat
}

// TelegramSender posts digests to a Telegram chat.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates a Telegram sender and verifies the bot token.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*TelegramSender, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat_id are required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &TelegramSender{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

func (s *TelegramSender) Name() string { return "telegram" }

// Send delivers the digest as plain text.
func (s *TelegramSender) Send(_ context.Context, p *protocol.DigestPayload) error {
	msg := tgbotapi.NewMessage(s.chatID, StripMarkdown(p.Text))
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// StripMarkdown removes the digest's Markdown markers for platforms
// that render plain text.
func StripMarkdown(md string) string {
	out := strings.ReplaceAll(md, "**", "")
	out = strings.ReplaceAll(out, "`", "")
	return out
}

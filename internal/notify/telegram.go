// Package notify pushes capture notifications to an operator channel.
package notify

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"errbridge/internal/domain"
	"errbridge/internal/metrics"
)

const telegramMaxMsgLen = 4000

// Telegram sends a message to a fixed chat whenever the daemon ingests a
// record. Delivery is best-effort: failures are logged and never surfaced
// to the bus.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

func NewTelegram(token, chatID string, logger *slog.Logger) (*Telegram, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("telegram notifier connected", "username", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: id, logger: logger}, nil
}

// RecordCaptured implements manager.Notifier.
func (t *Telegram) RecordCaptured(rec domain.ErrorRecord) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error captured in %s\n", rec.App)
	if rec.Tag != "" {
		fmt.Fprintf(&sb, "[%s] ", rec.Tag)
	}
	sb.WriteString(rec.Message)
	if rec.Stack != "" {
		sb.WriteString("\n\n")
		sb.WriteString(rec.Stack)
	}

	text := sb.String()
	if len(text) > telegramMaxMsgLen {
		text = text[:telegramMaxMsgLen] + "…"
	}

	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		metrics.NotifyFailures.Inc()
		t.logger.Warn("telegram notify failed", "err", err)
		return
	}
	metrics.NotifySent.Inc()
}

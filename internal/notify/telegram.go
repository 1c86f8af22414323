package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/models"
)

// TelegramNotifier posts events to a Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewTelegram creates a TelegramNotifier for the given bot token and chat.
func NewTelegram(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("initializing telegram bot: %w", err)
	}
	logger := log.With().Str("component", "telegram_notifier").Logger()
	logger.Info().Str("username", bot.Self.UserName).Msg("Authorized on Telegram")

	return &TelegramNotifier{bot: bot, chatID: chatID, logger: logger}, nil
}

// PredictionEvaluated posts one evaluation outcome.
func (n *TelegramNotifier) PredictionEvaluated(_ context.Context, ev models.EvaluationEvent) error {
	icon := "✅"
	if ev.Result != models.ResultCorrect {
		icon = "❌"
	}
	text := fmt.Sprintf(
		"%s %s %s slot %d — %s (%+d pts)",
		icon, ev.AssetID, ev.Duration, ev.SlotNumber, ev.Result, ev.Points,
	)
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending evaluation message: %w", err)
	}
	return nil
}

// MonthArchived posts the month's leaderboard summary.
func (n *TelegramNotifier) MonthArchived(_ context.Context, ev models.ArchiveEvent) error {
	text := fmt.Sprintf("🏆 Leaderboard for %s archived: %d players", ev.Month, ev.Users)
	if ev.TopUserID != "" {
		text += fmt.Sprintf(", top score %d by %s", ev.TopScore, ev.TopUserID)
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending archive message: %w", err)
	}
	return nil
}

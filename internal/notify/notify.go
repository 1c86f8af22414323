// Package notify is the outbound side-channel: events fired after state
// changes commit, delivered best-effort. Callers log and swallow failures;
// delivery never participates in the evaluation transaction.
package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/models"
)

// Notifier delivers evaluation and archive events downstream.
type Notifier interface {
	PredictionEvaluated(ctx context.Context, ev models.EvaluationEvent) error
	MonthArchived(ctx context.Context, ev models.ArchiveEvent) error
}

// LogNotifier writes events to the log. Used when no delivery channel is
// configured, so the emission path stays exercised.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLog creates a LogNotifier.
func NewLog() *LogNotifier {
	return &LogNotifier{logger: log.With().Str("component", "notifier").Logger()}
}

// PredictionEvaluated logs the evaluation event.
func (n *LogNotifier) PredictionEvaluated(_ context.Context, ev models.EvaluationEvent) error {
	n.logger.Info().
		Str("prediction", ev.PredictionID).
		Str("user", ev.UserID).
		Str("asset", ev.AssetID).
		Str("result", string(ev.Result)).
		Int("points", ev.Points).
		Msg("evaluation event")
	return nil
}

// MonthArchived logs the archive event.
func (n *LogNotifier) MonthArchived(_ context.Context, ev models.ArchiveEvent) error {
	n.logger.Info().
		Str("month", ev.Month).
		Int("users", ev.Users).
		Str("top_user", ev.TopUserID).
		Int("top_score", ev.TopScore).
		Msg("archive event")
	return nil
}

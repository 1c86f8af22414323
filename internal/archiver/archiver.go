// Package archiver is the monthly batch job: it aggregates a calendar
// month's evaluated predictions per user, snapshots the ranked leaderboard,
// awards badges to the top cohort, preserves every user's monthly score for
// historical charts, and rotates the rolling counters. The whole snapshot
// commits atomically and at most once per month.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/internal/metrics"
	"github.com/pricepulse/pricepulse/models"
)

// MonthLayout is the month identifier format.
const MonthLayout = "2006-01"

// Store is the slice of persistence the archiver drives. SaveArchive is
// atomic and returns models.ErrMonthArchived when a concurrent run won.
type Store interface {
	IsMonthArchived(ctx context.Context, month string) (bool, error)
	EvaluatedBetween(ctx context.Context, from, to time.Time) ([]models.Prediction, error)
	SaveArchive(ctx context.Context, archive models.MonthArchive) error
}

// Notifier is fired after a snapshot commits; failures are swallowed.
type Notifier interface {
	MonthArchived(ctx context.Context, ev models.ArchiveEvent) error
}

// Archiver builds monthly leaderboard snapshots.
type Archiver struct {
	store    Store
	notifier Notifier
	loc      *time.Location
	topN     int // leaderboard size
	topK     int // badged cohort
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates an Archiver. notifier and m may be nil.
func New(store Store, notifier Notifier, loc *time.Location, topN, topK int, m *metrics.Metrics) *Archiver {
	if loc == nil {
		loc = time.UTC
	}
	if topN <= 0 {
		topN = 30
	}
	if topK <= 0 {
		topK = 4
	}
	return &Archiver{
		store:    store,
		notifier: notifier,
		loc:      loc,
		topN:     topN,
		topK:     topK,
		metrics:  m,
		logger:   log.With().Str("component", "leaderboard_archiver").Logger(),
	}
}

// userTotals accumulates one user's month. Order of first appearance is
// kept so equal scores rank stably.
type userTotals struct {
	userID  string
	score   int
	total   int
	correct int
}

// ArchiveMonth snapshots the given month ("2006-01"); an empty id means the
// previous calendar month in the reference timezone. Re-running an archived
// month is a no-op.
func (a *Archiver) ArchiveMonth(ctx context.Context, monthID string) error {
	if monthID == "" {
		monthID = PreviousMonth(time.Now().In(a.loc))
	}
	from, to, err := a.monthBounds(monthID)
	if err != nil {
		return err
	}
	logger := a.logger.With().Str("month", monthID).Logger()

	archived, err := a.store.IsMonthArchived(ctx, monthID)
	if err != nil {
		return err
	}
	if archived {
		logger.Info().Msg("month already archived, skipping")
		return nil
	}

	preds, err := a.store.EvaluatedBetween(ctx, from, to)
	if err != nil {
		return err
	}

	totals := aggregate(preds)
	sort.SliceStable(totals, func(i, j int) bool {
		return totals[i].score > totals[j].score
	})

	archive := a.buildArchive(monthID, totals)
	if err := a.store.SaveArchive(ctx, archive); err != nil {
		if errors.Is(err, models.ErrMonthArchived) {
			logger.Info().Msg("concurrent archive won, skipping")
			return nil
		}
		return err
	}

	a.metrics.Archive()
	logger.Info().
		Int("users", len(totals)).
		Int("ranked", len(archive.Entries)).
		Int("badges", len(archive.Badges)).
		Msg("month archived")

	// Snapshot is committed; the event may now fire.
	if a.notifier != nil {
		event := models.ArchiveEvent{Month: monthID, Users: len(totals)}
		if len(totals) > 0 {
			event.TopUserID = totals[0].userID
			event.TopScore = totals[0].score
		}
		if err := a.notifier.MonthArchived(ctx, event); err != nil {
			logger.Warn().Err(err).Msg("archive notification failed")
		}
	}
	return nil
}

func (a *Archiver) buildArchive(monthID string, totals []userTotals) models.MonthArchive {
	archive := models.MonthArchive{
		Month: monthID,
		Ranks: make(map[string]int),
	}
	for i, t := range totals {
		rank := i + 1
		archive.Scores = append(archive.Scores, models.MonthlyScore{
			Month:  monthID,
			UserID: t.userID,
			Score:  t.score,
		})
		if rank > a.topN {
			continue
		}
		accuracy := 0.0
		if t.total > 0 {
			accuracy = float64(t.correct) / float64(t.total)
		}
		archive.Entries = append(archive.Entries, models.LeaderboardEntry{
			Month:    monthID,
			UserID:   t.userID,
			Rank:     rank,
			Score:    t.score,
			Total:    t.total,
			Correct:  t.correct,
			Accuracy: accuracy,
		})
		archive.Ranks[t.userID] = rank
		if rank <= a.topK {
			if badge, ok := models.BadgeForRank(rank); ok {
				archive.Badges = append(archive.Badges, models.Badge{
					UserID: t.userID,
					Type:   badge,
					Month:  monthID,
					Rank:   rank,
					Score:  t.score,
				})
			}
		}
	}
	return archive
}

func aggregate(preds []models.Prediction) []userTotals {
	index := make(map[string]int)
	var totals []userTotals
	for _, p := range preds {
		i, ok := index[p.UserID]
		if !ok {
			i = len(totals)
			index[p.UserID] = i
			totals = append(totals, userTotals{userID: p.UserID})
		}
		if p.Points != nil {
			totals[i].score += *p.Points
		}
		totals[i].total++
		if p.Result == models.ResultCorrect {
			totals[i].correct++
		}
	}
	return totals
}

func (a *Archiver) monthBounds(monthID string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation(MonthLayout, monthID, a.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month id %q: %w", monthID, err)
	}
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, a.loc)
	return from, from.AddDate(0, 1, 0), nil
}

// PreviousMonth returns the month identifier preceding the month of now.
func PreviousMonth(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, -1, 0).Format(MonthLayout)
}

// NextMonthStart returns the first instant of the month after now, used by
// the scheduler to compute the archive job's next run.
func NextMonthStart(now time.Time) time.Time {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, 1, 0)
}

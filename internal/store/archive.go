package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pricepulse/pricepulse/models"
)

// IsMonthArchived reports whether a snapshot already exists for the month.
func (s *Store) IsMonthArchived(ctx context.Context, month string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM month_archives WHERE month = $1)
	`, month).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking month archive: %w", err)
	}
	return exists, nil
}

// EvaluatedBetween returns all evaluated predictions whose evaluation
// instant falls in [from, to), in evaluation order.
func (s *Store) EvaluatedBetween(ctx context.Context, from, to time.Time) ([]models.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions
		WHERE status = $1 AND evaluated_at >= $2 AND evaluated_at < $3
		ORDER BY evaluated_at ASC
	`, models.StatusEvaluated, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying evaluated predictions: %w", err)
	}
	defer rows.Close()
	return collectPredictions(rows)
}

// SaveArchive persists a month's full snapshot in one transaction: the
// idempotency marker, leaderboard entries, badges, per-user monthly scores,
// the monthly score reset and the rank rotation. A month that already has a
// marker returns ErrMonthArchived and writes nothing.
func (s *Store) SaveArchive(ctx context.Context, archive models.MonthArchive) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO month_archives (month, archived_at)
			VALUES ($1, $2)
			ON CONFLICT (month) DO NOTHING
		`, archive.Month, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("marking month archived: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("month %s: %w", archive.Month, models.ErrMonthArchived)
		}

		for _, e := range archive.Entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO leaderboard_entries (month, user_id, rank, score, total, correct, accuracy)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, e.Month, e.UserID, e.Rank, e.Score, e.Total, e.Correct, e.Accuracy); err != nil {
				return fmt.Errorf("inserting leaderboard entry: %w", err)
			}
		}
		for _, b := range archive.Badges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO badges (user_id, badge_type, month, rank, score)
				VALUES ($1, $2, $3, $4, $5)
			`, b.UserID, b.Type, b.Month, b.Rank, b.Score); err != nil {
				return fmt.Errorf("inserting badge: %w", err)
			}
		}
		for _, ms := range archive.Scores {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO monthly_scores (month, user_id, score)
				VALUES ($1, $2, $3)
			`, ms.Month, ms.UserID, ms.Score); err != nil {
				return fmt.Errorf("inserting monthly score: %w", err)
			}
		}

		// Rotate the rolling counters: zero every monthly score, clear old
		// ranks, then stamp the new cohort.
		if _, err := tx.ExecContext(ctx, `UPDATE users SET monthly_score = 0`); err != nil {
			return fmt.Errorf("resetting monthly scores: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET last_month_rank = NULL`); err != nil {
			return fmt.Errorf("clearing last month ranks: %w", err)
		}
		if len(archive.Ranks) > 0 {
			ids := make([]string, 0, len(archive.Ranks))
			ranks := make([]int64, 0, len(archive.Ranks))
			for id, rank := range archive.Ranks {
				ids = append(ids, id)
				ranks = append(ranks, int64(rank))
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE users
				SET last_month_rank = r.rank
				FROM (SELECT UNNEST($1::text[]) AS id, UNNEST($2::bigint[]) AS rank) r
				WHERE users.id = r.id
			`, pq.Array(ids), pq.Array(ranks)); err != nil {
				return fmt.Errorf("setting last month ranks: %w", err)
			}
		}
		return nil
	})
}

// LeaderboardMonth returns an archived month's snapshot ordered by rank.
func (s *Store) LeaderboardMonth(ctx context.Context, month string) ([]models.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT month, user_id, rank, score, total, correct, accuracy
		FROM leaderboard_entries
		WHERE month = $1
		ORDER BY rank ASC
	`, month)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	var out []models.LeaderboardEntry
	for rows.Next() {
		var e models.LeaderboardEntry
		if err := rows.Scan(&e.Month, &e.UserID, &e.Rank, &e.Score, &e.Total, &e.Correct, &e.Accuracy); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MonthlyScores returns one user's archived score history, oldest first.
func (s *Store) MonthlyScores(ctx context.Context, userID string) ([]models.MonthlyScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT month, user_id, score
		FROM monthly_scores
		WHERE user_id = $1
		ORDER BY month ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying monthly scores: %w", err)
	}
	defer rows.Close()

	var out []models.MonthlyScore
	for rows.Next() {
		var ms models.MonthlyScore
		if err := rows.Scan(&ms.Month, &ms.UserID, &ms.Score); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

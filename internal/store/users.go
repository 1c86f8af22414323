package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pricepulse/pricepulse/models"
)

// EnsureUser creates the aggregate row for a user if it does not exist.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("ensuring user: %w", err)
	}
	return nil
}

// User fetches a user's rolling aggregate counters.
func (s *Store) User(ctx context.Context, userID string) (*models.UserAggregate, error) {
	var u models.UserAggregate
	var rank sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, monthly_score, total_score, total_predictions, correct_predictions, last_month_rank
		FROM users
		WHERE id = $1
	`, userID).Scan(&u.ID, &u.MonthlyScore, &u.TotalScore, &u.TotalPredictions, &u.CorrectPredictions, &rank)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if rank.Valid {
		v := int(rank.Int64)
		u.LastMonthRank = &v
	}
	return &u, nil
}

// IncrementPredictionCount advances the submission-time counter. The total
// counts submissions, not evaluations, so it moves here and never in the
// evaluator.
func (s *Store) IncrementPredictionCount(ctx context.Context, userID string) error {
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET total_predictions = total_predictions + 1 WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("incrementing prediction count: %w", err)
	}
	return nil
}

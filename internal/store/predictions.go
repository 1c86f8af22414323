package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pricepulse/pricepulse/models"
)

const predictionColumns = `id, user_id, asset_id, direction, duration, slot_number,
	slot_start, slot_end, created_at, expires_at, status, result, points,
	price_start, price_end, evaluated_at, attempts`

// PredictionFilter narrows ListPredictions. Zero values are ignored.
type PredictionFilter struct {
	UserID   string
	Status   models.Status
	Result   models.Result
	Duration models.Duration
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// CreatePrediction inserts a new active prediction.
func (s *Store) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (
			id, user_id, asset_id, direction, duration, slot_number,
			slot_start, slot_end, created_at, expires_at, status, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
	`,
		p.ID, p.UserID, p.AssetID, p.Direction, p.Duration, p.SlotNumber,
		p.SlotStart, p.SlotEnd, p.CreatedAt, p.ExpiresAt, p.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting prediction: %w", err)
	}
	return nil
}

// Prediction fetches one prediction by id.
func (s *Store) Prediction(ctx context.Context, id string) (*models.Prediction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id)
	p, err := scanPrediction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("prediction %s: %w", id, models.ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// ListPredictions returns predictions matching the filter, newest first.
func (s *Store) ListPredictions(ctx context.Context, f PredictionFilter) ([]models.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		query += ` AND user_id = ` + arg(f.UserID)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(f.Status)
	}
	if f.Result != "" {
		query += ` AND result = ` + arg(f.Result)
	}
	if f.Duration != "" {
		query += ` AND duration = ` + arg(f.Duration)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ` + arg(f.From)
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ` + arg(f.To)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing predictions: %w", err)
	}
	defer rows.Close()
	return collectPredictions(rows)
}

// ExpiredActive returns active predictions whose expiration has passed,
// oldest first, for the expiration scanner.
func (s *Store) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, models.StatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying expired predictions: %w", err)
	}
	defer rows.Close()
	return collectPredictions(rows)
}

// SetPriceStart records the slot-start price once it has been resolved, so
// a requeued evaluation does not fetch it again. No-op if already set or if
// the record has left the active state.
func (s *Store) SetPriceStart(ctx context.Context, id string, price float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE predictions
		SET price_start = $1
		WHERE id = $2 AND status = $3 AND price_start IS NULL
	`, price, id, models.StatusActive)
	if err != nil {
		return fmt.Errorf("storing start price: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the persisted retry counter and returns the new
// value. The counter lives on the record, not the job payload, so a
// redelivered job cannot reset it.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE predictions
		SET attempts = attempts + 1
		WHERE id = $1 AND status = $2
		RETURNING attempts
	`, id, models.StatusActive).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("prediction %s: %w", id, models.ErrAlreadyTerminal)
		}
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	return attempts, nil
}

// MarkExpired moves an active prediction to the manual-review terminal
// state (status expired, result pending).
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE predictions
		SET status = $1, result = $2
		WHERE id = $3 AND status = $4
	`, models.StatusExpired, models.ResultPending, id, models.StatusActive)
	if err != nil {
		return fmt.Errorf("marking prediction expired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("prediction %s: %w", id, models.ErrAlreadyTerminal)
	}
	return nil
}

// FinalizeEvaluation commits the terminal outcome of one prediction and the
// user's aggregate deltas as a single transaction. The status guard makes
// it a no-op error (ErrAlreadyTerminal) for records that already left the
// active state, so re-delivered jobs cannot double-apply points.
func (s *Store) FinalizeEvaluation(ctx context.Context, ev models.Evaluation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE predictions
			SET status = $1, result = $2, points = $3,
				price_start = $4, price_end = $5, evaluated_at = $6
			WHERE id = $7 AND status = $8
		`,
			models.StatusEvaluated, ev.Result, ev.Points,
			ev.PriceStart, ev.PriceEnd, ev.EvaluatedAt,
			ev.PredictionID, models.StatusActive,
		)
		if err != nil {
			return fmt.Errorf("finalizing prediction: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("prediction %s: %w", ev.PredictionID, models.ErrAlreadyTerminal)
		}

		correctDelta := 0
		if ev.Result == models.ResultCorrect {
			correctDelta = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
		`, ev.UserID); err != nil {
			return fmt.Errorf("ensuring user row: %w", err)
		}
		// Relative increments, never read-modify-write: concurrent
		// evaluations touching the same user's row stay correct.
		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET monthly_score = monthly_score + $1,
				total_score = total_score + $1,
				correct_predictions = correct_predictions + $2
			WHERE id = $3
		`, ev.Points, correctDelta, ev.UserID); err != nil {
			return fmt.Errorf("applying score delta: %w", err)
		}
		return nil
	})
}

func collectPredictions(rows *sql.Rows) ([]models.Prediction, error) {
	var out []models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrediction(row rowScanner) (*models.Prediction, error) {
	var p models.Prediction
	var result sql.NullString
	var points sql.NullInt64
	var priceStart, priceEnd sql.NullFloat64
	var evaluatedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.UserID, &p.AssetID, &p.Direction, &p.Duration, &p.SlotNumber,
		&p.SlotStart, &p.SlotEnd, &p.CreatedAt, &p.ExpiresAt, &p.Status,
		&result, &points, &priceStart, &priceEnd, &evaluatedAt, &p.Attempts,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		p.Result = models.Result(result.String)
	}
	if points.Valid {
		v := int(points.Int64)
		p.Points = &v
	}
	if priceStart.Valid {
		v := priceStart.Float64
		p.PriceStart = &v
	}
	if priceEnd.Valid {
		v := priceEnd.Float64
		p.PriceEnd = &v
	}
	if evaluatedAt.Valid {
		v := evaluatedAt.Time
		p.EvaluatedAt = &v
	}
	return &p, nil
}

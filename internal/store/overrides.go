package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pricepulse/pricepulse/models"
)

// SlotOverride returns the admin override for one duration+slot, or nil
// when none is configured. Slot number 0 holds the duration-wide penalty.
func (s *Store) SlotOverride(ctx context.Context, d models.Duration, number int) (*models.SlotOverride, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT duration, slot_number, starts_at, ends_at, points, penalty
		FROM slot_overrides
		WHERE duration = $1 AND slot_number = $2
	`, d, number)

	ov, err := scanOverride(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying slot override: %w", err)
	}
	return ov, nil
}

// DurationOverrides returns all overrides configured for a duration class.
func (s *Store) DurationOverrides(ctx context.Context, d models.Duration) ([]models.SlotOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT duration, slot_number, starts_at, ends_at, points, penalty
		FROM slot_overrides
		WHERE duration = $1
		ORDER BY slot_number
	`, d)
	if err != nil {
		return nil, fmt.Errorf("querying duration overrides: %w", err)
	}
	defer rows.Close()

	var out []models.SlotOverride
	for rows.Next() {
		ov, err := scanOverride(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ov)
	}
	return out, rows.Err()
}

func scanOverride(scan func(...interface{}) error) (*models.SlotOverride, error) {
	var ov models.SlotOverride
	var startsAt, endsAt sql.NullTime
	var points, penalty sql.NullInt64

	if err := scan(&ov.Duration, &ov.SlotNumber, &startsAt, &endsAt, &points, &penalty); err != nil {
		return nil, err
	}
	if startsAt.Valid {
		ov.StartsAt = &startsAt.Time
	}
	if endsAt.Valid {
		ov.EndsAt = &endsAt.Time
	}
	if points.Valid {
		v := int(points.Int64)
		ov.Points = &v
	}
	if penalty.Valid {
		v := int(penalty.Int64)
		ov.Penalty = &v
	}
	return &ov, nil
}

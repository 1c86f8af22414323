package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pricepulse/pricepulse/models"
)

// SampleAt returns the sample with the exact timestamp, or nil when none
// exists.
func (s *Store) SampleAt(ctx context.Context, assetID string, ts time.Time) (*models.PriceSample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset_id, source, ts, price
		FROM price_samples
		WHERE asset_id = $1 AND ts = $2
		LIMIT 1
	`, assetID, ts)
	return scanSample(row)
}

// NearestSample returns the sample closest to target within [from, to], or
// nil when the window holds none. The caller shapes the window; the store
// only orders by distance.
func (s *Store) NearestSample(ctx context.Context, assetID string, target, from, to time.Time) (*models.PriceSample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset_id, source, ts, price
		FROM price_samples
		WHERE asset_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ABS(EXTRACT(EPOCH FROM (ts - $4::timestamptz))) ASC
		LIMIT 1
	`, assetID, from, to, target)
	return scanSample(row)
}

// InsertSample appends a price observation. Samples are append-only;
// duplicates from the same source at the same instant are dropped.
func (s *Store) InsertSample(ctx context.Context, sample models.PriceSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_samples (asset_id, source, ts, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset_id, ts, source) DO NOTHING
	`, sample.AssetID, sample.Source, sample.Timestamp, sample.Price)
	if err != nil {
		return fmt.Errorf("inserting price sample: %w", err)
	}
	return nil
}

func scanSample(row *sql.Row) (*models.PriceSample, error) {
	var sample models.PriceSample
	err := row.Scan(&sample.AssetID, &sample.Source, &sample.Timestamp, &sample.Price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning price sample: %w", err)
	}
	return &sample, nil
}

// Package store is the persistence layer: predictions and their state
// transitions, price samples, slot overrides, user aggregates, leaderboard
// snapshots and the scheduler's next-run markers, all on PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store wraps a PostgreSQL connection.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// ConnectionParams holds PostgreSQL connection parameters.
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Open connects to PostgreSQL and bootstraps the schema.
func Open(params ConnectionParams) (*Store, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		params.Host, params.Port, params.User, params.Password, params.DBName, params.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := New(db)
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without running migrations.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.With().Str("component", "store").Logger(),
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS predictions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			duration TEXT NOT NULL,
			slot_number INT NOT NULL,
			slot_start TIMESTAMPTZ NOT NULL,
			slot_end TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			points INT,
			price_start DOUBLE PRECISION,
			price_end DOUBLE PRECISION,
			evaluated_at TIMESTAMPTZ,
			attempts INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_expiry ON predictions (status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_user ON predictions (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_evaluated ON predictions (status, evaluated_at)`,
		`CREATE TABLE IF NOT EXISTS price_samples (
			asset_id TEXT NOT NULL,
			source TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			UNIQUE (asset_id, ts, source)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_samples_lookup ON price_samples (asset_id, ts)`,
		`CREATE TABLE IF NOT EXISTS slot_overrides (
			duration TEXT NOT NULL,
			slot_number INT NOT NULL,
			starts_at TIMESTAMPTZ,
			ends_at TIMESTAMPTZ,
			points INT,
			penalty INT,
			PRIMARY KEY (duration, slot_number)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			monthly_score INT NOT NULL DEFAULT 0,
			total_score INT NOT NULL DEFAULT 0,
			total_predictions INT NOT NULL DEFAULT 0,
			correct_predictions INT NOT NULL DEFAULT 0,
			last_month_rank INT
		)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			month TEXT NOT NULL,
			user_id TEXT NOT NULL,
			rank INT NOT NULL,
			score INT NOT NULL,
			total INT NOT NULL,
			correct INT NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (month, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS badges (
			user_id TEXT NOT NULL,
			badge_type TEXT NOT NULL,
			month TEXT NOT NULL,
			rank INT NOT NULL,
			score INT NOT NULL,
			PRIMARY KEY (month, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS monthly_scores (
			month TEXT NOT NULL,
			user_id TEXT NOT NULL,
			score INT NOT NULL,
			PRIMARY KEY (month, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS month_archives (
			month TEXT PRIMARY KEY,
			archived_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule (
			job TEXT PRIMARY KEY,
			next_run TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrapping schema: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

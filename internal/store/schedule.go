package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pricepulse/pricepulse/models"
)

// EnsureSchedule seeds a job's next-run marker if it has none yet.
func (s *Store) EnsureSchedule(ctx context.Context, job string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule (job, next_run)
		VALUES ($1, $2)
		ON CONFLICT (job) DO NOTHING
	`, job, next)
	if err != nil {
		return fmt.Errorf("seeding schedule for %s: %w", job, err)
	}
	return nil
}

// DueJobs returns every job whose persisted next-run is at or before now.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job, next_run FROM schedule WHERE next_run <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("querying due jobs: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledJob
	for rows.Next() {
		var j models.ScheduledJob
		if err := rows.Scan(&j.Name, &j.NextRun); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AdvanceSchedule moves a job's next-run marker from its observed value to
// the new one. The compare-and-set guard means only one of several
// concurrent tickers wins a given firing.
func (s *Store) AdvanceSchedule(ctx context.Context, job string, from, to time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET next_run = $1 WHERE job = $2 AND next_run = $3
	`, to, job, from)
	if err != nil {
		return false, fmt.Errorf("advancing schedule for %s: %w", job, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

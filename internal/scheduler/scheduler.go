// Package scheduler fires the periodic producers (expiration sweep,
// monthly archive) from persisted next-run timestamps. One recurring
// ticker checks the schedule table; the compare-and-set advance means a
// firing is claimed by exactly one process even with several replicas
// ticking around the same boundary.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/internal/archiver"
	"github.com/pricepulse/pricepulse/internal/queue"
	"github.com/pricepulse/pricepulse/models"
)

// Persisted job names.
const (
	JobSweep   = "sweep"
	JobArchive = "archive"
)

const tickInterval = time.Minute

// Store persists the next-run markers.
type Store interface {
	EnsureSchedule(ctx context.Context, job string, next time.Time) error
	DueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error)
	AdvanceSchedule(ctx context.Context, job string, from, to time.Time) (bool, error)
}

// Enqueuer accepts maintenance jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// Scheduler turns due next-run markers into queued jobs.
type Scheduler struct {
	store         Store
	maint         Enqueuer
	sweepInterval time.Duration
	loc           *time.Location
	logger        zerolog.Logger
}

// New creates a Scheduler.
func New(store Store, maint Enqueuer, sweepInterval time.Duration, loc *time.Location) *Scheduler {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:         store,
		maint:         maint,
		sweepInterval: sweepInterval,
		loc:           loc,
		logger:        log.With().Str("component", "scheduler").Logger(),
	}
}

// Run seeds the schedule and ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := time.Now().In(s.loc)
	if err := s.store.EnsureSchedule(ctx, JobSweep, now); err != nil {
		return err
	}
	if err := s.store.EnsureSchedule(ctx, JobArchive, archiver.NextMonthStart(now)); err != nil {
		return err
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().In(s.loc)
	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("reading schedule failed")
		return
	}
	for _, j := range due {
		if err := s.fire(ctx, j, now); err != nil {
			s.logger.Error().Err(err).Str("job", j.Name).Msg("firing scheduled job failed")
		}
	}
}

// fire enqueues one due marker's job and then advances the marker. The
// job's idempotency key embeds the run time, so replicas firing the same
// boundary collapse onto one queued job; the compare-and-set advance moves
// the marker exactly once.
func (s *Scheduler) fire(ctx context.Context, j models.ScheduledJob, now time.Time) error {
	runStamp := j.NextRun.UTC().Format(time.RFC3339)
	var job queue.Job
	switch j.Name {
	case JobSweep:
		job = queue.NewJob(queue.TypeSweep, JobSweep+":"+runStamp)
	case JobArchive:
		job = queue.NewJob(queue.TypeArchive, JobArchive+":"+runStamp)
		// The run scheduled for a month's first instant archives the month
		// that just ended.
		job.Month = archiver.PreviousMonth(j.NextRun.In(s.loc))
	default:
		s.logger.Warn().Str("job", j.Name).Msg("unknown scheduled job, skipping")
		return nil
	}

	// Enqueue before advancing: a marker advanced past a failed enqueue
	// would lose the firing until a manual trigger, while a duplicate push
	// from another replica is a dedup no-op on the run-stamped key.
	if _, err := s.maint.Enqueue(ctx, job); err != nil {
		return err
	}
	next := s.nextRun(j, now)
	if _, err := s.store.AdvanceSchedule(ctx, j.Name, j.NextRun, next); err != nil {
		return err
	}
	s.logger.Info().Str("job", j.Name).Time("next_run", next).Msg("scheduled job enqueued")
	return nil
}

// nextRun advances a marker past now, catching up after downtime without
// replaying every missed interval.
func (s *Scheduler) nextRun(j models.ScheduledJob, now time.Time) time.Time {
	switch j.Name {
	case JobArchive:
		return archiver.NextMonthStart(now.In(s.loc))
	default:
		next := j.NextRun.Add(s.sweepInterval)
		for !next.After(now) {
			next = next.Add(s.sweepInterval)
		}
		return next
	}
}

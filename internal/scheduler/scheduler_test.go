package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricepulse/pricepulse/internal/queue"
	"github.com/pricepulse/pricepulse/models"
)

type fakeScheduleStore struct {
	due      []models.ScheduledJob
	advanced map[string]time.Time
	claim    bool
	err      error
}

func (f *fakeScheduleStore) EnsureSchedule(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (f *fakeScheduleStore) DueJobs(_ context.Context, _ time.Time) ([]models.ScheduledJob, error) {
	return f.due, f.err
}

func (f *fakeScheduleStore) AdvanceSchedule(_ context.Context, job string, _, to time.Time) (bool, error) {
	if !f.claim {
		return false, nil
	}
	if f.advanced == nil {
		f.advanced = map[string]time.Time{}
	}
	f.advanced[job] = to
	return true, nil
}

type maintQueue struct {
	jobs []queue.Job
	err  error
}

func (q *maintQueue) Enqueue(_ context.Context, job queue.Job) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	q.jobs = append(q.jobs, job)
	return true, nil
}

func TestTickFiresDueSweep(t *testing.T) {
	nextRun := time.Date(2025, 3, 10, 14, 55, 0, 0, time.UTC)
	store := &fakeScheduleStore{
		claim: true,
		due:   []models.ScheduledJob{{Name: JobSweep, NextRun: nextRun}},
	}
	q := &maintQueue{}
	s := New(store, q, 5*time.Minute, time.UTC)

	s.tick(context.Background())

	require.Len(t, q.jobs, 1)
	assert.Equal(t, queue.TypeSweep, q.jobs[0].Type)
	assert.Equal(t, "sweep:2025-03-10T14:55:00Z", q.jobs[0].Key)
	assert.Contains(t, store.advanced, JobSweep)
}

func TestTickFiresDueArchive(t *testing.T) {
	// The marker at a month's first instant archives the month that ended.
	nextRun := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeScheduleStore{
		claim: true,
		due:   []models.ScheduledJob{{Name: JobArchive, NextRun: nextRun}},
	}
	q := &maintQueue{}
	s := New(store, q, 5*time.Minute, time.UTC)

	s.tick(context.Background())

	require.Len(t, q.jobs, 1)
	assert.Equal(t, queue.TypeArchive, q.jobs[0].Type)
	assert.Equal(t, "2025-02", q.jobs[0].Month)
}

func TestTickEnqueueFailureKeepsMarker(t *testing.T) {
	nextRun := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeScheduleStore{
		claim: true,
		due:   []models.ScheduledJob{{Name: JobArchive, NextRun: nextRun}},
	}
	q := &maintQueue{err: errors.New("redis down")}
	s := New(store, q, 5*time.Minute, time.UTC)
	ctx := context.Background()

	s.tick(ctx)
	assert.Empty(t, store.advanced, "a failed enqueue must not consume the firing")
	assert.Empty(t, q.jobs)

	// The queue recovers; the next tick fires the same marker.
	q.err = nil
	s.tick(ctx)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "2025-02", q.jobs[0].Month)
	assert.Contains(t, store.advanced, JobArchive)
}

func TestTickLostClaimCollapsesOnJobKey(t *testing.T) {
	// Replicas racing the same boundary may both push; the run-stamped key
	// makes the loser's push a dedup no-op downstream, and the lost
	// compare-and-set is not an error.
	nextRun := time.Date(2025, 3, 10, 14, 55, 0, 0, time.UTC)
	store := &fakeScheduleStore{
		claim: false,
		due:   []models.ScheduledJob{{Name: JobSweep, NextRun: nextRun}},
	}
	q := &maintQueue{}
	s := New(store, q, 5*time.Minute, time.UTC)

	s.tick(context.Background())
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "sweep:2025-03-10T14:55:00Z", q.jobs[0].Key)
}

func TestTickUnknownJobSkipped(t *testing.T) {
	store := &fakeScheduleStore{
		claim: true,
		due:   []models.ScheduledJob{{Name: "vacuum", NextRun: time.Now().Add(-time.Minute)}},
	}
	q := &maintQueue{}
	s := New(store, q, 5*time.Minute, time.UTC)

	s.tick(context.Background())
	assert.Empty(t, q.jobs)
}

func TestTickScheduleReadFailure(t *testing.T) {
	store := &fakeScheduleStore{err: errors.New("db down")}
	q := &maintQueue{}
	s := New(store, q, 5*time.Minute, time.UTC)

	s.tick(context.Background())
	assert.Empty(t, q.jobs)
}

func TestNextRunSweepCatchesUp(t *testing.T) {
	s := New(&fakeScheduleStore{}, &maintQueue{}, 5*time.Minute, time.UTC)
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		nextRun time.Time
		want    time.Time
	}{
		{
			name:    "normal advance",
			nextRun: time.Date(2025, 3, 10, 14, 58, 0, 0, time.UTC),
			want:    time.Date(2025, 3, 10, 15, 3, 0, 0, time.UTC),
		},
		{
			name:    "stale marker skips missed intervals",
			nextRun: time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC),
			want:    time.Date(2025, 3, 10, 15, 5, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.nextRun(models.ScheduledJob{Name: JobSweep, NextRun: tt.nextRun}, now)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.True(t, got.After(now))
		})
	}
}

func TestNextRunArchive(t *testing.T) {
	s := New(&fakeScheduleStore{}, &maintQueue{}, 5*time.Minute, time.UTC)
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	got := s.nextRun(models.ScheduledJob{Name: JobArchive, NextRun: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}, now)
	assert.True(t, got.Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))
}

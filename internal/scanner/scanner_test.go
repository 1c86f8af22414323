package scanner

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

type fakeExpiredStore struct {
	preds []models.Prediction
	err   error
	limit int
}

func (f *fakeExpiredStore) ExpiredActive(_ context.Context, _ time.Time, limit int) ([]models.Prediction, error) {
	f.limit = limit
	return f.preds, f.err
}

// fakeEnqueuer records jobs and simulates dedup hits and failures per key.
type fakeEnqueuer struct {
	jobs     []queue.Job
	dupKeys  map[string]bool
	failKeys map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job queue.Job) (bool, error) {
	if f.failKeys[job.Key] {
		return false, errors.New("redis down")
	}
	if f.dupKeys[job.Key] {
		return false, nil
	}
	f.jobs = append(f.jobs, job)
	return true, nil
}

func expiredPredictions(ids ...string) []models.Prediction {
	var out []models.Prediction
	for _, id := range ids {
		out = append(out, models.Prediction{ID: id, Status: models.StatusActive})
	}
	return out
}

func TestSweepEnqueuesExpired(t *testing.T) {
	store := &fakeExpiredStore{preds: expiredPredictions("p1", "p2", "p3")}
	q := &fakeEnqueuer{}
	s := New(store, q, nil)

	n, err := s.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, batchSize, store.limit)

	require.Len(t, q.jobs, 3)
	for i, id := range []string{"p1", "p2", "p3"} {
		assert.Equal(t, queue.TypeEvaluate, q.jobs[i].Type)
		assert.Equal(t, queue.EvaluateKey(id), q.jobs[i].Key)
		assert.Equal(t, id, q.jobs[i].PredictionID)
	}
}

func TestSweepCountsOnlyNewJobs(t *testing.T) {
	store := &fakeExpiredStore{preds: expiredPredictions("p1", "p2", "p3")}
	q := &fakeEnqueuer{dupKeys: map[string]bool{queue.EvaluateKey("p2"): true}}
	s := New(store, q, nil)

	n, err := s.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "jobs already queued must not be counted")
	assert.Len(t, q.jobs, 2)
}

func TestSweepSkipsFailedEnqueues(t *testing.T) {
	store := &fakeExpiredStore{preds: expiredPredictions("p1", "p2", "p3")}
	q := &fakeEnqueuer{failKeys: map[string]bool{queue.EvaluateKey("p1"): true}}
	s := New(store, q, nil)

	n, err := s.Sweep(context.Background(), time.Now())
	require.NoError(t, err, "a per-prediction failure must not abort the sweep")
	assert.Equal(t, 2, n)
}

func TestSweepStoreError(t *testing.T) {
	store := &fakeExpiredStore{err: errors.New("db down")}
	s := New(store, &fakeEnqueuer{}, nil)

	_, err := s.Sweep(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestSweepEmpty(t *testing.T) {
	s := New(&fakeExpiredStore{}, &fakeEnqueuer{}, nil)
	n, err := s.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

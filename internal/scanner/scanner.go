// Package scanner is the recurring sweep that feeds the evaluator: it
// finds active predictions whose expiration has passed and enqueues each
// under an idempotent key, so overlapping sweeps never double-enqueue.
package scanner

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/internal/metrics"
	"github.com/pricepulse/pricepulse/internal/queue"
	"github.com/pricepulse/pricepulse/models"
)

// batchSize caps one sweep's query. Anything left over is picked up by the
// next sweep a few minutes later.
const batchSize = 1000

// Store is the read slice the scanner needs.
type Store interface {
	ExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Prediction, error)
}

// Enqueuer accepts evaluation jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// Scanner sweeps expired active predictions into the evaluation queue.
type Scanner struct {
	store   Store
	queue   Enqueuer
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Scanner. m may be nil.
func New(store Store, q Enqueuer, m *metrics.Metrics) *Scanner {
	return &Scanner{
		store:   store,
		queue:   q,
		metrics: m,
		logger:  log.With().Str("component", "expiration_scanner").Logger(),
	}
}

// Sweep enqueues every expired active prediction exactly once and returns
// how many it enqueued. Per-prediction enqueue failures are logged and
// skipped; they do not abort the sweep.
func (s *Scanner) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpiredActive(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, p := range expired {
		job := queue.NewJob(queue.TypeEvaluate, queue.EvaluateKey(p.ID))
		job.PredictionID = p.ID
		ok, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			s.logger.Error().Err(err).Str("prediction", p.ID).Msg("enqueue failed")
			continue
		}
		if ok {
			enqueued++
		}
	}

	s.metrics.SweepEnqueued(enqueued)
	s.logger.Info().
		Int("expired", len(expired)).
		Int("enqueued", enqueued).
		Time("as_of", now).
		Msg("sweep complete")
	return enqueued, nil
}

// Package queue is a small durable job queue on Redis: a ready list popped
// by workers, a delayed zset promoted by a background loop, and per-job
// dedup keys so the same logical job is never queued twice at once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job types.
const (
	TypeEvaluate = "evaluate"
	TypeSweep    = "sweep"
	TypeArchive  = "archive"
)

// dedupTTL bounds how long a key can outlive its job. A key normally lives
// exactly as long as its job is queued or in flight; the TTL only covers a
// delete lost to a dead connection.
const dedupTTL = 24 * time.Hour

const promoteInterval = time.Second

// Job is one unit of queued work. Key is the idempotency key: only one job
// per key may be queued or in flight at a time.
type Job struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Key          string    `json:"key"`
	PredictionID string    `json:"prediction_id,omitempty"`
	Month        string    `json:"month,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// EvaluateKey derives the idempotency key for a prediction's evaluation.
// Concurrent sweeps and re-deliveries collapse onto the same key.
func EvaluateKey(predictionID string) string {
	return TypeEvaluate + ":" + predictionID
}

// RequeueError tells the worker to re-enqueue the job after a delay instead
// of treating it as failed. Evaluation handlers use it for both the
// fixed-delay price wait and the backoff on transient failures.
type RequeueError struct {
	After time.Duration
	Cause error
}

func (e *RequeueError) Error() string {
	return fmt.Sprintf("requeue after %s: %v", e.After, e.Cause)
}

func (e *RequeueError) Unwrap() error { return e.Cause }

// Requeue wraps cause into a RequeueError.
func Requeue(after time.Duration, cause error) *RequeueError {
	return &RequeueError{After: after, Cause: cause}
}

// Handler processes one job. Returning a *RequeueError re-schedules the
// job; any other error is logged and the job is dropped (the handler owns
// its retry policy).
type Handler func(ctx context.Context, job Job) error

// Queue is one named queue on a shared Redis connection.
type Queue struct {
	rdb    *redis.Client
	name   string
	logger zerolog.Logger
}

// New creates a queue named name.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{
		rdb:    rdb,
		name:   name,
		logger: log.With().Str("component", "queue").Str("queue", name).Logger(),
	}
}

func (q *Queue) readyKey() string      { return "q:" + q.name + ":ready" }
func (q *Queue) delayedKey() string    { return "q:" + q.name + ":delayed" }
func (q *Queue) processingKey() string { return "q:" + q.name + ":processing" }
func (q *Queue) dedupKey(jobKey string) string {
	return "q:" + q.name + ":dedup:" + jobKey
}

// Enqueue pushes a job for immediate processing. Returns false when a job
// with the same key is already queued or in flight.
func (q *Queue) Enqueue(ctx context.Context, job Job) (bool, error) {
	return q.push(ctx, job, 0)
}

// EnqueueIn schedules a job to become ready after delay.
func (q *Queue) EnqueueIn(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	return q.push(ctx, job, delay)
}

func (q *Queue) push(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	ok, err := q.rdb.SetNX(ctx, q.dedupKey(job.Key), "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("setting dedup key: %w", err)
	}
	if !ok {
		return false, nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encoding job: %w", err)
	}
	if delay <= 0 {
		if err := q.rdb.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
			return false, fmt.Errorf("pushing job: %w", err)
		}
		return true, nil
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
		return false, fmt.Errorf("scheduling delayed job: %w", err)
	}
	return true, nil
}

// Run consumes the queue with the given worker count until ctx is
// cancelled. In-flight jobs finish before Run returns.
func (q *Queue) Run(ctx context.Context, concurrency int, handler Handler) {
	if err := q.reclaimOrphans(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error().Err(err).Msg("reclaiming orphaned jobs failed")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.workLoop(ctx, worker, handler)
		}(i)
	}

	wg.Wait()
}

// promoteLoop moves due delayed jobs onto the ready list. ZRem before LPush
// keeps concurrent promoters from duplicating a member.
func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error().Err(err).Msg("promoting delayed jobs failed")
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another promoter took it
		}
		if err := q.rdb.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reclaimOrphans drains the processing list back onto the ready list.
// Entries are only left there when a previous run died mid-job; handlers
// are idempotent behind status-guarded store transitions, so re-delivery
// is safe.
func (q *Queue) reclaimOrphans(ctx context.Context) error {
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(), q.readyKey(), "LEFT", "RIGHT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
	}
}

// workLoop pops into the processing list, so a job survives a worker dying
// between pop and completion: the next Run reclaims it.
func (q *Queue) workLoop(ctx context.Context, worker int, handler Handler) {
	logger := q.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := q.rdb.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", 2*time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("popping job failed")
			time.Sleep(time.Second)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			logger.Error().Err(err).Str("payload", payload).Msg("dropping undecodable job")
			q.clearProcessing(ctx, logger, payload)
			continue
		}
		q.process(ctx, logger, job, payload, handler)
	}
}

// process runs one job, settles its dedup key and removes its processing
// entry. A job failure never escapes: evaluation isolation is per job.
func (q *Queue) process(ctx context.Context, logger zerolog.Logger, job Job, payload string, handler Handler) {
	err := handler(ctx, job)

	var rq *RequeueError
	switch {
	case err == nil:
		q.releaseDedup(ctx, logger, job)
	case errors.As(err, &rq):
		// The job still owns its dedup key; refresh and reschedule without
		// releasing it, so no concurrent enqueue can slip into a gap.
		if reErr := q.requeue(ctx, job, rq.After); reErr != nil {
			logger.Error().Err(reErr).Str("job", job.Key).Msg("requeue failed")
			q.releaseDedup(ctx, logger, job)
		} else {
			logger.Debug().Str("job", job.Key).Dur("after", rq.After).Msg("job requeued")
		}
	default:
		logger.Error().Err(err).Str("job", job.Key).Str("type", job.Type).Msg("job failed")
		q.releaseDedup(ctx, logger, job)
	}

	q.clearProcessing(ctx, logger, payload)
}

// requeue reschedules a job that is already holding its dedup key.
func (q *Queue) requeue(ctx context.Context, job Job, delay time.Duration) error {
	if err := q.rdb.Set(ctx, q.dedupKey(job.Key), "1", dedupTTL).Err(); err != nil {
		return fmt.Errorf("refreshing dedup key: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
		return fmt.Errorf("scheduling delayed job: %w", err)
	}
	return nil
}

func (q *Queue) releaseDedup(ctx context.Context, logger zerolog.Logger, job Job) {
	if err := q.rdb.Del(ctx, q.dedupKey(job.Key)).Err(); err != nil {
		logger.Error().Err(err).Str("job", job.Key).Msg("clearing dedup key failed")
	}
}

func (q *Queue) clearProcessing(ctx context.Context, logger zerolog.Logger, payload string) {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, payload).Err(); err != nil {
		logger.Error().Err(err).Msg("clearing processing entry failed")
	}
}

// NewJob builds a job with a fresh id.
func NewJob(jobType, key string) Job {
	return Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Key:        key,
		EnqueuedAt: time.Now().UTC(),
	}
}

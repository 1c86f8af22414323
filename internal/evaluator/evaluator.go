// Package evaluator drives a single prediction from active to its terminal
// state: resolve both boundary prices, decide correctness, score, and
// commit the outcome together with the user's aggregate deltas. Missing
// price data requeues with a fixed delay and does not consume the retry
// budget; unexpected failures back off exponentially until the budget is
// exhausted, after which the record is parked for manual review.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/internal/metrics"
	"github.com/pricepulse/pricepulse/internal/queue"
	"github.com/pricepulse/pricepulse/models"
)

// Store is the slice of the prediction store the evaluator mutates. It is
// the sole mutator of a prediction after submission.
type Store interface {
	Prediction(ctx context.Context, id string) (*models.Prediction, error)
	SetPriceStart(ctx context.Context, id string, price float64) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkExpired(ctx context.Context, id string) error
	FinalizeEvaluation(ctx context.Context, ev models.Evaluation) error
}

// Oracle resolves boundary prices.
type Oracle interface {
	PriceAt(ctx context.Context, assetID string, target time.Time, boundary models.Boundary) (float64, error)
}

// Scorer maps an evaluated prediction to its point delta.
type Scorer interface {
	Points(ctx context.Context, d models.Duration, slotNumber int, correct bool) int
}

// Notifier is the side-channel fired after an evaluation commits. Emission
// failures are logged and swallowed, never rolled back.
type Notifier interface {
	PredictionEvaluated(ctx context.Context, ev models.EvaluationEvent) error
}

// Options tune the retry behavior.
type Options struct {
	PriceRetryDelay time.Duration // fixed delay while a boundary price is missing
	RetryBaseDelay  time.Duration // base for transient-failure backoff
	RetryMaxDelay   time.Duration // backoff cap
	MaxAttempts     int           // transient failures tolerated before manual review
}

func (o *Options) applyDefaults() {
	if o.PriceRetryDelay <= 0 {
		o.PriceRetryDelay = 2 * time.Minute
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 30 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 6
	}
}

// Evaluator is the prediction state machine.
type Evaluator struct {
	store    Store
	oracle   Oracle
	scorer   Scorer
	notifier Notifier
	opts     Options
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates an Evaluator. notifier and m may be nil.
func New(store Store, oracle Oracle, scorer Scorer, notifier Notifier, m *metrics.Metrics, opts Options) *Evaluator {
	opts.applyDefaults()
	return &Evaluator{
		store:    store,
		oracle:   oracle,
		scorer:   scorer,
		notifier: notifier,
		opts:     opts,
		metrics:  m,
		logger:   log.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate runs one evaluation cycle for the prediction. Returning a
// *queue.RequeueError re-schedules the job; nil means the prediction
// reached (or already was in) a terminal state.
func (e *Evaluator) Evaluate(ctx context.Context, predictionID string) error {
	started := time.Now()
	logger := e.logger.With().Str("prediction", predictionID).Logger()

	p, err := e.store.Prediction(ctx, predictionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			logger.Warn().Msg("prediction vanished before evaluation")
			return nil
		}
		return e.transient(ctx, logger, predictionID, err)
	}
	if p.Status != models.StatusActive {
		// Re-delivered job for an already-terminal record: a no-op.
		logger.Debug().Str("status", string(p.Status)).Msg("prediction already terminal")
		return nil
	}

	// Slot-start price, persisted once resolved so requeues keep it.
	startPrice, err := e.startPrice(ctx, logger, p)
	if err != nil {
		return err
	}

	endPrice, err := e.oracle.PriceAt(ctx, p.AssetID, p.SlotEnd, models.BoundaryEnd)
	if err != nil {
		if errors.Is(err, models.ErrPriceUnavailable) {
			return e.waitForPrice(logger, "end", err)
		}
		return e.transient(ctx, logger, p.ID, err)
	}

	correct := isCorrect(p.Direction, startPrice, endPrice)
	result := models.ResultIncorrect
	if correct {
		result = models.ResultCorrect
	}
	points := e.scorer.Points(ctx, p.Duration, p.SlotNumber, correct)

	ev := models.Evaluation{
		PredictionID: p.ID,
		UserID:       p.UserID,
		Result:       result,
		Points:       points,
		PriceStart:   startPrice,
		PriceEnd:     endPrice,
		EvaluatedAt:  time.Now().UTC(),
	}
	if err := e.store.FinalizeEvaluation(ctx, ev); err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) {
			logger.Debug().Msg("lost the finalize race, prediction already terminal")
			return nil
		}
		return e.transient(ctx, logger, p.ID, err)
	}

	e.metrics.Evaluation(string(result), time.Since(started).Seconds())
	logger.Info().
		Str("result", string(result)).
		Int("points", points).
		Float64("price_start", startPrice).
		Float64("price_end", endPrice).
		Msg("prediction evaluated")

	// The state change is durably committed; the event may now fire.
	if e.notifier != nil {
		event := models.EvaluationEvent{
			PredictionID: p.ID,
			UserID:       p.UserID,
			AssetID:      p.AssetID,
			Duration:     p.Duration,
			SlotNumber:   p.SlotNumber,
			Result:       result,
			Points:       points,
			EvaluatedAt:  ev.EvaluatedAt,
		}
		if err := e.notifier.PredictionEvaluated(ctx, event); err != nil {
			logger.Warn().Err(err).Msg("evaluation notification failed")
		}
	}
	return nil
}

func (e *Evaluator) startPrice(ctx context.Context, logger zerolog.Logger, p *models.Prediction) (float64, error) {
	if p.PriceStart != nil {
		return *p.PriceStart, nil
	}
	price, err := e.oracle.PriceAt(ctx, p.AssetID, p.SlotStart, models.BoundaryStart)
	if err != nil {
		if errors.Is(err, models.ErrPriceUnavailable) {
			return 0, e.waitForPrice(logger, "start", err)
		}
		return 0, e.transient(ctx, logger, p.ID, err)
	}
	if err := e.store.SetPriceStart(ctx, p.ID, price); err != nil {
		return 0, e.transient(ctx, logger, p.ID, err)
	}
	return price, nil
}

// waitForPrice requeues with the fixed delay. Missing boundary prices are
// expected to resolve shortly, so the retry budget is untouched.
func (e *Evaluator) waitForPrice(logger zerolog.Logger, boundary string, cause error) error {
	e.metrics.Requeue("price_unavailable")
	logger.Info().
		Str("boundary", boundary).
		Dur("delay", e.opts.PriceRetryDelay).
		Msg("boundary price unavailable, waiting")
	return queue.Requeue(e.opts.PriceRetryDelay, cause)
}

// transient consumes one attempt from the persisted budget and requeues
// with exponential backoff, or parks the record for manual review once the
// budget is spent.
func (e *Evaluator) transient(ctx context.Context, logger zerolog.Logger, predictionID string, cause error) error {
	attempts, err := e.store.IncrementAttempts(ctx, predictionID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) {
			return nil
		}
		// Even the counter is unreachable; retry on the base delay without
		// trusting any in-memory count.
		logger.Error().Err(err).Msg("attempt counter unreachable")
		e.metrics.Requeue("transient")
		return queue.Requeue(e.opts.RetryBaseDelay, cause)
	}

	if attempts >= e.opts.MaxAttempts {
		if err := e.store.MarkExpired(ctx, predictionID); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			logger.Error().Err(err).Msg("parking prediction for manual review failed")
			e.metrics.Requeue("transient")
			return queue.Requeue(e.opts.RetryBaseDelay, cause)
		}
		e.metrics.Evaluation("expired", 0)
		logger.Error().Err(cause).Int("attempts", attempts).Msg("retry budget exhausted, parked for manual review")
		return nil
	}

	delay := e.opts.RetryBaseDelay << uint(attempts)
	if delay > e.opts.RetryMaxDelay || delay <= 0 {
		delay = e.opts.RetryMaxDelay
	}
	e.metrics.Requeue("transient")
	logger.Warn().Err(cause).Int("attempts", attempts).Dur("delay", delay).Msg("evaluation failed, backing off")
	return queue.Requeue(delay, cause)
}

// isCorrect applies the correctness rule. Equal prices always lose.
func isCorrect(dir models.Direction, start, end float64) bool {
	switch dir {
	case models.DirectionUp:
		return end > start
	case models.DirectionDown:
		return end < start
	}
	return false
}

// Handler adapts the evaluator to the queue.
func (e *Evaluator) Handler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		if job.Type != queue.TypeEvaluate || job.PredictionID == "" {
			return fmt.Errorf("unexpected job %q on evaluation queue", job.Type)
		}
		return e.Evaluate(ctx, job.PredictionID)
	}
}

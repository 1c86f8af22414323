package evaluator

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

var (
	slotStart = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	slotEnd   = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
)

func activePrediction() *models.Prediction {
	return &models.Prediction{
		ID:         "p1",
		UserID:     "u1",
		AssetID:    "BTC/USD",
		Direction:  models.DirectionUp,
		Duration:   models.Duration1H,
		SlotNumber: 15,
		SlotStart:  slotStart,
		SlotEnd:    slotEnd,
		Status:     models.StatusActive,
	}
}

// memStore is an in-memory Store tracking every mutation.
type memStore struct {
	prediction *models.Prediction
	loadErr    error

	setStartErr  error
	finalizeErr  error
	incrementErr error

	finalized  []models.Evaluation
	expired    []string
	setStarts  []float64
	increments int
}

func (s *memStore) Prediction(_ context.Context, id string) (*models.Prediction, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.prediction == nil || s.prediction.ID != id {
		return nil, models.ErrNotFound
	}
	cp := *s.prediction
	return &cp, nil
}

func (s *memStore) SetPriceStart(_ context.Context, _ string, price float64) error {
	if s.setStartErr != nil {
		return s.setStartErr
	}
	s.setStarts = append(s.setStarts, price)
	s.prediction.PriceStart = &price
	return nil
}

func (s *memStore) IncrementAttempts(_ context.Context, _ string) (int, error) {
	if s.incrementErr != nil {
		return 0, s.incrementErr
	}
	s.increments++
	s.prediction.Attempts++
	return s.prediction.Attempts, nil
}

func (s *memStore) MarkExpired(_ context.Context, id string) error {
	s.expired = append(s.expired, id)
	s.prediction.Status = models.StatusExpired
	s.prediction.Result = models.ResultPending
	return nil
}

func (s *memStore) FinalizeEvaluation(_ context.Context, ev models.Evaluation) error {
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	s.finalized = append(s.finalized, ev)
	s.prediction.Status = models.StatusEvaluated
	s.prediction.Result = ev.Result
	return nil
}

// priceOracle serves boundary prices from a script: one response per call,
// keyed by boundary.
type priceOracle struct {
	start []priceResp
	end   []priceResp
}

type priceResp struct {
	price float64
	err   error
}

func (o *priceOracle) PriceAt(_ context.Context, _ string, _ time.Time, b models.Boundary) (float64, error) {
	var script *[]priceResp
	if b == models.BoundaryStart {
		script = &o.start
	} else {
		script = &o.end
	}
	if len(*script) == 0 {
		return 0, errors.New("oracle script exhausted")
	}
	resp := (*script)[0]
	*script = (*script)[1:]
	return resp.price, resp.err
}

type fixedScorer struct {
	correct   int
	incorrect int
}

func (s fixedScorer) Points(_ context.Context, _ models.Duration, _ int, correct bool) int {
	if correct {
		return s.correct
	}
	return s.incorrect
}

type recordingNotifier struct {
	events []models.EvaluationEvent
	err    error
}

func (n *recordingNotifier) PredictionEvaluated(_ context.Context, ev models.EvaluationEvent) error {
	n.events = append(n.events, ev)
	return n.err
}

func newEvaluator(st Store, o Oracle, n Notifier) *Evaluator {
	return New(st, o, fixedScorer{correct: 98, incorrect: -25}, n, nil, Options{
		PriceRetryDelay: 2 * time.Minute,
		RetryBaseDelay:  30 * time.Second,
		RetryMaxDelay:   30 * time.Minute,
		MaxAttempts:     6,
	})
}

func TestEvaluateCorrectUp(t *testing.T) {
	st := &memStore{prediction: activePrediction()}
	o := &priceOracle{
		start: []priceResp{{price: 100}},
		end:   []priceResp{{price: 105}},
	}
	n := &recordingNotifier{}

	err := newEvaluator(st, o, n).Evaluate(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, st.finalized, 1)
	ev := st.finalized[0]
	assert.Equal(t, models.ResultCorrect, ev.Result)
	assert.Equal(t, 98, ev.Points)
	assert.Equal(t, float64(100), ev.PriceStart)
	assert.Equal(t, float64(105), ev.PriceEnd)
	assert.Equal(t, []float64{100}, st.setStarts, "start price must be persisted")

	require.Len(t, n.events, 1)
	assert.Equal(t, models.ResultCorrect, n.events[0].Result)
	assert.Equal(t, "u1", n.events[0].UserID)
}

func TestEvaluateDirectionOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		direction models.Direction
		start     float64
		end       float64
		want      models.Result
	}{
		{"up and price rose", models.DirectionUp, 100, 105, models.ResultCorrect},
		{"up but price fell", models.DirectionUp, 100, 95, models.ResultIncorrect},
		{"down and price fell", models.DirectionDown, 100, 95, models.ResultCorrect},
		{"down but price rose", models.DirectionDown, 100, 105, models.ResultIncorrect},
		{"unchanged price loses for up", models.DirectionUp, 100, 100, models.ResultIncorrect},
		{"unchanged price loses for down", models.DirectionDown, 100, 100, models.ResultIncorrect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activePrediction()
			p.Direction = tt.direction
			st := &memStore{prediction: p}
			o := &priceOracle{
				start: []priceResp{{price: tt.start}},
				end:   []priceResp{{price: tt.end}},
			}

			err := newEvaluator(st, o, nil).Evaluate(context.Background(), "p1")
			require.NoError(t, err)
			require.Len(t, st.finalized, 1)
			assert.Equal(t, tt.want, st.finalized[0].Result)
			if tt.want == models.ResultIncorrect {
				assert.Equal(t, -25, st.finalized[0].Points)
			}
		})
	}
}

func TestEvaluateMissingPriceRequeuesWithoutBudget(t *testing.T) {
	st := &memStore{prediction: activePrediction()}
	o := &priceOracle{
		// Start resolves; the end boundary misses twice before resolving.
		start: []priceResp{{price: 100}},
		end: []priceResp{
			{err: models.ErrPriceUnavailable},
			{err: models.ErrPriceUnavailable},
			{price: 105},
		},
	}
	eval := newEvaluator(st, o, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := eval.Evaluate(ctx, "p1")
		var rq *queue.RequeueError
		require.ErrorAs(t, err, &rq, "run %d must requeue", i+1)
		assert.Equal(t, 2*time.Minute, rq.After)
		assert.ErrorIs(t, rq, models.ErrPriceUnavailable)
	}
	assert.Zero(t, st.increments, "missing prices must not consume the retry budget")

	// The start price survives requeues: the oracle's start script is spent
	// after the first run.
	require.NoError(t, eval.Evaluate(ctx, "p1"))
	require.Len(t, st.finalized, 1)
	assert.Equal(t, models.ResultCorrect, st.finalized[0].Result)
}

func TestEvaluateTransientBackoff(t *testing.T) {
	st := &memStore{prediction: activePrediction()}
	st.finalizeErr = errors.New("deadlock detected")
	o := &priceOracle{
		start: []priceResp{{price: 100}},
		end:   []priceResp{{price: 105}},
	}

	err := newEvaluator(st, o, nil).Evaluate(context.Background(), "p1")
	var rq *queue.RequeueError
	require.ErrorAs(t, err, &rq)
	assert.Equal(t, 1, st.increments)
	// attempts=1 after the increment, so the delay is base<<1.
	assert.Equal(t, time.Minute, rq.After)
}

func TestEvaluateBackoffCapped(t *testing.T) {
	p := activePrediction()
	p.Attempts = 4
	st := &memStore{prediction: p, finalizeErr: errors.New("deadlock detected")}
	o := &priceOracle{
		start: []priceResp{{price: 100}},
		end:   []priceResp{{price: 105}},
	}

	err := newEvaluator(st, o, nil).Evaluate(context.Background(), "p1")
	var rq *queue.RequeueError
	require.ErrorAs(t, err, &rq)
	// base<<5 = 16m fits; a later attempt would exceed the 30m cap.
	assert.Equal(t, 16*time.Minute, rq.After)
}

func TestEvaluateBudgetExhaustedParksRecord(t *testing.T) {
	st := &memStore{prediction: activePrediction()}
	st.finalizeErr = errors.New("deadlock detected")
	o := &priceOracle{start: []priceResp{{price: 100}}}
	for i := 0; i < 6; i++ {
		o.start = append(o.start, priceResp{price: 100})
		o.end = append(o.end, priceResp{price: 105})
	}
	eval := newEvaluator(st, o, nil)
	ctx := context.Background()

	// Five failed runs consume attempts 1..5 and requeue each time.
	for i := 0; i < 5; i++ {
		err := eval.Evaluate(ctx, "p1")
		var rq *queue.RequeueError
		require.ErrorAs(t, err, &rq, "run %d", i+1)
	}

	// The sixth failure exhausts the budget: parked, no further requeue.
	require.NoError(t, eval.Evaluate(ctx, "p1"))
	assert.Equal(t, []string{"p1"}, st.expired)
	assert.Equal(t, models.StatusExpired, st.prediction.Status)
	assert.Equal(t, models.ResultPending, st.prediction.Result)
	assert.Equal(t, 6, st.increments)

	// A stray re-delivery after parking is a no-op.
	require.NoError(t, eval.Evaluate(ctx, "p1"))
	assert.Equal(t, 6, st.increments)
}

func TestEvaluateAlreadyTerminalIsNoOp(t *testing.T) {
	p := activePrediction()
	p.Status = models.StatusEvaluated
	st := &memStore{prediction: p}
	o := &priceOracle{} // any oracle call would fail the scripted fake

	require.NoError(t, newEvaluator(st, o, nil).Evaluate(context.Background(), "p1"))
	assert.Empty(t, st.finalized)
}

func TestEvaluateMissingPredictionIsNoOp(t *testing.T) {
	st := &memStore{}
	require.NoError(t, newEvaluator(st, &priceOracle{}, nil).Evaluate(context.Background(), "ghost"))
}

func TestEvaluateFinalizeRaceLost(t *testing.T) {
	st := &memStore{prediction: activePrediction(), finalizeErr: models.ErrAlreadyTerminal}
	o := &priceOracle{
		start: []priceResp{{price: 100}},
		end:   []priceResp{{price: 105}},
	}

	require.NoError(t, newEvaluator(st, o, nil).Evaluate(context.Background(), "p1"))
	assert.Zero(t, st.increments)
}

func TestEvaluateNotifierFailureIsSwallowed(t *testing.T) {
	st := &memStore{prediction: activePrediction()}
	o := &priceOracle{
		start: []priceResp{{price: 100}},
		end:   []priceResp{{price: 105}},
	}
	n := &recordingNotifier{err: errors.New("telegram down")}

	require.NoError(t, newEvaluator(st, o, n).Evaluate(context.Background(), "p1"))
	require.Len(t, st.finalized, 1, "the evaluation must commit regardless of delivery")
}

func TestEvaluateReusesPersistedStartPrice(t *testing.T) {
	p := activePrediction()
	start := 100.0
	p.PriceStart = &start
	st := &memStore{prediction: p}
	// No start response scripted: a start lookup would fail the test.
	o := &priceOracle{end: []priceResp{{price: 95}}}

	require.NoError(t, newEvaluator(st, o, nil).Evaluate(context.Background(), "p1"))
	require.Len(t, st.finalized, 1)
	assert.Equal(t, models.ResultIncorrect, st.finalized[0].Result)
	assert.Empty(t, st.setStarts)
}

func TestHandlerRejectsForeignJobs(t *testing.T) {
	eval := newEvaluator(&memStore{}, &priceOracle{}, nil)
	err := eval.Handler()(context.Background(), queue.Job{Type: queue.TypeSweep})
	assert.Error(t, err)
}

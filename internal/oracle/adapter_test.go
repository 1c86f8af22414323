package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricepulse/pricepulse/models"
)

type fakeSamples struct {
	exact   map[string]*models.PriceSample // keyed by RFC3339 timestamp
	nearest *models.PriceSample

	exactErr   error
	nearestErr error
	insertErr  error

	nearestFrom time.Time
	nearestTo   time.Time
	inserted    []models.PriceSample
}

func (f *fakeSamples) SampleAt(_ context.Context, _ string, ts time.Time) (*models.PriceSample, error) {
	if f.exactErr != nil {
		return nil, f.exactErr
	}
	return f.exact[ts.Format(time.RFC3339)], nil
}

func (f *fakeSamples) NearestSample(_ context.Context, _ string, _, from, to time.Time) (*models.PriceSample, error) {
	f.nearestFrom, f.nearestTo = from, to
	if f.nearestErr != nil {
		return nil, f.nearestErr
	}
	return f.nearest, nil
}

func (f *fakeSamples) InsertSample(_ context.Context, s models.PriceSample) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, s)
	return nil
}

type fakeSource struct {
	sample models.PriceSample
	err    error
	calls  int
}

func (f *fakeSource) Quote(_ context.Context, _ string, _ time.Time) (models.PriceSample, error) {
	f.calls++
	if f.err != nil {
		return models.PriceSample{}, f.err
	}
	return f.sample, nil
}

var boundaryTarget = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func TestPriceAtExactSample(t *testing.T) {
	samples := &fakeSamples{exact: map[string]*models.PriceSample{
		boundaryTarget.Format(time.RFC3339): {AssetID: "BTC/USD", Price: 101.5, Timestamp: boundaryTarget},
	}}
	source := &fakeSource{}
	adapter := New(samples, source, DefaultTolerance)

	price, err := adapter.PriceAt(context.Background(), "BTC/USD", boundaryTarget, models.BoundaryStart)
	require.NoError(t, err)
	assert.Equal(t, 101.5, price)
	assert.Zero(t, source.calls, "an exact hit must not reach the live feed")
}

func TestPriceAtNearestWindow(t *testing.T) {
	tests := []struct {
		name     string
		boundary models.Boundary
		wantFrom time.Time
		wantTo   time.Time
	}{
		{
			name:     "start boundary only looks backwards",
			boundary: models.BoundaryStart,
			wantFrom: boundaryTarget.Add(-DefaultTolerance),
			wantTo:   boundaryTarget,
		},
		{
			name:     "end boundary only looks forwards",
			boundary: models.BoundaryEnd,
			wantFrom: boundaryTarget,
			wantTo:   boundaryTarget.Add(DefaultTolerance),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := &fakeSamples{nearest: &models.PriceSample{AssetID: "BTC/USD", Price: 99.25}}
			source := &fakeSource{}
			adapter := New(samples, source, DefaultTolerance)

			price, err := adapter.PriceAt(context.Background(), "BTC/USD", boundaryTarget, tt.boundary)
			require.NoError(t, err)
			assert.Equal(t, 99.25, price)
			assert.True(t, samples.nearestFrom.Equal(tt.wantFrom), "from %s != %s", samples.nearestFrom, tt.wantFrom)
			assert.True(t, samples.nearestTo.Equal(tt.wantTo), "to %s != %s", samples.nearestTo, tt.wantTo)
			assert.Zero(t, source.calls)
		})
	}
}

func TestPriceAtLiveFetchPersists(t *testing.T) {
	samples := &fakeSamples{}
	source := &fakeSource{sample: models.PriceSample{
		AssetID:   "BTC/USD",
		Source:    "twelvedata",
		Timestamp: boundaryTarget,
		Price:     102.75,
	}}
	adapter := New(samples, source, DefaultTolerance)

	price, err := adapter.PriceAt(context.Background(), "BTC/USD", boundaryTarget, models.BoundaryEnd)
	require.NoError(t, err)
	assert.Equal(t, 102.75, price)
	require.Len(t, samples.inserted, 1)
	assert.Equal(t, 102.75, samples.inserted[0].Price)
}

func TestPriceAtLiveFetchPersistFailureIsNotFatal(t *testing.T) {
	samples := &fakeSamples{insertErr: errors.New("db down")}
	source := &fakeSource{sample: models.PriceSample{Price: 102.75}}
	adapter := New(samples, source, DefaultTolerance)

	price, err := adapter.PriceAt(context.Background(), "BTC/USD", boundaryTarget, models.BoundaryEnd)
	require.NoError(t, err)
	assert.Equal(t, 102.75, price)
}

func TestPriceAtUnavailable(t *testing.T) {
	samples := &fakeSamples{}
	source := &fakeSource{err: errors.New("upstream 502")}
	adapter := New(samples, source, DefaultTolerance)

	_, err := adapter.PriceAt(context.Background(), "BTC/USD", boundaryTarget, models.BoundaryStart)
	assert.ErrorIs(t, err, models.ErrPriceUnavailable)
}

func TestPriceAtStoreErrorsDegradeToNextTier(t *testing.T) {
	samples := &fakeSamples{
		exactErr:   errors.New("db down"),
		nearestErr: errors.New("db down"),
	}
	source := &fakeSource{sample: models.PriceSample{Price: 100}}
	adapter := New(samples, source, DefaultTolerance)

	price, err := adapter.PriceAt(context.Background(), "BTC/USD", boundaryTarget, models.BoundaryStart)
	require.NoError(t, err)
	assert.Equal(t, float64(100), price)
	assert.Equal(t, 1, source.calls)
}

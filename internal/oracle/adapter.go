// Package oracle resolves the best-known asset price at a slot boundary
// under uncertain external data availability. Lookups fall through a
// layered chain: exact stored sample, nearest sample within a tight
// tolerance window, live fetch. When everything fails the caller gets
// ErrPriceUnavailable; a price is never synthesized.
package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/models"
)

// DefaultTolerance bounds how far from a boundary a stored sample may be
// and still stand in for it. Intentionally tight: the window trades a
// little timing precision for availability.
const DefaultTolerance = 3 * time.Minute

// SampleStore is the persisted price-sample lookup the adapter reads
// through. SampleAt and NearestSample return nil (no error) on a miss.
type SampleStore interface {
	SampleAt(ctx context.Context, assetID string, ts time.Time) (*models.PriceSample, error)
	NearestSample(ctx context.Context, assetID string, target, from, to time.Time) (*models.PriceSample, error)
	InsertSample(ctx context.Context, sample models.PriceSample) error
}

// Source is the live external price feed, the costly last resort.
type Source interface {
	Quote(ctx context.Context, assetID string, at time.Time) (models.PriceSample, error)
}

// Adapter is the layered price resolver.
type Adapter struct {
	samples   SampleStore
	source    Source
	tolerance time.Duration
	logger    zerolog.Logger
}

// New creates an Adapter. A non-positive tolerance falls back to
// DefaultTolerance.
func New(samples SampleStore, source Source, tolerance time.Duration) *Adapter {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Adapter{
		samples:   samples,
		source:    source,
		tolerance: tolerance,
		logger:    log.With().Str("component", "price_oracle").Logger(),
	}
}

// PriceAt returns the best-known price for assetID at target. The boundary
// shapes the tolerance window asymmetrically, away from the slot interior:
// a start boundary only accepts samples at or before target, an end
// boundary only at or after, so pre/post-window noise never leaks in.
func (a *Adapter) PriceAt(ctx context.Context, assetID string, target time.Time, boundary models.Boundary) (float64, error) {
	// Tier 1: exact stored sample.
	exact, err := a.samples.SampleAt(ctx, assetID, target)
	if err != nil {
		a.logger.Warn().Err(err).Str("asset", assetID).Msg("exact sample lookup failed")
	} else if exact != nil {
		return exact.Price, nil
	}

	// Tier 2: nearest sample within the tolerance window.
	from, to := target.Add(-a.tolerance), target
	if boundary == models.BoundaryEnd {
		from, to = target, target.Add(a.tolerance)
	}
	nearest, err := a.samples.NearestSample(ctx, assetID, target, from, to)
	if err != nil {
		a.logger.Warn().Err(err).Str("asset", assetID).Msg("nearest sample lookup failed")
	} else if nearest != nil {
		return nearest.Price, nil
	}

	// Tier 3: live fetch, persisted for future reuse.
	sample, err := a.source.Quote(ctx, assetID, target)
	if err != nil {
		a.logger.Debug().Err(err).
			Str("asset", assetID).
			Time("target", target).
			Msg("live fetch failed, price unavailable")
		return 0, fmt.Errorf("%w: %s at %s", models.ErrPriceUnavailable, assetID, target.Format(time.RFC3339))
	}
	if err := a.samples.InsertSample(ctx, sample); err != nil {
		// Persisting is a best-effort side effect; the price is still good.
		a.logger.Warn().Err(err).Str("asset", assetID).Msg("persisting live sample failed")
	}
	return sample.Price, nil
}

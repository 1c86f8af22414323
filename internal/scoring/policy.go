// Package scoring maps (duration, slot position, correctness) to a point
// delta. Correct predictions earn a per-duration base that decays with slot
// position; incorrect predictions lose a flat per-duration penalty so late,
// low-risk slots cannot be gamed.
package scoring

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/pricepulse/pricepulse/models"
)

// minPoints floors slot decay so a correct prediction never earns less.
const minPoints = 10

// fallbackPoints is used when neither an override nor a configured default
// can be resolved. Lookup failure never propagates as an error.
const (
	fallbackPoints  = 50
	fallbackPenalty = 25
)

// DurationScore configures scoring for one duration class.
type DurationScore struct {
	Base      int `yaml:"base"`       // points for a correct slot-1 prediction
	SlotDecay int `yaml:"slot_decay"` // points removed per later slot position
	Penalty   int `yaml:"penalty"`    // flat loss for an incorrect prediction
}

// Defaults is the configured scoring table, overridable per deployment via
// a YAML file and per (duration, slot) via the admin override table.
type Defaults struct {
	Durations map[models.Duration]DurationScore `yaml:"durations"`
}

// BuiltinDefaults returns the scoring table compiled into the binary.
// Longer horizons pay more; decay keeps early (riskier) slots ahead.
func BuiltinDefaults() Defaults {
	return Defaults{Durations: map[models.Duration]DurationScore{
		models.Duration1H:  {Base: 100, SlotDecay: 2, Penalty: 25},
		models.Duration3H:  {Base: 120, SlotDecay: 3, Penalty: 30},
		models.Duration6H:  {Base: 150, SlotDecay: 5, Penalty: 35},
		models.Duration24H: {Base: 200, SlotDecay: 10, Penalty: 40},
		models.Duration48H: {Base: 250, SlotDecay: 15, Penalty: 50},
		models.Duration1W:  {Base: 300, SlotDecay: 2, Penalty: 60},
		models.Duration1M:  {Base: 400, SlotDecay: 10, Penalty: 75},
		models.Duration3M:  {Base: 500, SlotDecay: 30, Penalty: 90},
		models.Duration6M:  {Base: 600, SlotDecay: 50, Penalty: 100},
		models.Duration1Y:  {Base: 800, SlotDecay: 0, Penalty: 120},
	}}
}

// LoadDefaults reads a YAML scoring table, merged over the builtin one so a
// partial file only replaces the durations it names.
func LoadDefaults(path string) (Defaults, error) {
	defaults := BuiltinDefaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return defaults, fmt.Errorf("reading scoring config: %w", err)
	}
	var file Defaults
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return defaults, fmt.Errorf("parsing scoring config: %w", err)
	}
	for d, ds := range file.Durations {
		if !d.Valid() {
			return defaults, fmt.Errorf("%w: %q in scoring config", models.ErrInvalidDuration, d)
		}
		defaults.Durations[d] = ds
	}
	return defaults, nil
}

// OverrideSource supplies admin point/penalty overrides. A row with slot
// number 0 carries the duration-wide penalty. Implementations return nil
// (no error) when no override exists.
type OverrideSource interface {
	SlotOverride(ctx context.Context, d models.Duration, number int) (*models.SlotOverride, error)
}

// Policy is the scoring policy. All lookups degrade to defaults; Points
// never fails.
type Policy struct {
	overrides OverrideSource
	defaults  Defaults
	logger    zerolog.Logger
}

// New creates a Policy. overrides may be nil.
func New(overrides OverrideSource, defaults Defaults) *Policy {
	return &Policy{
		overrides: overrides,
		defaults:  defaults,
		logger:    log.With().Str("component", "scoring_policy").Logger(),
	}
}

// Points returns the point delta for one evaluated prediction. Positive for
// correct predictions, negative for incorrect ones.
func (p *Policy) Points(ctx context.Context, d models.Duration, slotNumber int, correct bool) int {
	if correct {
		return p.basePoints(ctx, d, slotNumber)
	}
	return p.Penalty(ctx, d)
}

// Penalty returns the (negative) delta applied to any incorrect prediction
// of the given duration, independent of slot position.
func (p *Policy) Penalty(ctx context.Context, d models.Duration) int {
	if ov := p.override(ctx, d, 0); ov != nil && ov.Penalty != nil {
		return -*ov.Penalty
	}
	if ds, ok := p.defaults.Durations[d]; ok {
		return -ds.Penalty
	}
	return -fallbackPenalty
}

func (p *Policy) basePoints(ctx context.Context, d models.Duration, slotNumber int) int {
	if ov := p.override(ctx, d, slotNumber); ov != nil && ov.Points != nil {
		return *ov.Points
	}
	ds, ok := p.defaults.Durations[d]
	if !ok {
		return fallbackPoints
	}
	pts := ds.Base - ds.SlotDecay*(slotNumber-1)
	if pts < minPoints {
		pts = minPoints
	}
	return pts
}

func (p *Policy) override(ctx context.Context, d models.Duration, number int) *models.SlotOverride {
	if p.overrides == nil {
		return nil
	}
	ov, err := p.overrides.SlotOverride(ctx, d, number)
	if err != nil {
		p.logger.Warn().Err(err).
			Str("duration", string(d)).
			Int("slot", number).
			Msg("score override lookup failed, using defaults")
		return nil
	}
	return ov
}

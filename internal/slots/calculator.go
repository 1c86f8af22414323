// Package slots partitions calendar time into the per-duration slot windows
// predictions are submitted against. Short-class durations tile an
// origin-anchored timeline with equal windows; long-class durations follow
// calendar boundaries in a single reference timezone, so every asset and
// user sees identical slot edges.
package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricepulse/pricepulse/models"
)

// originYear anchors the short-class timeline. 2024-01-01 is a Monday, so
// day, week and fortnight cycles all align with their calendar anchors.
const originYear = 2024

// OverrideSource supplies admin-configured slot overrides. Implementations
// return nil (no error) when no override exists.
type OverrideSource interface {
	SlotOverride(ctx context.Context, d models.Duration, number int) (*models.SlotOverride, error)
	DurationOverrides(ctx context.Context, d models.Duration) ([]models.SlotOverride, error)
}

// Calculator derives slots from calendar time, consulting an override table
// before falling back to the computed defaults. It trusts the provided
// reference instant; clock skew is not compensated.
type Calculator struct {
	overrides OverrideSource
	loc       *time.Location
	lock      time.Duration
	logger    zerolog.Logger
}

// New creates a Calculator. overrides may be nil, in which case only
// computed slots are returned. lock is the window before a slot's end during
// which new submissions are rejected.
func New(overrides OverrideSource, loc *time.Location, lock time.Duration) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{
		overrides: overrides,
		loc:       loc,
		lock:      lock,
		logger:    log.With().Str("component", "slot_calculator").Logger(),
	}
}

func (c *Calculator) origin() time.Time {
	return time.Date(originYear, 1, 1, 0, 0, 0, 0, c.loc)
}

// ActiveSlot returns the slot of d whose [start, end) window contains now.
func (c *Calculator) ActiveSlot(ctx context.Context, d models.Duration, now time.Time) (models.Slot, error) {
	if !d.Valid() {
		return models.Slot{}, fmt.Errorf("%w: %q", models.ErrInvalidDuration, d)
	}
	now = now.In(c.loc)

	var slot models.Slot
	if d.Short() {
		s, err := c.shortSlot(d, now)
		if err != nil {
			return models.Slot{}, err
		}
		slot = s
	} else {
		slot = c.longSlot(d, now)
	}

	return c.applyOverride(ctx, slot), nil
}

// AllSlots returns the ordered slot set of the cycle containing now:
// the current day/week/fortnight for short classes, the current calendar
// year for long classes. The result is deterministic and recomputable.
func (c *Calculator) AllSlots(ctx context.Context, d models.Duration, now time.Time) ([]models.Slot, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDuration, d)
	}
	now = now.In(c.loc)

	var out []models.Slot
	if d.Short() {
		org := c.origin()
		if now.Before(org) {
			return nil, fmt.Errorf("%w: no slots before the timeline origin", models.ErrNotFound)
		}
		win := d.WindowLength()
		spc := d.SlotsPerCycle()
		cycleLen := win * time.Duration(spc)
		idx := floorDiv(now.Sub(org), cycleLen)
		cycleStart := org.Add(time.Duration(idx) * cycleLen)
		for i := 0; i < spc; i++ {
			out = append(out, models.Slot{
				Duration: d,
				Number:   i + 1,
				Start:    cycleStart.Add(time.Duration(i) * win),
				End:      cycleStart.Add(time.Duration(i+1) * win),
			})
		}
	} else {
		out = c.longCycle(d, now)
	}

	if c.overrides != nil {
		ovs, err := c.overrides.DurationOverrides(ctx, d)
		if err != nil {
			c.logger.Warn().Err(err).Str("duration", string(d)).Msg("override lookup failed, using computed slots")
		} else {
			patchSlots(out, ovs)
		}
	}
	return out, nil
}

// SlotByNumber returns the slot of d with the given 1-based number within
// the cycle containing now.
func (c *Calculator) SlotByNumber(ctx context.Context, d models.Duration, number int, now time.Time) (models.Slot, error) {
	all, err := c.AllSlots(ctx, d, now)
	if err != nil {
		return models.Slot{}, err
	}
	if number < 1 || number > len(all) {
		return models.Slot{}, fmt.Errorf("%w: slot %d out of range for %s", models.ErrInvalidSlot, number, d)
	}
	return all[number-1], nil
}

// ValidateSelection checks that the slot is still open for new submissions:
// now must be before the slot's end minus the configured lock window.
// On success it returns the selected slot.
func (c *Calculator) ValidateSelection(ctx context.Context, d models.Duration, number int, now time.Time) (models.Slot, error) {
	slot, err := c.SlotByNumber(ctx, d, number, now)
	if err != nil {
		return models.Slot{}, err
	}
	now = now.In(c.loc)
	if !now.Before(slot.End) {
		return models.Slot{}, fmt.Errorf("%w: slot %d of %s already closed", models.ErrInvalidSlot, number, d)
	}
	if !now.Before(slot.End.Add(-c.lock)) {
		return models.Slot{}, fmt.Errorf("%w: slot %d of %s is locked for late submissions", models.ErrInvalidSlot, number, d)
	}
	return slot, nil
}

func (c *Calculator) shortSlot(d models.Duration, now time.Time) (models.Slot, error) {
	org := c.origin()
	if now.Before(org) {
		return models.Slot{}, fmt.Errorf("%w: no slot before the timeline origin", models.ErrNotFound)
	}
	win := d.WindowLength()
	idx := floorDiv(now.Sub(org), win)
	start := org.Add(time.Duration(idx) * win)
	return models.Slot{
		Duration: d,
		Number:   int(idx%int64(d.SlotsPerCycle())) + 1,
		Start:    start,
		End:      start.Add(win),
	}, nil
}

func (c *Calculator) longSlot(d models.Duration, now time.Time) models.Slot {
	y, m, day := now.Date()
	switch d {
	case models.Duration1W:
		// Monday-anchored week; numbered by ISO week within the ISO year.
		offset := (int(now.Weekday()) + 6) % 7
		start := time.Date(y, m, day-offset, 0, 0, 0, 0, c.loc)
		_, week := now.ISOWeek()
		return models.Slot{Duration: d, Number: week, Start: start, End: start.AddDate(0, 0, 7)}
	case models.Duration1M:
		start := time.Date(y, m, 1, 0, 0, 0, 0, c.loc)
		return models.Slot{Duration: d, Number: int(m), Start: start, End: start.AddDate(0, 1, 0)}
	case models.Duration3M:
		q := (int(m) - 1) / 3
		start := time.Date(y, time.Month(q*3+1), 1, 0, 0, 0, 0, c.loc)
		return models.Slot{Duration: d, Number: q + 1, Start: start, End: start.AddDate(0, 3, 0)}
	case models.Duration6M:
		h := (int(m) - 1) / 6
		start := time.Date(y, time.Month(h*6+1), 1, 0, 0, 0, 0, c.loc)
		return models.Slot{Duration: d, Number: h + 1, Start: start, End: start.AddDate(0, 6, 0)}
	default: // Duration1Y
		start := time.Date(y, 1, 1, 0, 0, 0, 0, c.loc)
		return models.Slot{Duration: d, Number: 1, Start: start, End: start.AddDate(1, 0, 0)}
	}
}

func (c *Calculator) longCycle(d models.Duration, now time.Time) []models.Slot {
	var out []models.Slot
	switch d {
	case models.Duration1W:
		isoYear, _ := now.ISOWeek()
		first := firstISOMonday(isoYear, c.loc)
		weeks := weeksInISOYear(isoYear, c.loc)
		for i := 0; i < weeks; i++ {
			start := first.AddDate(0, 0, 7*i)
			out = append(out, models.Slot{Duration: d, Number: i + 1, Start: start, End: start.AddDate(0, 0, 7)})
		}
	case models.Duration1M:
		for i := 0; i < 12; i++ {
			start := time.Date(now.Year(), time.Month(i+1), 1, 0, 0, 0, 0, c.loc)
			out = append(out, models.Slot{Duration: d, Number: i + 1, Start: start, End: start.AddDate(0, 1, 0)})
		}
	case models.Duration3M:
		for i := 0; i < 4; i++ {
			start := time.Date(now.Year(), time.Month(i*3+1), 1, 0, 0, 0, 0, c.loc)
			out = append(out, models.Slot{Duration: d, Number: i + 1, Start: start, End: start.AddDate(0, 3, 0)})
		}
	case models.Duration6M:
		for i := 0; i < 2; i++ {
			start := time.Date(now.Year(), time.Month(i*6+1), 1, 0, 0, 0, 0, c.loc)
			out = append(out, models.Slot{Duration: d, Number: i + 1, Start: start, End: start.AddDate(0, 6, 0)})
		}
	default: // Duration1Y
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, c.loc)
		out = append(out, models.Slot{Duration: d, Number: 1, Start: start, End: start.AddDate(1, 0, 0)})
	}
	return out
}

func (c *Calculator) applyOverride(ctx context.Context, slot models.Slot) models.Slot {
	if c.overrides == nil {
		return slot
	}
	ov, err := c.overrides.SlotOverride(ctx, slot.Duration, slot.Number)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("duration", string(slot.Duration)).
			Int("slot", slot.Number).
			Msg("override lookup failed, using computed slot")
		return slot
	}
	if ov == nil {
		return slot
	}
	if ov.StartsAt != nil {
		slot.Start = ov.StartsAt.In(c.loc)
	}
	if ov.EndsAt != nil {
		slot.End = ov.EndsAt.In(c.loc)
	}
	return slot
}

func patchSlots(slots []models.Slot, ovs []models.SlotOverride) {
	byNumber := make(map[int]models.SlotOverride, len(ovs))
	for _, ov := range ovs {
		byNumber[ov.SlotNumber] = ov
	}
	for i := range slots {
		ov, ok := byNumber[slots[i].Number]
		if !ok {
			continue
		}
		if ov.StartsAt != nil {
			slots[i].Start = *ov.StartsAt
		}
		if ov.EndsAt != nil {
			slots[i].End = *ov.EndsAt
		}
	}
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b time.Duration) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return int64(q)
}

// firstISOMonday returns the Monday starting ISO week 1 of the given year.
func firstISOMonday(isoYear int, loc *time.Location) time.Time {
	jan4 := time.Date(isoYear, 1, 4, 0, 0, 0, 0, loc)
	offset := (int(jan4.Weekday()) + 6) % 7
	return time.Date(isoYear, 1, 4-offset, 0, 0, 0, 0, loc)
}

// weeksInISOYear returns 52 or 53 depending on the year.
func weeksInISOYear(isoYear int, loc *time.Location) int {
	// Dec 28 always falls in the last ISO week of its year.
	_, w := time.Date(isoYear, 12, 28, 0, 0, 0, 0, loc).ISOWeek()
	return w
}

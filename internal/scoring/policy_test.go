package scoring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricepulse/pricepulse/models"
)

type fakeScoreOverrides struct {
	rows map[models.Duration]map[int]models.SlotOverride
	err  error
}

func (f *fakeScoreOverrides) SlotOverride(_ context.Context, d models.Duration, number int) (*models.SlotOverride, error) {
	if f.err != nil {
		return nil, f.err
	}
	if byNum, ok := f.rows[d]; ok {
		if ov, ok := byNum[number]; ok {
			return &ov, nil
		}
	}
	return nil, nil
}

func intPtr(v int) *int { return &v }

func TestPointsCorrect(t *testing.T) {
	policy := New(nil, BuiltinDefaults())
	ctx := context.Background()

	tests := []struct {
		name     string
		duration models.Duration
		slot     int
		want     int
	}{
		{"first slot earns the base", models.Duration24H, 1, 200},
		{"later slots decay", models.Duration24H, 4, 170},
		{"hourly slot twelve", models.Duration1H, 12, 78},
		{"no decay for the yearly class", models.Duration1Y, 1, 800},
		{"half-year second slot", models.Duration6M, 2, 550},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Points(ctx, tt.duration, tt.slot, true))
		})
	}
}

func TestPointsFloor(t *testing.T) {
	defaults := Defaults{Durations: map[models.Duration]DurationScore{
		models.Duration1H: {Base: 20, SlotDecay: 5, Penalty: 10},
	}}
	policy := New(nil, defaults)

	// Base 20, decay 5: slot 4 would compute to 5, below the floor.
	assert.Equal(t, minPoints, policy.Points(context.Background(), models.Duration1H, 4, true))
}

func TestPointsIncorrectIgnoresSlot(t *testing.T) {
	policy := New(nil, BuiltinDefaults())
	ctx := context.Background()

	for _, d := range models.AllDurations() {
		first := policy.Points(ctx, d, 1, false)
		late := policy.Points(ctx, d, 7, false)
		assert.Equal(t, first, late, "penalty for %s must not depend on slot position", d)
		assert.Negative(t, first)
		assert.Equal(t, policy.Penalty(ctx, d), first)
	}
}

func TestPointsUnknownDurationFallsBack(t *testing.T) {
	policy := New(nil, Defaults{Durations: map[models.Duration]DurationScore{}})
	ctx := context.Background()

	assert.Equal(t, fallbackPoints, policy.Points(ctx, models.Duration1H, 1, true))
	assert.Equal(t, -fallbackPenalty, policy.Points(ctx, models.Duration1H, 1, false))
}

func TestPointsOverride(t *testing.T) {
	overrides := &fakeScoreOverrides{rows: map[models.Duration]map[int]models.SlotOverride{
		models.Duration24H: {
			2: {Duration: models.Duration24H, SlotNumber: 2, Points: intPtr(500)},
			0: {Duration: models.Duration24H, SlotNumber: 0, Penalty: intPtr(99)},
		},
	}}
	policy := New(overrides, BuiltinDefaults())
	ctx := context.Background()

	assert.Equal(t, 500, policy.Points(ctx, models.Duration24H, 2, true))
	// Slots without an override keep the configured defaults.
	assert.Equal(t, 200, policy.Points(ctx, models.Duration24H, 1, true))
	// The slot-zero row carries the duration-wide penalty.
	assert.Equal(t, -99, policy.Points(ctx, models.Duration24H, 5, false))
}

func TestPointsOverrideLookupFailureDegrades(t *testing.T) {
	overrides := &fakeScoreOverrides{err: errors.New("db down")}
	policy := New(overrides, BuiltinDefaults())
	ctx := context.Background()

	assert.Equal(t, 200, policy.Points(ctx, models.Duration24H, 1, true))
	assert.Equal(t, -40, policy.Points(ctx, models.Duration24H, 1, false))
}

func TestLoadDefaultsMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoring.yaml")
	content := "durations:\n  1h:\n    base: 10\n    slot_decay: 1\n    penalty: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defaults, err := LoadDefaults(path)
	require.NoError(t, err)

	assert.Equal(t, DurationScore{Base: 10, SlotDecay: 1, Penalty: 5}, defaults.Durations[models.Duration1H])
	// Durations the file does not name keep the builtin values.
	assert.Equal(t, BuiltinDefaults().Durations[models.Duration24H], defaults.Durations[models.Duration24H])
}

func TestLoadDefaultsRejectsUnknownDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoring.yaml")
	content := "durations:\n  2h:\n    base: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadDefaults(path)
	assert.ErrorIs(t, err, models.ErrInvalidDuration)
}

func TestLoadDefaultsMissingFile(t *testing.T) {
	_, err := LoadDefaults(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

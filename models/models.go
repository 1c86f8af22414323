package models

import (
	"errors"
	"time"
)

// Duration is a closed set of prediction time horizons. Every switch over
// Duration must handle all members; unknown values are rejected with
// ErrInvalidDuration, never defaulted.
type Duration string

const (
	Duration1H  Duration = "1h"
	Duration3H  Duration = "3h"
	Duration6H  Duration = "6h"
	Duration24H Duration = "24h"
	Duration48H Duration = "48h"
	Duration1W  Duration = "1w"
	Duration1M  Duration = "1m"
	Duration3M  Duration = "3m"
	Duration6M  Duration = "6m"
	Duration1Y  Duration = "1y"
)

// AllDurations returns every supported duration class in display order.
func AllDurations() []Duration {
	return []Duration{
		Duration1H, Duration3H, Duration6H, Duration24H, Duration48H,
		Duration1W, Duration1M, Duration3M, Duration6M, Duration1Y,
	}
}

// Valid reports whether d is a known duration class.
func (d Duration) Valid() bool {
	switch d {
	case Duration1H, Duration3H, Duration6H, Duration24H, Duration48H,
		Duration1W, Duration1M, Duration3M, Duration6M, Duration1Y:
		return true
	}
	return false
}

// Short reports whether d belongs to the short class (origin-anchored equal
// windows, <=48h). Long-class durations use calendar-aligned boundaries.
func (d Duration) Short() bool {
	switch d {
	case Duration1H, Duration3H, Duration6H, Duration24H, Duration48H:
		return true
	}
	return false
}

// WindowLength returns the slot window length for short-class durations.
// Zero for long-class durations, whose windows follow the calendar.
func (d Duration) WindowLength() time.Duration {
	switch d {
	case Duration1H:
		return time.Hour
	case Duration3H:
		return 3 * time.Hour
	case Duration6H:
		return 6 * time.Hour
	case Duration24H:
		return 24 * time.Hour
	case Duration48H:
		return 48 * time.Hour
	}
	return 0
}

// SlotsPerCycle returns how many slots partition one cycle of d.
// Short classes cycle over a day (1h/3h/6h), a week (24h) or a fortnight
// (48h). Long classes cycle over a calendar year; the weekly count varies
// with the ISO year and is resolved by the slot calculator.
func (d Duration) SlotsPerCycle() int {
	switch d {
	case Duration1H:
		return 24
	case Duration3H:
		return 8
	case Duration6H:
		return 4
	case Duration24H:
		return 7
	case Duration48H:
		return 7
	case Duration1W:
		return 52
	case Duration1M:
		return 12
	case Duration3M:
		return 4
	case Duration6M:
		return 2
	case Duration1Y:
		return 1
	}
	return 0
}

// Direction of a prediction.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Valid reports whether dir is a known direction.
func (dir Direction) Valid() bool {
	return dir == DirectionUp || dir == DirectionDown
}

// Status lifecycle of a prediction. A record leaves StatusActive exactly
// once; StatusEvaluated and StatusExpired are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusEvaluated Status = "evaluated"
	StatusExpired   Status = "expired"
)

// Result of an evaluated prediction. ResultPending marks a record that
// exhausted its retry budget and awaits manual resolution.
type Result string

const (
	ResultCorrect   Result = "correct"
	ResultIncorrect Result = "incorrect"
	ResultPending   Result = "pending"
)

// Boundary names which edge of a slot window a price lookup targets. The
// oracle applies its tolerance window away from the slot interior, so a
// start lookup only considers samples at or before the boundary and an end
// lookup only samples at or after it.
type Boundary int

const (
	BoundaryStart Boundary = iota
	BoundaryEnd
)

// Slot is one discrete window within a duration class's partition of the
// timeline. Number is 1-based within the cycle.
type Slot struct {
	Duration Duration  `json:"duration"`
	Number   int       `json:"number"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// Contains reports whether t falls within [Start, End).
func (s Slot) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Prediction is one user's directional bet on one asset for one slot.
type Prediction struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	AssetID     string     `json:"asset_id"`
	Direction   Direction  `json:"direction"`
	Duration    Duration   `json:"duration"`
	SlotNumber  int        `json:"slot_number"`
	SlotStart   time.Time  `json:"slot_start"`
	SlotEnd     time.Time  `json:"slot_end"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"` // always equals SlotEnd
	Status      Status     `json:"status"`
	Result      Result     `json:"result,omitempty"`
	Points      *int       `json:"points,omitempty"`
	PriceStart  *float64   `json:"price_start,omitempty"`
	PriceEnd    *float64   `json:"price_end,omitempty"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

// PriceSample is an append-only timestamped price observation for an asset
// from a named source.
type PriceSample struct {
	AssetID   string    `json:"asset_id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// SlotOverride is an admin-configured replacement for a computed slot.
// Nil fields keep the computed/default value. A row with SlotNumber 0
// carries the duration-wide penalty.
type SlotOverride struct {
	Duration   Duration   `json:"duration"`
	SlotNumber int        `json:"slot_number"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	Points     *int       `json:"points,omitempty"`
	Penalty    *int       `json:"penalty,omitempty"`
}

// UserAggregate holds a user's rolling counters. MonthlyScore is reset by
// the archiver at month boundaries; counters are advanced by the evaluator
// through atomic relative increments.
type UserAggregate struct {
	ID                 string `json:"id"`
	MonthlyScore       int    `json:"monthly_score"`
	TotalScore         int    `json:"total_score"`
	TotalPredictions   int    `json:"total_predictions"`
	CorrectPredictions int    `json:"correct_predictions"`
	LastMonthRank      *int   `json:"last_month_rank,omitempty"`
}

// LeaderboardEntry is an immutable monthly snapshot row.
type LeaderboardEntry struct {
	Month    string  `json:"month"` // "2006-01"
	UserID   string  `json:"user_id"`
	Rank     int     `json:"rank"`
	Score    int     `json:"score"`
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// BadgeType awarded to the top cohort of a month.
type BadgeType string

const (
	BadgeGold     BadgeType = "gold"
	BadgeSilver   BadgeType = "silver"
	BadgeBronze   BadgeType = "bronze"
	BadgeFinalist BadgeType = "finalist"
)

// BadgeForRank maps a 1-based leaderboard rank to its badge type.
// Ranks beyond the badged cohort get no badge.
func BadgeForRank(rank int) (BadgeType, bool) {
	switch rank {
	case 1:
		return BadgeGold, true
	case 2:
		return BadgeSilver, true
	case 3:
		return BadgeBronze, true
	case 4:
		return BadgeFinalist, true
	}
	return "", false
}

// Badge is an immutable award record.
type Badge struct {
	UserID string    `json:"user_id"`
	Type   BadgeType `json:"type"`
	Month  string    `json:"month"`
	Rank   int       `json:"rank"`
	Score  int       `json:"score"`
}

// MonthlyScore preserves one user's score for one archived month, for every
// aggregated user (not just the ranked cohort).
type MonthlyScore struct {
	Month  string `json:"month"`
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
}

// MonthArchive is the full output of archiving one month, persisted
// atomically by the store.
type MonthArchive struct {
	Month   string
	Entries []LeaderboardEntry
	Badges  []Badge
	Scores  []MonthlyScore
	Ranks   map[string]int // userID -> rank for the ranked cohort
}

// Evaluation is the terminal outcome of one prediction, applied to the
// store as a single transaction together with the user aggregate deltas.
type Evaluation struct {
	PredictionID string
	UserID       string
	Result       Result
	Points       int
	PriceStart   float64
	PriceEnd     float64
	EvaluatedAt  time.Time
}

// EvaluationEvent is emitted on the notification side-channel after an
// evaluation commits.
type EvaluationEvent struct {
	PredictionID string    `json:"prediction_id"`
	UserID       string    `json:"user_id"`
	AssetID      string    `json:"asset_id"`
	Duration     Duration  `json:"duration"`
	SlotNumber   int       `json:"slot_number"`
	Result       Result    `json:"result"`
	Points       int       `json:"points"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// ArchiveEvent is emitted after a month's leaderboard snapshot commits.
type ArchiveEvent struct {
	Month     string `json:"month"`
	Users     int    `json:"users"`
	TopUserID string `json:"top_user_id,omitempty"`
	TopScore  int    `json:"top_score"`
}

// ScheduledJob is a persisted next-run marker consumed by the scheduler.
type ScheduledJob struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
}

// Sentinel errors shared across components.
var (
	// ErrInvalidDuration rejects an unknown duration class. Caller error,
	// never retried.
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrInvalidSlot rejects a slot selection that is closed, locked or out
	// of range. Caller error, never retried.
	ErrInvalidSlot = errors.New("invalid slot")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")

	// ErrPriceUnavailable means no price could be resolved for a boundary.
	// Transient by nature: it triggers a fixed-delay requeue that does not
	// consume the retry budget.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrAlreadyTerminal guards against re-evaluating a record that already
	// left the active state.
	ErrAlreadyTerminal = errors.New("prediction already terminal")

	// ErrMonthArchived marks an archive run for a month that already has a
	// committed snapshot.
	ErrMonthArchived = errors.New("month already archived")
)

// Config holds service configuration loaded from the environment.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPAddr string

	PriceAPIKey     string
	PriceAPIBaseURL string
	RequestTimeout  int // seconds

	ReferenceTZ      string
	LockWindowMin    int // minutes before slot end that submissions lock
	ToleranceMin     int // boundary price capture tolerance, minutes
	PriceRetrySec    int // fixed requeue delay on missing boundary price
	RetryBaseSec     int // base delay for transient-failure backoff
	RetryMaxMin      int // cap for transient-failure backoff, minutes
	MaxAttempts      int
	SweepIntervalMin int
	EvalWorkers      int
	LeaderboardSize  int
	BadgeCount       int

	TelegramToken  string
	TelegramChatID int64

	ScoringConfigPath string
	LogLevel          string
}

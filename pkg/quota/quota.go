// Package quota implements the UTC fixed-window day/month counter
// store, behind one Store interface with memory and Redis
// implementations.
package quota

import (
	"context"
	"time"
)

// Reason explains why a request was blocked, or "ok" if allowed.
type Reason string

const (
	ReasonOK    Reason = "ok"
	ReasonDay   Reason = "day"
	ReasonMonth Reason = "month"
)

// Result is returned by CheckAndInc / Peek.
type Result struct {
	Allowed       bool
	Reason        Reason
	RetryAfter    time.Duration
	DayRemaining  int64
	MonthRemaining int64
	DayLimit      int64
	MonthLimit    int64
	ResetAt       time.Time
}

// Which selects which window(s) ResetKey clears.
type Which string

const (
	WhichDay   Which = "day"
	WhichMonth Which = "month"
	WhichBoth  Which = "both"
)

// Store is the quota engine contract.
type Store interface {
	// CheckAndInc atomically checks and increments key's counters
	// against the configured limits, evaluated at time now.
	CheckAndInc(ctx context.Context, key string, perDay, perMonth int64, now time.Time) (Result, error)
	// Peek reports current usage without mutating it.
	Peek(ctx context.Context, key string, perDay, perMonth int64, now time.Time) (Result, error)
	// ResetKey clears the day, month, or both counters for key.
	ResetKey(ctx context.Context, key string, which Which) error
}

// DayStart returns the UTC calendar-day boundary containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first-of-month UTC boundary containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func nextDayStart(t time.Time) time.Time  { return DayStart(t).Add(24 * time.Hour) }
func nextMonthStart(t time.Time) time.Time { return MonthStart(t).AddDate(0, 1, 0) }

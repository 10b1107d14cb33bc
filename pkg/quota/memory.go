package quota

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	dayStart   time.Time
	dayCount   int64
	monthStart time.Time
	monthCount int64
}

// MemoryStore is the in-process Store implementation, one mutex for
// the whole table.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: map[string]*counter{}}
}

func (s *MemoryStore) rollWindow(c *counter, now time.Time) {
	ds := DayStart(now)
	if !c.dayStart.Equal(ds) {
		c.dayStart = ds
		c.dayCount = 0
	}
	ms := MonthStart(now)
	if !c.monthStart.Equal(ms) {
		c.monthStart = ms
		c.monthCount = 0
	}
}

func evaluate(c *counter, perDay, perMonth int64, now time.Time, increment bool) Result {
	dayRemainingBefore := perDay - c.dayCount
	monthRemainingBefore := perMonth - c.monthCount

	exceedDay := c.dayCount+1 > perDay
	exceedMonth := c.monthCount+1 > perMonth

	if increment && (exceedDay || exceedMonth) {
		reason := ReasonDay
		retryAfter := nextDayStart(now).Sub(now)
		useMonth := exceedMonth && (!exceedDay || monthRemainingBefore <= dayRemainingBefore)
		if useMonth {
			reason = ReasonMonth
			retryAfter = nextMonthStart(now).Sub(now)
		}
		return Result{
			Allowed:        false,
			Reason:         reason,
			RetryAfter:     retryAfter,
			DayRemaining:   maxInt64(0, dayRemainingBefore),
			MonthRemaining: maxInt64(0, monthRemainingBefore),
			DayLimit:       perDay,
			MonthLimit:     perMonth,
			ResetAt:        nextDayStart(now),
		}
	}

	if increment {
		c.dayCount++
		c.monthCount++
	}

	return Result{
		Allowed:        true,
		Reason:         ReasonOK,
		DayRemaining:   maxInt64(0, perDay-c.dayCount),
		MonthRemaining: maxInt64(0, perMonth-c.monthCount),
		DayLimit:       perDay,
		MonthLimit:     perMonth,
		ResetAt:        nextDayStart(now),
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (s *MemoryStore) CheckAndInc(_ context.Context, key string, perDay, perMonth int64, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		c = &counter{dayStart: DayStart(now), monthStart: MonthStart(now)}
		s.counters[key] = c
	}
	s.rollWindow(c, now)
	return evaluate(c, perDay, perMonth, now, true), nil
}

func (s *MemoryStore) Peek(_ context.Context, key string, perDay, perMonth int64, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		c = &counter{dayStart: DayStart(now), monthStart: MonthStart(now)}
	}
	cp := *c
	s.rollWindow(&cp, now)
	return evaluate(&cp, perDay, perMonth, now, false), nil
}

func (s *MemoryStore) ResetKey(_ context.Context, key string, which Which) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	switch which {
	case WhichDay:
		c.dayCount = 0
	case WhichMonth:
		c.monthCount = 0
	default:
		c.dayCount = 0
		c.monthCount = 0
	}
	return nil
}

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayExhaustionScenario(t *testing.T) {
	// per_day=2, per_month=1000, fixed
	// now = 2025-01-01T12:00:00Z, key k1.
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	ctx := context.Background()

	r1, err := store.CheckAndInc(ctx, "k1", 2, 1000, now)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)
	assert.EqualValues(t, 1, r1.DayRemaining)

	r2, err := store.CheckAndInc(ctx, "k1", 2, 1000, now)
	require.NoError(t, err)
	assert.True(t, r2.Allowed)
	assert.EqualValues(t, 0, r2.DayRemaining)

	r3, err := store.CheckAndInc(ctx, "k1", 2, 1000, now)
	require.NoError(t, err)
	assert.False(t, r3.Allowed)
	assert.Equal(t, ReasonDay, r3.Reason)
	assert.EqualValues(t, 43200, r3.RetryAfter.Seconds())
}

func TestDayRolloverResetsDayCounter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	day1 := time.Date(2025, 1, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	_, err := store.CheckAndInc(ctx, "k2", 1, 1000, day1)
	require.NoError(t, err)

	blocked, err := store.CheckAndInc(ctx, "k2", 1, 1000, day1)
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	rolled, err := store.CheckAndInc(ctx, "k2", 1, 1000, day2)
	require.NoError(t, err)
	assert.True(t, rolled.Allowed)
	assert.EqualValues(t, 0, rolled.DayRemaining)
}

func TestPeekDoesNotMutate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Peek(ctx, "k3", 5, 100, now)
	require.NoError(t, err)
	r, err := store.CheckAndInc(ctx, "k3", 5, 100, now)
	require.NoError(t, err)
	assert.EqualValues(t, 4, r.DayRemaining)
}

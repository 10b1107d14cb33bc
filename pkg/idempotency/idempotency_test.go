package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	store := NewMemoryStore()
	return NewEngine(store, 30*time.Second, 24*time.Hour, 200*time.Millisecond, false, false)
}

func TestReplayHitScenario(t *testing.T) {
	// Serial replays: count climbs 1, 2, ... against one stored value.
	eng := newTestEngine()
	ctx := context.Background()
	key := "tenantA:K1"
	fp := Fingerprint("POST", "/echo", "tenantA", "default", BodySHA256([]byte(`{"a":1}`)))

	d1, err := eng.Admit(ctx, key, fp)
	require.NoError(t, err)
	require.Equal(t, OutcomeLeader, d1.Outcome)
	require.NoError(t, eng.Commit(ctx, key, d1.Owner, StoredResponse{
		StatusCode: 200, Body: []byte(`{"ok":true,"payload":{"a":1}}`), BodySHA256: BodySHA256([]byte(`{"a":1}`)),
	}))

	d2, err := eng.Admit(ctx, key, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, d2.Outcome)
	assert.Equal(t, 1, d2.ReplayCount)

	d3, err := eng.Admit(ctx, key, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, d3.Outcome)
	assert.Equal(t, 2, d3.ReplayCount)
}

func TestFingerprintMismatchScenario(t *testing.T) {
	// A changed body under the same key runs fresh and overwrites.
	eng := newTestEngine()
	ctx := context.Background()
	key := "tenantA:K1"
	fp1 := Fingerprint("POST", "/echo", "tenantA", "default", BodySHA256([]byte(`{"x":1}`)))
	fp2 := Fingerprint("POST", "/echo", "tenantA", "default", BodySHA256([]byte(`{"x":2}`)))

	d1, err := eng.Admit(ctx, key, fp1)
	require.NoError(t, err)
	require.Equal(t, OutcomeLeader, d1.Outcome)
	require.NoError(t, eng.Commit(ctx, key, d1.Owner, StoredResponse{StatusCode: 200, Body: []byte(`{"x":1}`)}))

	d2, err := eng.Admit(ctx, key, fp2)
	require.NoError(t, err)
	require.Equal(t, OutcomeLeader, d2.Outcome)
	require.NoError(t, eng.Commit(ctx, key, d2.Owner, StoredResponse{StatusCode: 200, Body: []byte(`{"x":2}`)}))

	d3, err := eng.Admit(ctx, key, fp2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, d3.Outcome)
	assert.Equal(t, []byte(`{"x":2}`), d3.Stored.Body)
}

func TestSingleFlightInvariant(t *testing.T) {
	// Exactly one concurrent acquirer may win the lock.
	store := NewMemoryStore()
	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquiredCount := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := store.AcquireLeader(context.Background(), "tenantA:concurrent", 30*time.Second, "fp")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				acquiredCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquiredCount)
}

func TestOwnerScopedRelease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ok, owner, err := store.AcquireLeader(ctx, "tenantA:k", time.Minute, "fp")
	require.NoError(t, err)
	require.True(t, ok)

	err = store.Release(ctx, "tenantA:k", "wrong-owner")
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	err = store.Release(ctx, "tenantA:k", owner)
	assert.NoError(t, err)
}

func TestFreshPutRestartsReplayCountAtZero(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "tenantA:k2"

	ok, owner, err := store.AcquireLeader(ctx, key, time.Minute, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Put(ctx, key, StoredResponse{StatusCode: 200}, time.Hour))
	require.NoError(t, store.Release(ctx, key, owner))

	count, err := store.BumpReplay(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Fresh run with a different fingerprint overwrites and restarts at 0.
	ok2, owner2, err := store.AcquireLeader(ctx, key, time.Minute, "fp2")
	require.NoError(t, err)
	require.True(t, ok2)
	require.NoError(t, store.Put(ctx, key, StoredResponse{StatusCode: 200}, time.Hour))
	require.NoError(t, store.Release(ctx, key, owner2))

	stored, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ReplayCount)
}

package bus

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndQueryFiltering(t *testing.T) {
	b, err := New(10, "")
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(Event{TS: base, Tenant: "t1", Bot: "b1", Family: FamilyAllow})
	b.Publish(Event{TS: base.Add(time.Second), Tenant: "t1", Bot: "b2", Family: FamilyBlock})
	b.Publish(Event{TS: base.Add(2 * time.Second), Tenant: "t2", Bot: "b1", Family: FamilyBlock})

	results := b.Query(Filter{Tenant: "t1", Family: FamilyBlock})
	require.Len(t, results, 1)
	assert.Equal(t, "b2", results[0].Bot)
}

func TestRingBufferEvictsOldestOnOverflow(t *testing.T) {
	b, err := New(3, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Publish(Event{TS: time.Now(), RequestID: string(rune('a' + i))})
	}
	all := b.Query(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].RequestID)
	assert.Equal(t, "e", all[2].RequestID)
}

func TestSortTSDescReversesOrder(t *testing.T) {
	b, err := New(10, "")
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(Event{TS: base, RequestID: "first"})
	b.Publish(Event{TS: base.Add(time.Second), RequestID: "second"})

	results := b.Query(Filter{Sort: SortTSDesc})
	require.Len(t, results, 2)
	assert.Equal(t, "second", results[0].RequestID)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	b, err := New(10, "")
	require.NoError(t, err)
	ch, unsubscribe, ok := b.Subscribe(4)
	require.True(t, ok)
	defer unsubscribe()

	b.Publish(Event{TS: time.Now(), RequestID: "r1"})
	select {
	case e := <-ch:
		assert.Equal(t, "r1", e.RequestID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestNDJSONLogPersistsAndReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.ndjson")
	b, err := New(10, path)
	require.NoError(t, err)
	b.Publish(Event{TS: time.Now(), RequestID: "r1"})
	b.Publish(Event{TS: time.Now(), RequestID: "r2"})
	require.NoError(t, b.Close())

	replayed, err := ReplayLog(path)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, "r1", replayed[0].RequestID)
}

func TestSubscriberCountRespectsMax(t *testing.T) {
	b, err := New(10, "")
	require.NoError(t, err)
	b.maxSubs = 1
	_, unsub1, ok1 := b.Subscribe(1)
	require.True(t, ok1)
	defer unsub1()

	_, _, ok2 := b.Subscribe(1)
	assert.False(t, ok2)
}

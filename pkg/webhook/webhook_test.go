package webhook

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	responses []func() (*http.Response, error)
	calls     int
}

func (c *fakeClient) Do(_ *http.Request) (*http.Response, error) {
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	return c.responses[idx]()
}

func okResponse() (*http.Response, error) {
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func failResponse() (*http.Response, error) {
	return &http.Response{StatusCode: 500, Body: http.NoBody}, nil
}

func newTestDLQ(t *testing.T) *DLQ {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlq.ndjson")
	dlq, err := OpenDLQ(path)
	require.NoError(t, err)
	t.Cleanup(func() { dlq.Close() })
	return dlq
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := NewBreakerRegistry(3, time.Minute).WithClock(clock)

	for i := 0; i < 3; i++ {
		d := b.Allow("host")
		assert.False(t, d.Skip)
		b.RecordFailure("host")
	}
	assert.True(t, b.IsOpen("host"))

	// No call permitted before cooldown elapses.
	d := b.Allow("host")
	assert.True(t, d.Skip)
}

func TestBreakerHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	b := NewBreakerRegistry(1, time.Minute).WithClock(clock)

	b.Allow("host")
	b.RecordFailure("host") // opens after 1 failure
	require.True(t, b.IsOpen("host"))

	now = now.Add(2 * time.Minute) // past cooldown
	first := b.Allow("host")
	assert.True(t, first.HalfOpen)

	second := b.Allow("host")
	assert.True(t, second.Skip, "concurrent caller must be rejected while probe is inflight")

	b.RecordSuccess("host")
	assert.False(t, b.IsOpen("host"))
}

func TestDeliverySucceedsOnFirstAttempt(t *testing.T) {
	client := &fakeClient{responses: []func() (*http.Response, error){okResponse}}
	breakers := NewBreakerRegistry(3, time.Minute)
	dlq := newTestDLQ(t)
	d := NewDelivery(client, breakers, dlq, "secret", true)

	outcome := d.Deliver(context.Background(), "https://example.com/hook", "example.com", []byte(`{"a":1}`))
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 0, dlq.DLQCount())
}

func TestDeliveryWritesToDLQWhenBreakerOpen(t *testing.T) {
	client := &fakeClient{responses: []func() (*http.Response, error){failResponse}}
	breakers := NewBreakerRegistry(1, time.Hour)
	dlq := newTestDLQ(t)
	d := NewDelivery(client, breakers, dlq, "secret", false)
	d.MaxHorizon = 10 * time.Millisecond
	d.BaseBackoff = time.Millisecond
	d.MaxBackoff = 2 * time.Millisecond

	outcome := d.Deliver(context.Background(), "https://example.com/hook", "example.com", []byte(`{}`))
	assert.NotEqual(t, OutcomeProcessed, outcome)
	assert.Equal(t, 1, dlq.DLQCount())
}

func TestSignProducesDistinctV0AndV1(t *testing.T) {
	h := Sign("secret", 1000, []byte("body"), true)
	assert.NotEmpty(t, h.Get("X-Guardrail-Signature"))
	assert.NotEmpty(t, h.Get("X-Guardrail-Signature-V1"))
	assert.NotEqual(t, h.Get("X-Guardrail-Signature"), h.Get("X-Guardrail-Signature-V1"))
}

func TestDLQRetryAllMarksRetriedAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.ndjson")
	dlq, err := OpenDLQ(path)
	require.NoError(t, err)

	require.NoError(t, dlq.Write("cb_open", []byte(`{"x":1}`)))
	require.NoError(t, dlq.Write("cb_open", []byte(`{"x":2}`)))

	retried, err := dlq.RetryAll(func(event []byte) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 2, retried)
	assert.Equal(t, 0, dlq.DLQCount())
	require.NoError(t, dlq.Close())

	reopened, err := OpenDLQ(path)
	require.NoError(t, err)
	defer reopened.Close()
	snap := reopened.StatsSnapshot()
	assert.Equal(t, 2, snap.Retried)
	assert.Equal(t, 0, snap.Pending)
}

func TestDLQPurgeAll(t *testing.T) {
	dlq := newTestDLQ(t)
	require.NoError(t, dlq.Write("horizon_exceeded", []byte(`{}`)))
	purged, err := dlq.PurgeAll()
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, 0, dlq.DLQCount())
}

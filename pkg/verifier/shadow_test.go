package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShadowRunsConfiguredProvidersWithoutInfluencingOutcome(t *testing.T) {
	primary := &stubProvider{name: "primary", status: StatusSafe}
	shadow := &stubProvider{name: "shadow-a", status: StatusUnsafe}
	pipe := newTestPipeline(primary, shadow)

	pipe.Shadow = NewShadowRunner(2, time.Second, 1.0, nil)
	pipe.ShadowProviders = []string{"shadow-a"}
	pipe.ShadowSync = true

	var got []ShadowSummary
	pipe.OnShadow = func(_ Meta, summaries []ShadowSummary) { got = summaries }

	out := pipe.Run(context.Background(), "hello", Meta{Tenant: "t1", Bot: "b1", Fingerprint: "fp-shadow"})
	assert.Equal(t, StatusSafe, out.Status)
	assert.Equal(t, "primary", out.Provider)

	require.Len(t, got, 1)
	assert.Equal(t, "shadow-a", got[0].Provider)
	assert.Equal(t, StatusUnsafe, got[0].Status)
}

func TestShadowSkipsPrimaryProvider(t *testing.T) {
	primary := &stubProvider{name: "primary", status: StatusSafe}
	pipe := newTestPipeline(primary)

	pipe.Shadow = NewShadowRunner(2, time.Second, 1.0, nil)
	pipe.ShadowProviders = []string{"primary"}
	pipe.ShadowSync = true

	called := false
	pipe.OnShadow = func(Meta, []ShadowSummary) { called = true }

	pipe.Run(context.Background(), "hello", Meta{Tenant: "t1", Bot: "b1", Fingerprint: "fp-skip"})
	assert.False(t, called)
}

func TestShadowSummarizesProviderErrors(t *testing.T) {
	runner := NewShadowRunner(2, time.Second, 1.0, nil)
	failing := &stubProvider{name: "broken", err: errors.New("boom")}

	summaries := runner.RunShadow(context.Background(), []Provider{failing}, "text", Meta{})
	require.Len(t, summaries, 1)
	assert.Equal(t, StatusAmbiguous, summaries[0].Status)
	assert.Equal(t, "boom", summaries[0].Reason)
}

func TestShadowSampleRateZeroNeverRuns(t *testing.T) {
	runner := NewShadowRunner(2, time.Second, 0.0, func() float64 { return 0.5 })
	p := &stubProvider{name: "a", status: StatusSafe}
	assert.Nil(t, runner.RunShadow(context.Background(), []Provider{p}, "text", Meta{}))
}

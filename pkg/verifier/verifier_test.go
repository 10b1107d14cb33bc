package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name   string
	status Status
	err    error
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Assess(_ context.Context, _ string, _ Meta) (Assessment, error) {
	if p.err != nil {
		return Assessment{}, p.err
	}
	return Assessment{Status: p.status, Reason: "stub"}, nil
}

func newTestPipeline(providers ...Provider) *Pipeline {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	router := NewRouter(names)
	breakers := NewBreakerRegistry(3, time.Minute, 10*time.Second)
	cache := NewMemoryResultCache()
	harmful := NewHarmfulFingerprintMemory(nil)
	pipe := NewPipeline(router, breakers, cache, harmful)
	for _, p := range providers {
		pipe.RegisterProvider(p)
	}
	return pipe
}

func TestPipelinePrefersFirstSafeProvider(t *testing.T) {
	pipe := newTestPipeline(&stubProvider{name: "a", status: StatusSafe})
	out := pipe.Run(context.Background(), "hello", Meta{Tenant: "t1", Bot: "b1", Fingerprint: "fp1"})
	assert.Equal(t, StatusSafe, out.Status)
	assert.Equal(t, "a", out.Provider)
}

func TestPipelineCachesDecisiveOutcomes(t *testing.T) {
	pipe := newTestPipeline(&stubProvider{name: "a", status: StatusUnsafe})
	meta := Meta{Tenant: "t1", Bot: "b1", PolicyVersion: "v1", Fingerprint: "fp1"}
	out1 := pipe.Run(context.Background(), "x", meta)
	require.Equal(t, StatusUnsafe, out1.Status)

	out2 := pipe.Run(context.Background(), "x", meta)
	assert.Equal(t, "cache", out2.Provider)
	assert.Equal(t, StatusUnsafe, out2.Status)
}

func TestPipelineAmbiguousNeverCached(t *testing.T) {
	calls := 0
	pipe := newTestPipeline(&countingProvider{name: "a", status: StatusAmbiguous, calls: &calls})
	meta := Meta{Tenant: "t1", Bot: "b1", PolicyVersion: "v1", Fingerprint: "fp1"}
	pipe.Run(context.Background(), "x", meta)
	pipe.Run(context.Background(), "x", meta)
	assert.Equal(t, 2, calls)
}

func TestHardenedWrapperMapsAmbiguousToClarify(t *testing.T) {
	pipe := newTestPipeline(&stubProvider{name: "a", status: StatusAmbiguous})
	result := pipe.HardenedAssess(context.Background(), "x", Meta{Tenant: "t1", Bot: "b1"}, time.Second)
	assert.Equal(t, DecisionClarifyRequired, result.Decision)
	assert.Equal(t, ModeExecuteLocked, result.Mode)
}

func TestHardenedWrapperMapsTimeoutToBlockInputOnly(t *testing.T) {
	pipe := newTestPipeline(&slowProvider{name: "a", delay: 50 * time.Millisecond})
	result := pipe.HardenedAssess(context.Background(), "x", Meta{Tenant: "t1", Bot: "b1"}, 5*time.Millisecond)
	assert.Equal(t, DecisionBlockInputOnly, result.Decision)
	assert.Equal(t, "verifier_timeout", result.AuditEvent)
}

type countingProvider struct {
	name   string
	status Status
	calls  *int
}

func (p *countingProvider) Name() string { return p.name }
func (p *countingProvider) Assess(_ context.Context, _ string, _ Meta) (Assessment, error) {
	*p.calls++
	return Assessment{Status: p.status}, nil
}

type slowProvider struct {
	name  string
	delay time.Duration
}

func (p *slowProvider) Name() string { return p.name }
func (p *slowProvider) Assess(ctx context.Context, _ string, _ Meta) (Assessment, error) {
	select {
	case <-time.After(p.delay):
		return Assessment{Status: StatusSafe}, nil
	case <-ctx.Done():
		return Assessment{}, ctx.Err()
	}
}

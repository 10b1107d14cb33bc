package verifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ShadowRunner runs non-primary providers concurrently, bounded by a
// weighted semaphore, purely for comparison telemetry: results never
// influence the live decision.
type ShadowRunner struct {
	sem              *semaphore.Weighted
	perProviderTimeout time.Duration
	SampleRate       float64
	rand             func() float64
}

// NewShadowRunner constructs a ShadowRunner with maxConcurrency
// in-flight shadow calls at once.
func NewShadowRunner(maxConcurrency int64, perProviderTimeout time.Duration, sampleRate float64, randFn func() float64) *ShadowRunner {
	if randFn == nil {
		randFn = func() float64 { return 0 } // always-sample default for deterministic tests
	}
	return &ShadowRunner{
		sem:                semaphore.NewWeighted(maxConcurrency),
		perProviderTimeout: perProviderTimeout,
		SampleRate:         sampleRate,
		rand:               randFn,
	}
}

// ShadowSummary is the non-authoritative comparison result attached to
// a response when shadow execution is configured.
type ShadowSummary struct {
	Provider string
	Status   Status
	Reason   string
}

// RunShadow fires the given providers concurrently and waits for all
// of them before returning their summaries; providers beyond the
// semaphore's free capacity are dropped. Pipeline.runShadow excludes
// the primary and calls this on a detached goroutine with
// context.Background(), or inline when Pipeline.ShadowSync is set.
func (s *ShadowRunner) RunShadow(ctx context.Context, providers []Provider, text string, meta Meta) []ShadowSummary {
	if s.rand() >= s.SampleRate {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var summaries []ShadowSummary

	for _, provider := range providers {
		if !s.sem.TryAcquire(1) {
			continue // bounded concurrency: drop rather than queue
		}
		wg.Add(1)
		go func(pr Provider) {
			defer wg.Done()
			defer s.sem.Release(1)

			callCtx, cancel := context.WithTimeout(ctx, s.perProviderTimeout)
			defer cancel()

			assessment, err := pr.Assess(callCtx, text, meta)
			summary := ShadowSummary{Provider: pr.Name()}
			if err != nil {
				summary.Status = StatusAmbiguous
				summary.Reason = err.Error()
			} else {
				summary.Status = assessment.Status
				summary.Reason = assessment.Reason
			}
			mu.Lock()
			summaries = append(summaries, summary)
			mu.Unlock()
		}(provider)
	}
	wg.Wait()
	return summaries
}

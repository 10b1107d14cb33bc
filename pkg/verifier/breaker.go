package verifier

import (
	"sync"
	"time"
)

// breakerState is a provider's per-process circuit breaker state,
// scoped to a single provider name.
type breakerState struct {
	failWindow   []time.Time
	open         bool
	openedAt     time.Time
	skipUntil    time.Time // quota/rate-limit skip, independent of breaker
}

// BreakerRegistry tracks one breakerState per provider name, one
// mutex for the whole registry.
type BreakerRegistry struct {
	mu       sync.Mutex
	states   map[string]*breakerState
	fails    int
	window   time.Duration
	cooldown time.Duration
	clock    func() time.Time
}

// NewBreakerRegistry constructs a registry that opens a provider's
// breaker after `fails` failures within `window`, cooling down for
// `cooldown` before half-opening.
func NewBreakerRegistry(fails int, window, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{states: map[string]*breakerState{}, fails: fails, window: window, cooldown: cooldown, clock: time.Now}
}

// WithClock overrides the registry's time source for deterministic tests.
func (r *BreakerRegistry) WithClock(clock func() time.Time) *BreakerRegistry {
	r.clock = clock
	return r
}

func (r *BreakerRegistry) state(provider string) *breakerState {
	st, ok := r.states[provider]
	if !ok {
		st = &breakerState{}
		r.states[provider] = st
	}
	return st
}

// BreakerDecision tells the caller whether to skip a provider and why.
type BreakerDecision struct {
	Skip      bool
	HalfOpen  bool
	Reason    string
}

// Allow reports whether provider may be called right now. The first
// caller after cooldown gets HalfOpen=true and the breaker is closed
// at that point; the probe is not exclusive, so callers that arrive
// while it is in flight are admitted too.
func (r *BreakerRegistry) Allow(provider string) BreakerDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(provider)
	now := r.clock()

	if !st.skipUntil.IsZero() && st.skipUntil.After(now) {
		return BreakerDecision{Skip: true, Reason: "quota_skip"}
	}

	if st.open {
		if now.Sub(st.openedAt) < r.cooldown {
			return BreakerDecision{Skip: true, Reason: "breaker_open"}
		}
		// Cooldown elapsed: close the breaker and mark this caller's
		// call as the half-open probe.
		st.open = false
		return BreakerDecision{Skip: false, HalfOpen: true}
	}
	return BreakerDecision{Skip: false}
}

// RecordSuccess closes the breaker and clears its failure window.
func (r *BreakerRegistry) RecordSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(provider)
	st.open = false
	st.failWindow = nil
}

// RecordFailure appends a failure and opens the breaker if the window
// count reaches the configured threshold.
func (r *BreakerRegistry) RecordFailure(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(provider)
	now := r.clock()
	st.failWindow = append(st.failWindow, now)

	cutoff := now.Add(-r.window)
	kept := st.failWindow[:0]
	for _, ts := range st.failWindow {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.failWindow = kept

	if len(st.failWindow) >= r.fails {
		st.open = true
		st.openedAt = now
	}
}

// SetSkipUntil records a rate-limit-driven skip window, clamped to
// [1s, 600s].
func (r *BreakerRegistry) SetSkipUntil(provider string, retryAfter time.Duration) {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	if retryAfter > 600*time.Second {
		retryAfter = 600 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(provider)
	st.skipUntil = r.clock().Add(retryAfter)
}

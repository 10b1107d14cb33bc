package webhook

import (
	"sync"
	"time"
)

// breakerState tracks one destination host's circuit state.
type breakerState struct {
	failCount int
	open      bool
	openedAt  time.Time
	halfOpen  bool
}

// BreakerRegistry maintains one circuit breaker per destination host,
// closed by default, opening after a run of consecutive failures and
// re-probing with exactly one half-open attempt after cooldown. While
// open, no HTTP call is made; half-open admits exactly one inflight
// probe.
type BreakerRegistry struct {
	mu       sync.Mutex
	states   map[string]*breakerState
	failsToOpen int
	cooldown time.Duration
	clock    func() time.Time
}

// NewBreakerRegistry constructs a registry opening a host's breaker
// after failsToOpen consecutive failures, re-probing after cooldown.
func NewBreakerRegistry(failsToOpen int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		states:      map[string]*breakerState{},
		failsToOpen: failsToOpen,
		cooldown:    cooldown,
		clock:       time.Now,
	}
}

// WithClock overrides the registry's time source for deterministic tests.
func (b *BreakerRegistry) WithClock(clock func() time.Time) *BreakerRegistry {
	b.clock = clock
	return b
}

// BreakerDecision reports whether a call to host should be skipped.
type BreakerDecision struct {
	Skip     bool
	HalfOpen bool
}

func (b *BreakerRegistry) stateFor(host string) *breakerState {
	st, ok := b.states[host]
	if !ok {
		st = &breakerState{}
		b.states[host] = st
	}
	return st
}

// Allow reports whether a delivery attempt to host should proceed. When
// the breaker is open and cooldown has elapsed, exactly one caller is
// admitted as the half-open probe; concurrent callers in that window
// are skipped until the probe resolves via RecordSuccess/RecordFailure.
func (b *BreakerRegistry) Allow(host string) BreakerDecision {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateFor(host)
	if !st.open {
		return BreakerDecision{}
	}
	if st.halfOpen {
		return BreakerDecision{Skip: true} // probe already in flight
	}
	if b.clock().Sub(st.openedAt) < b.cooldown {
		return BreakerDecision{Skip: true}
	}
	st.halfOpen = true
	return BreakerDecision{HalfOpen: true}
}

// RecordSuccess closes the breaker and resets its failure count.
func (b *BreakerRegistry) RecordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateFor(host)
	st.failCount = 0
	st.open = false
	st.halfOpen = false
}

// RecordFailure increments the failure count, opening the breaker once
// the threshold is reached (or immediately re-opening a failed probe).
func (b *BreakerRegistry) RecordFailure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateFor(host)
	if st.halfOpen {
		st.halfOpen = false
		st.open = true
		st.openedAt = b.clock()
		return
	}
	st.failCount++
	if st.failCount >= b.failsToOpen {
		st.open = true
		st.openedAt = b.clock()
	}
}

// IsOpen reports the current open/closed state, for diagnostics.
func (b *BreakerRegistry) IsOpen(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateFor(host).open
}

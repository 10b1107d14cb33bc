package risk

import (
	"sync"
	"time"
)

// Mode is the runtime escalation mode for a fingerprint.
type Mode string

const (
	ModeNormal         Mode = "normal"
	ModeExecuteLocked  Mode = "execute_locked"
	ModeFullQuarantine Mode = "full_quarantine"
)

type escalationState struct {
	windowStart    time.Time
	denyCount      int
	quarantineUntil time.Time
}

// Escalation tracks sliding-window deny accounting per fingerprint and
// raises a fingerprint into full_quarantine once its deny count crosses
// threshold within the window.
type Escalation struct {
	mu    sync.Mutex
	state map[string]*escalationState
	clock func() time.Time

	WindowSecs   time.Duration
	DenyThreshold int
	CooldownSecs time.Duration
	Enabled      bool
}

// NewEscalation constructs an Escalation engine with the given policy
// knobs.
func NewEscalation(windowSecs, cooldownSecs time.Duration, denyThreshold int, enabled bool) *Escalation {
	return &Escalation{
		state:         map[string]*escalationState{},
		clock:         time.Now,
		WindowSecs:    windowSecs,
		DenyThreshold: denyThreshold,
		CooldownSecs:  cooldownSecs,
		Enabled:       enabled,
	}
}

// WithClock overrides the time source for deterministic tests.
func (e *Escalation) WithClock(clock func() time.Time) *Escalation {
	e.clock = clock
	return e
}

// Result is returned by OnDeny/Check.
type Result struct {
	Mode       Mode
	RetryAfter time.Duration
}

// Check reports whether fingerprint is currently quarantined, without
// mutating accounting. While quarantine_until > now, every request for
// that fingerprint is quarantined regardless of decision family.
func (e *Escalation) Check(fingerprint string) Result {
	if !e.Enabled {
		return Result{Mode: ModeNormal}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.state[fingerprint]
	if !ok {
		return Result{Mode: ModeNormal}
	}
	now := e.clock()
	if st.quarantineUntil.After(now) {
		return Result{Mode: ModeFullQuarantine, RetryAfter: st.quarantineUntil.Sub(now)}
	}
	return Result{Mode: ModeNormal}
}

// OnDeny accounts a deny decision for fingerprint within the sliding
// window, possibly entering full_quarantine.
func (e *Escalation) OnDeny(fingerprint string) Result {
	if !e.Enabled {
		return Result{Mode: ModeNormal}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	st, ok := e.state[fingerprint]
	if !ok {
		st = &escalationState{windowStart: now}
		e.state[fingerprint] = st
	}
	if st.quarantineUntil.After(now) {
		return Result{Mode: ModeFullQuarantine, RetryAfter: st.quarantineUntil.Sub(now)}
	}
	if now.Sub(st.windowStart) > e.WindowSecs {
		st.windowStart = now
		st.denyCount = 0
	}
	st.denyCount++
	if st.denyCount >= e.DenyThreshold {
		st.quarantineUntil = now.Add(e.CooldownSecs)
		return Result{Mode: ModeFullQuarantine, RetryAfter: e.CooldownSecs}
	}
	return Result{Mode: ModeExecuteLocked}
}

// OnAllow purges stale state older than the window; existing state
// inside the window is left untouched.
func (e *Escalation) OnAllow(fingerprint string) {
	if !e.Enabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.state[fingerprint]
	if !ok {
		return
	}
	now := e.clock()
	if now.Sub(st.windowStart) > e.WindowSecs && st.quarantineUntil.Before(now) {
		delete(e.state, fingerprint)
	}
}

// Len reports the number of tracked fingerprints (test/diagnostic use).
func (e *Escalation) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state)
}

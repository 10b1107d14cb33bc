// Package risk implements the per-session decaying risk store and the
// sliding-window escalation/quarantine engine.
package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"sync"
	"time"
)

type riskKey struct {
	Tenant, Bot, Session string
}

type riskEntry struct {
	score float64
	last  time.Time
	ttl   time.Duration
}

const maxRiskEntries = 50000

// Store is the in-memory, per-process decaying risk score table, one
// mutex for the whole table.
type Store struct {
	mu      sync.Mutex
	entries map[riskKey]*riskEntry
	clock   func() time.Time
}

// NewStore constructs an empty risk Store.
func NewStore() *Store {
	return &Store{entries: map[riskKey]*riskEntry{}, clock: time.Now}
}

// WithClock overrides the store's time source for deterministic tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Bump adjusts the score for (tenant, bot, session) by delta, floored
// at zero, and returns the new score. Every call creates the entry if
// it is missing, delta == 0 included, so callers MUST NOT call Bump
// for allow decisions; allow traffic never creates entries (a tested
// invariant).
func (s *Store) Bump(tenant, bot, session string, delta float64, ttl time.Duration) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := riskKey{tenant, bot, session}
	e, ok := s.entries[k]
	now := s.clock()
	if !ok {
		e = &riskEntry{ttl: ttl}
		s.entries[k] = e
	}
	e.score = math.Max(0, e.score+delta)
	e.last = now
	if ttl > 0 {
		e.ttl = ttl
	}

	s.gcIfNeeded()
	return e.score
}

// DecayAndGet returns the exponentially decayed score for
// (tenant, bot, session) given halfLife, without mutating state beyond
// expiring a stale entry. An absent entry MUST NOT be created by this
// call and returns 0.
func (s *Store) DecayAndGet(tenant, bot, session string, halfLife time.Duration) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := riskKey{tenant, bot, session}
	e, ok := s.entries[k]
	if !ok {
		return 0
	}
	now := s.clock()
	if e.ttl > 0 && now.Sub(e.last) > e.ttl {
		delete(s.entries, k)
		return 0
	}
	if halfLife <= 0 {
		return e.score
	}
	dt := now.Sub(e.last).Seconds()
	decayed := e.score * math.Pow(0.5, dt/halfLife.Seconds())
	return decayed
}

// Len returns the number of live entries (tests use this to assert the
// "allow traffic creates nothing" and "state size does not grow"
// invariants).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// gcIfNeeded drops expired entries first, then the oldest 5% by `last`
// once the table exceeds maxRiskEntries.
func (s *Store) gcIfNeeded() {
	if len(s.entries) <= maxRiskEntries {
		return
	}
	now := s.clock()
	for k, e := range s.entries {
		if e.ttl > 0 && now.Sub(e.last) > e.ttl {
			delete(s.entries, k)
		}
	}
	if len(s.entries) <= maxRiskEntries {
		return
	}
	type kv struct {
		k    riskKey
		last time.Time
	}
	all := make([]kv, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, kv{k, e.last})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	drop := len(all) / 20 // oldest 5%
	for i := 0; i < drop; i++ {
		delete(s.entries, all[i].k)
	}
}

// Fingerprint computes the default deterministic accounting identity:
// sha256(tenant|bot|canonical(request)). canonical is
// any stable string a caller derives from the request (e.g. method,
// path, and a normalized body digest); callers may substitute their
// own stable key (API-key + UA fallback).
func Fingerprint(tenant, bot, canonical string) string {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{'|'})
	h.Write([]byte(bot))
	h.Write([]byte{'|'})
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

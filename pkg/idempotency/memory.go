package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	state        State
	owner        string
	fingerprint  string
	lockExpires  float64
	valueExpires float64
	stored       *StoredResponse
	generation   uint64
}

// MemoryStore is the in-process Store implementation: one mutex guards
// the whole map "one mutex per store; no nested locks".
// Callers are expected to pass keys already scoped as "tenant:rawKey"
// so the recent-index can filter by tenant (mirrors the Redis key
// shape `idem:{tenant}:{key}:{suffix}`).
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	recent  []RecentEntry // most-recent-first, capped

	clock func() time.Time
}

const maxRecentIndex = 10000

// NewMemoryStore constructs an empty MemoryStore using time.Now as the
// clock; WithClock overrides it for deterministic tests.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*entry{}, clock: time.Now}
}

// WithClock overrides the store's time source for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) now() float64 { return nowSeconds(s.clock) }

func (s *MemoryStore) get(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{state: StateIdle}
		s.entries[key] = e
	}
	return e
}

func (s *MemoryStore) AcquireLeader(_ context.Context, key string, ttl time.Duration, fingerprint string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.get(key)

	lockLive := e.state == StateInProgress && e.lockExpires > now

	switch {
	case lockLive:
		// Someone else holds the lock. Whether this is plain contention
		// (same fingerprint) or a conflict (different fingerprint) is
		// for the caller to distinguish via Meta; either way this
		// caller does not become leader.
		return false, "", nil

	case e.state == StateStored && e.valueExpires > now && e.fingerprint == fingerprint:
		// Stored value with matching fingerprint: this is a replay,
		// not a leader acquisition. Caller should Get + BumpReplay.
		return false, "", nil

	default:
		// idle, released, expired lock, or stored-with-different-
		// fingerprint (a fresh run overwrites a stored entry on
		// fingerprint mismatch).
		owner := uuid.New().String()
		e.state = StateInProgress
		e.owner = owner
		e.fingerprint = fingerprint
		e.lockExpires = now + ttl.Seconds()
		e.generation++
		e.stored = nil
		return true, owner, nil
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*StoredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.state != StateStored || e.stored == nil {
		return nil, nil
	}
	if e.valueExpires <= s.now() {
		return nil, nil
	}
	cp := *e.stored
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.get(key)

	cp := resp
	cp.ReplayCount = 0
	cp.StoredAt = now

	e.state = StateStored
	e.stored = &cp
	e.owner = ""
	e.lockExpires = 0
	e.valueExpires = now + ttl.Seconds()
	e.generation++

	s.recent = append([]RecentEntry{{Key: key, TS: now}}, s.recent...)
	if len(s.recent) > maxRecentIndex {
		s.recent = s.recent[:maxRecentIndex]
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.state != StateInProgress {
		return nil // no lock held (e.g. already cleared by Put)
	}
	if e.owner != owner {
		return ErrOwnerMismatch
	}
	e.state = StateReleased
	e.owner = ""
	e.lockExpires = 0
	return nil
}

func (s *MemoryStore) AdminRelease(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.state = StateReleased
	e.owner = ""
	e.lockExpires = 0
	return nil
}

func (s *MemoryStore) Meta(_ context.Context, key string) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Meta{State: StateIdle}, nil
	}
	return Meta{
		State:              e.state,
		LockExpiresAt:      e.lockExpires,
		PayloadFingerprint: e.fingerprint,
		Generation:         e.generation,
	}, nil
}

func (s *MemoryStore) BumpReplay(_ context.Context, key string, touchTTL time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.state != StateStored || e.stored == nil {
		return 0, nil
	}
	e.stored.ReplayCount++
	if touchTTL > 0 {
		e.valueExpires = s.now() + touchTTL.Seconds()
	}
	return e.stored.ReplayCount, nil
}

func (s *MemoryStore) Purge(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.entries[key]
	delete(s.entries, key)
	return existed, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, tenant string, limit int) ([]RecentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecentEntry, 0, limit)
	prefix := tenant + ":"
	for _, re := range s.recent {
		if tenant != "" && !strings.HasPrefix(re.Key, prefix) {
			continue
		}
		out = append(out, re)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

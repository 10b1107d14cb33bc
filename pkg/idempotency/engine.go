package idempotency

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Outcome describes what the engine decided to do with a request for a
// given idempotency key.
type Outcome string

const (
	OutcomeLeader         Outcome = "leader"          // caller must execute and Put
	OutcomeReplay         Outcome = "replay"           // stored value returned
	OutcomeConflict       Outcome = "conflict"         // 409, different fingerprint, leader in progress
	OutcomeSkippedStream  Outcome = "skipped:stream"
	OutcomeSkippedSize    Outcome = "skipped:size"
	OutcomePassedOpen     Outcome = "passed_open"      // store error, fail-open
	OutcomeStoreUnavailable Outcome = "store_unavailable" // store error, fail-closed
)

// Decision is the engine's result for one inbound request.
type Decision struct {
	Outcome     Outcome
	Owner       string
	Stored      *StoredResponse
	ReplayCount int
	RetryAfter  time.Duration
}

// Engine wraps a Store with the follower-polling, fail-open/closed, and
// touch-on-replay policy.
type Engine struct {
	Store           Store
	LockTTL         time.Duration
	ValueTTL        time.Duration
	WaitBudget      time.Duration
	TouchOnReplay   bool
	StrictFailClosed bool
	Clock           func() time.Time
}

// NewEngine constructs an Engine with the given store and policy knobs.
func NewEngine(store Store, lockTTL, valueTTL, waitBudget time.Duration, touchOnReplay, strictFailClosed bool) *Engine {
	return &Engine{
		Store:            store,
		LockTTL:          lockTTL,
		ValueTTL:         valueTTL,
		WaitBudget:       waitBudget,
		TouchOnReplay:    touchOnReplay,
		StrictFailClosed: strictFailClosed,
		Clock:            time.Now,
	}
}

// Admit implements the full acquire/replay/follower-poll/conflict
// state machine.
func (e *Engine) Admit(ctx context.Context, key, fingerprint string) (Decision, error) {
	acquired, owner, err := e.Store.AcquireLeader(ctx, key, e.LockTTL, fingerprint)
	if err != nil {
		if e.StrictFailClosed {
			return Decision{Outcome: OutcomeStoreUnavailable}, nil
		}
		return Decision{Outcome: OutcomePassedOpen}, nil
	}
	if acquired {
		return Decision{Outcome: OutcomeLeader, Owner: owner}, nil
	}

	// Not leader: either a replay (stored value with matching
	// fingerprint) or contention on an in-progress lock.
	meta, err := e.Store.Meta(ctx, key)
	if err != nil {
		if e.StrictFailClosed {
			return Decision{Outcome: OutcomeStoreUnavailable}, nil
		}
		return Decision{Outcome: OutcomePassedOpen}, nil
	}

	if meta.State == StateStored {
		if meta.PayloadFingerprint == fingerprint {
			return e.replay(ctx, key)
		}
		// Stored value exists under a different fingerprint and we
		// failed to acquire: another leader is already running a
		// fresh attempt concurrently. Treat as contention below.
	}

	if meta.State == StateInProgress && meta.PayloadFingerprint != fingerprint {
		// Leader in progress with a different fingerprint: conflict,
		// no retry.
		return Decision{Outcome: OutcomeConflict}, nil
	}

	// Follower: same fingerprint, leader in progress. Poll with
	// exponential + jitter backoff up to WaitBudget.
	return e.pollFollower(ctx, key, fingerprint)
}

func (e *Engine) replay(ctx context.Context, key string) (Decision, error) {
	stored, err := e.Store.Get(ctx, key)
	if err != nil || stored == nil {
		// Value expired between Meta and Get; treat as fresh leader
		// attempt by recursing once more is unnecessary complexity for
		// this edge window — surface as pass-open so the caller retries
		// the whole Admit call.
		return Decision{Outcome: OutcomePassedOpen}, nil
	}
	touchTTL := time.Duration(0)
	if e.TouchOnReplay {
		touchTTL = e.ValueTTL
	}
	count, err := e.Store.BumpReplay(ctx, key, touchTTL)
	if err != nil {
		count = stored.ReplayCount + 1
	}
	return Decision{Outcome: OutcomeReplay, Stored: stored, ReplayCount: count}, nil
}

func (e *Engine) pollFollower(ctx context.Context, key, fingerprint string) (Decision, error) {
	deadline := e.Clock().Add(e.WaitBudget)
	backoff := 20 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return Decision{Outcome: OutcomeConflict}, ctx.Err()
		default:
		}

		meta, err := e.Store.Meta(ctx, key)
		if err == nil && meta.State == StateStored && meta.PayloadFingerprint == fingerprint {
			return e.replay(ctx, key)
		}

		if e.Clock().After(deadline) {
			break
		}

		jittered := time.Duration(float64(backoff) * (0.5 + rand.Float64()))
		sleepFor := jittered
		if remaining := time.Until(deadline); remaining < sleepFor {
			sleepFor = remaining
		}
		if sleepFor <= 0 {
			break
		}
		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Decision{Outcome: OutcomeConflict}, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > e.WaitBudget {
			backoff = e.WaitBudget
		}
	}

	// Timed out waiting: proceed as a fresh leader (second downstream
	// execution).
	acquired, owner, err := e.Store.AcquireLeader(ctx, key, e.LockTTL, fingerprint)
	if err != nil {
		if e.StrictFailClosed {
			return Decision{Outcome: OutcomeStoreUnavailable}, nil
		}
		return Decision{Outcome: OutcomePassedOpen}, nil
	}
	if acquired {
		return Decision{Outcome: OutcomeLeader, Owner: owner}, nil
	}
	// Lock still held: fail per strict_fail_closed policy.
	if e.StrictFailClosed {
		return Decision{Outcome: OutcomeStoreUnavailable}, errors.New("idempotency: follower timed out, lock still held")
	}
	return Decision{Outcome: OutcomeConflict}, nil
}

// Commit stores resp as the leader's result and releases the lock.
func (e *Engine) Commit(ctx context.Context, key, owner string, resp StoredResponse) error {
	if err := e.Store.Put(ctx, key, resp, e.ValueTTL); err != nil {
		return err
	}
	return e.Store.Release(ctx, key, owner)
}

// Abort releases the lock without storing a value (streaming,
// oversize, or downstream-exception paths). A leader that bails out
// for any reason MUST release the lock.
func (e *Engine) Abort(ctx context.Context, key, owner string) error {
	return e.Store.Release(ctx, key, owner)
}

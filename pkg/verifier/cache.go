package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultCache caches only decisive outcomes (safe|unsafe); ambiguous is
// never cached. Key shape:
// veri:v1:{tenant}:{bot}:{policy_version}:{fingerprint}.
type ResultCache interface {
	Get(ctx context.Context, tenant, bot, policyVersion, fingerprint string) (*Outcome, bool)
	Set(ctx context.Context, tenant, bot, policyVersion, fingerprint string, outcome Outcome, ttl time.Duration)
}

func cacheKey(tenant, bot, policyVersion, fingerprint string) string {
	return fmt.Sprintf("veri:v1:%s:%s:%s:%s", tenant, bot, policyVersion, fingerprint)
}

type cacheEntry struct {
	outcome Outcome
	expires time.Time
}

// MemoryResultCache is the in-process ResultCache, one mutex per store.
type MemoryResultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	clock   func() time.Time
}

// NewMemoryResultCache constructs an empty MemoryResultCache.
func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{entries: map[string]cacheEntry{}, clock: time.Now}
}

func (c *MemoryResultCache) Get(_ context.Context, tenant, bot, policyVersion, fingerprint string) (*Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(tenant, bot, policyVersion, fingerprint)]
	if !ok || c.clock().After(e.expires) {
		return nil, false
	}
	cp := e.outcome
	cp.Provider = "cache"
	cp.TokensUsed = 0
	return &cp, true
}

func (c *MemoryResultCache) Set(_ context.Context, tenant, bot, policyVersion, fingerprint string, outcome Outcome, ttl time.Duration) {
	if outcome.Status == StatusAmbiguous {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(tenant, bot, policyVersion, fingerprint)] = cacheEntry{outcome: outcome, expires: c.clock().Add(ttl)}
}

// RedisResultCache is the Redis-backed ResultCache.
type RedisResultCache struct {
	client *redis.Client
}

// NewRedisResultCache wraps an existing go-redis client.
func NewRedisResultCache(client *redis.Client) *RedisResultCache {
	return &RedisResultCache{client: client}
}

func (c *RedisResultCache) Get(ctx context.Context, tenant, bot, policyVersion, fingerprint string) (*Outcome, bool) {
	val, err := c.client.Get(ctx, cacheKey(tenant, bot, policyVersion, fingerprint)).Result()
	if err != nil {
		return nil, false
	}
	status := Status(val)
	if status != StatusSafe && status != StatusUnsafe {
		return nil, false
	}
	return &Outcome{Status: status, Provider: "cache"}, true
}

func (c *RedisResultCache) Set(ctx context.Context, tenant, bot, policyVersion, fingerprint string, outcome Outcome, ttl time.Duration) {
	if outcome.Status == StatusAmbiguous {
		return
	}
	_ = c.client.Set(ctx, cacheKey(tenant, bot, policyVersion, fingerprint), string(outcome.Status), ttl).Err()
}

// HarmfulFingerprintMemory tracks fingerprints marked unsafe, consulted
// only in the all-providers-exhausted branch.
type HarmfulFingerprintMemory struct {
	mu    sync.Mutex
	set   map[string]struct{}
	redis *redis.Client
}

// NewHarmfulFingerprintMemory constructs a memory-backed set; pass a
// non-nil client to also mirror marks into Redis for cross-process
// sharing.
func NewHarmfulFingerprintMemory(client *redis.Client) *HarmfulFingerprintMemory {
	return &HarmfulFingerprintMemory{set: map[string]struct{}{}, redis: client}
}

func (h *HarmfulFingerprintMemory) MarkHarmful(ctx context.Context, fp string) {
	h.mu.Lock()
	h.set[fp] = struct{}{}
	h.mu.Unlock()
	if h.redis != nil {
		_ = h.redis.SAdd(ctx, "veri:harmful_fp", fp).Err()
	}
}

// SeedFromThreatFeed adds operator-supplied known-bad fingerprints
// from a configured threat feed.
func (h *HarmfulFingerprintMemory) SeedFromThreatFeed(fingerprints []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fp := range fingerprints {
		h.set[fp] = struct{}{}
	}
}

func (h *HarmfulFingerprintMemory) IsHarmful(ctx context.Context, fp string) bool {
	h.mu.Lock()
	_, ok := h.set[fp]
	h.mu.Unlock()
	if ok {
		return true
	}
	if h.redis != nil {
		member, err := h.redis.SIsMember(ctx, "veri:harmful_fp", fp).Result()
		if err == nil && member {
			return true
		}
	}
	return false
}

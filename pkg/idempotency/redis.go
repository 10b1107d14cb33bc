package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newOwnerToken() string { return uuid.New().String() }

// RedisStore is the Redis-backed Store implementation. Every mutation
// is a single-key(-family) Lua script. Key shape:
// `idem:{tenant}:{key}:{suffix}`,
// suffix ∈ {lock, value, state}, plus a per-tenant recent sorted set
// `idem:{tenant}:recent`.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time

	acquireScript *redis.Script
	releaseScript *redis.Script
	putScript     *redis.Script
	bumpScript    *redis.Script
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		clock:         time.Now,
		acquireScript: redis.NewScript(acquireLeaderLua),
		releaseScript: redis.NewScript(releaseLua),
		putScript:     redis.NewScript(putLua),
		bumpScript:    redis.NewScript(bumpReplayLua),
	}
}

// WithClock overrides the store's time source for deterministic tests.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

// parseTenantKey splits the "tenant:rawKey" convention shared with
// MemoryStore into its parts.
func parseTenantKey(key string) (tenant, raw string) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

func lockKey(tenant, raw string) string   { return fmt.Sprintf("idem:%s:%s:lock", tenant, raw) }
func valueKey(tenant, raw string) string  { return fmt.Sprintf("idem:%s:%s:value", tenant, raw) }
func stateKey(tenant, raw string) string  { return fmt.Sprintf("idem:%s:%s:state", tenant, raw) }
func recentKey(tenant string) string      { return fmt.Sprintf("idem:%s:recent", tenant) }

const acquireLeaderLua = `
local lock = redis.call('GET', KEYS[1])
if lock then
  return {0, ""}
end
local stateRaw = redis.call('GET', KEYS[2])
if stateRaw then
  local state = cjson.decode(stateRaw)
  if state.fingerprint == ARGV[2] then
    return {0, ""}
  end
end
local payload = cjson.encode({owner=ARGV[3], fingerprint=ARGV[2]})
redis.call('SET', KEYS[1], payload, 'PX', ARGV[1])
return {1, ARGV[3]}
`

const releaseLua = `
local lock = redis.call('GET', KEYS[1])
if not lock then
  return 0
end
local decoded = cjson.decode(lock)
if decoded.owner ~= ARGV[1] then
  return -1
end
redis.call('DEL', KEYS[1])
return 1
`

const putLua = `
local cur = redis.call('GET', KEYS[2])
local gen = 0
if cur then
  local d = cjson.decode(cur)
  if d.generation then gen = d.generation end
end
gen = gen + 1
local fp = ARGV[2]
if fp == '' then
  local lockRaw = redis.call('GET', KEYS[3])
  if lockRaw then fp = cjson.decode(lockRaw).fingerprint end
end
local state = cjson.encode({fingerprint=fp, generation=gen})
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], state, 'PX', ARGV[3])
redis.call('DEL', KEYS[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[5])
return gen
`

const bumpReplayLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local obj = cjson.decode(raw)
local count = (obj.replay_count or 0) + 1
obj.replay_count = count
local newRaw = cjson.encode(obj)
local touch = tonumber(ARGV[1])
if touch and touch > 0 then
  redis.call('SET', KEYS[1], newRaw, 'PX', touch)
  redis.call('PEXPIRE', KEYS[2], touch)
else
  local pttl = redis.call('PTTL', KEYS[1])
  if pttl and pttl > 0 then
    redis.call('SET', KEYS[1], newRaw, 'PX', pttl)
  else
    redis.call('SET', KEYS[1], newRaw)
  end
end
return count
`

func (s *RedisStore) AcquireLeader(ctx context.Context, key string, ttl time.Duration, fingerprint string) (bool, string, error) {
	tenant, raw := parseTenantKey(key)
	owner := newOwnerToken()
	res, err := s.acquireScript.Run(ctx, s.client,
		[]string{lockKey(tenant, raw), stateKey(tenant, raw)},
		strconv.FormatInt(ttl.Milliseconds(), 10), fingerprint, owner,
	).Result()
	if err != nil {
		return false, "", fmt.Errorf("idempotency: acquire leader: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, "", fmt.Errorf("idempotency: unexpected acquire script result")
	}
	acquired, _ := arr[0].(int64)
	ownerOut, _ := arr[1].(string)
	return acquired == 1, ownerOut, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*StoredResponse, error) {
	tenant, raw := parseTenantKey(key)
	raws, err := s.client.Get(ctx, valueKey(tenant, raw)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	var resp StoredResponse
	if err := json.Unmarshal([]byte(raws), &resp); err != nil {
		return nil, fmt.Errorf("idempotency: decode stored response: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	tenant, raw := parseTenantKey(key)
	cp := resp
	cp.ReplayCount = 0
	cp.StoredAt = nowSeconds(s.clock)
	valueJSON, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("idempotency: marshal stored response: %w", err)
	}
	// fingerprint is carried alongside in the state key, not the value
	// itself. Put takes it from ctx (WithFingerprint) when set; otherwise
	// the put script copies it from the lock record that AcquireLeader
	// wrote, so Put must run while the caller still holds the lock.
	_, err = s.putScript.Run(ctx, s.client,
		[]string{valueKey(tenant, raw), stateKey(tenant, raw), lockKey(tenant, raw), recentKey(tenant)},
		string(valueJSON), pendingFingerprint(ctx), strconv.FormatInt(ttl.Milliseconds(), 10),
		strconv.FormatFloat(nowSeconds(s.clock), 'f', -1, 64), raw,
	).Result()
	if err != nil {
		return fmt.Errorf("idempotency: put: %w", err)
	}
	return nil
}

// fingerprintCtxKey threads the payload fingerprint from AcquireLeader
// through to Put within the same request scope; Put's signature does
// not carry it explicitly but the state record needs to be kept in
// sync with the value record.
type fingerprintCtxKey struct{}

// WithFingerprint attaches the fingerprint used for this request's
// leader acquisition so a subsequent Put keeps the state record
// consistent with the stored value.
func WithFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, fingerprintCtxKey{}, fp)
}

func pendingFingerprint(ctx context.Context) string {
	fp, _ := ctx.Value(fingerprintCtxKey{}).(string)
	return fp
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	tenant, raw := parseTenantKey(key)
	res, err := s.releaseScript.Run(ctx, s.client, []string{lockKey(tenant, raw)}, owner).Result()
	if err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	code, _ := res.(int64)
	if code == -1 {
		return ErrOwnerMismatch
	}
	return nil
}

func (s *RedisStore) AdminRelease(ctx context.Context, key string) error {
	tenant, raw := parseTenantKey(key)
	return s.client.Del(ctx, lockKey(tenant, raw)).Err()
}

func (s *RedisStore) Meta(ctx context.Context, key string) (Meta, error) {
	tenant, raw := parseTenantKey(key)
	pipe := s.client.Pipeline()
	lockGet := pipe.Get(ctx, lockKey(tenant, raw))
	statePTTL := pipe.PTTL(ctx, lockKey(tenant, raw))
	stateGet := pipe.Get(ctx, stateKey(tenant, raw))
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return Meta{}, fmt.Errorf("idempotency: meta: %w", err)
	}

	state := StateIdle
	var fingerprint string
	var generation int64
	if raws, err := stateGet.Result(); err == nil {
		var d struct {
			Fingerprint string `json:"fingerprint"`
			Generation  int64  `json:"generation"`
		}
		if json.Unmarshal([]byte(raws), &d) == nil {
			fingerprint = d.Fingerprint
			generation = d.Generation
			state = StateStored
		}
	}
	var lockExpiresAt float64
	if _, err := lockGet.Result(); err == nil {
		state = StateInProgress
		if ttl, err := statePTTL.Result(); err == nil && ttl > 0 {
			lockExpiresAt = nowSeconds(s.clock) + ttl.Seconds()
		}
	}
	return Meta{
		State:              state,
		LockExpiresAt:      lockExpiresAt,
		PayloadFingerprint: fingerprint,
		Generation:         uint64(generation),
	}, nil
}

func (s *RedisStore) BumpReplay(ctx context.Context, key string, touchTTL time.Duration) (int, error) {
	tenant, raw := parseTenantKey(key)
	res, err := s.bumpScript.Run(ctx, s.client,
		[]string{valueKey(tenant, raw), stateKey(tenant, raw)},
		strconv.FormatInt(touchTTL.Milliseconds(), 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("idempotency: bump replay: %w", err)
	}
	count, _ := res.(int64)
	return int(count), nil
}

func (s *RedisStore) Purge(ctx context.Context, key string) (bool, error) {
	tenant, raw := parseTenantKey(key)
	n, err := s.client.Del(ctx, lockKey(tenant, raw), valueKey(tenant, raw), stateKey(tenant, raw)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: purge: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) ListRecent(ctx context.Context, tenant string, limit int) ([]RecentEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, recentKey(tenant), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency: list recent: %w", err)
	}
	out := make([]RecentEntry, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		out = append(out, RecentEntry{Key: tenant + ":" + member, TS: z.Score})
	}
	return out, nil
}

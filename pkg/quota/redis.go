package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the Redis-backed Store implementation. Counters live
// under `quota:{key}:day:{dayStartUnix}` / `...:month:{monthStartUnix}`
// and self-expire via EXPIRE.
type RedisStore struct {
	client       *redis.Client
	checkScript  *redis.Script
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, checkScript: redis.NewScript(checkAndIncLua)}
}

const checkAndIncLua = `
local dayCount = tonumber(redis.call('GET', KEYS[1]) or '0')
local monthCount = tonumber(redis.call('GET', KEYS[2]) or '0')
local perDay = tonumber(ARGV[1])
local perMonth = tonumber(ARGV[2])
local exceedDay = (dayCount + 1) > perDay
local exceedMonth = (monthCount + 1) > perMonth
if exceedDay or exceedMonth then
  return {0, dayCount, monthCount}
end
dayCount = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
monthCount = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {1, dayCount, monthCount}
`

func dayRedisKey(key string, now time.Time) string {
	return fmt.Sprintf("quota:%s:day:%d", key, DayStart(now).Unix())
}

func monthRedisKey(key string, now time.Time) string {
	return fmt.Sprintf("quota:%s:month:%d", key, MonthStart(now).Unix())
}

func (s *RedisStore) CheckAndInc(ctx context.Context, key string, perDay, perMonth int64, now time.Time) (Result, error) {
	dayTTL := int64(nextDayStart(now).Sub(now).Seconds()) + 60
	monthTTL := int64(nextMonthStart(now).Sub(now).Seconds()) + 60

	res, err := s.checkScript.Run(ctx, s.client,
		[]string{dayRedisKey(key, now), monthRedisKey(key, now)},
		strconv.FormatInt(perDay, 10), strconv.FormatInt(perMonth, 10),
		strconv.FormatInt(dayTTL, 10), strconv.FormatInt(monthTTL, 10),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("quota: check and inc: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Result{}, fmt.Errorf("quota: unexpected script result")
	}
	allowed, _ := arr[0].(int64)
	dayCount, _ := arr[1].(int64)
	monthCount, _ := arr[2].(int64)

	return buildResult(allowed == 1, dayCount, monthCount, perDay, perMonth, now), nil
}

func buildResult(allowed bool, dayCount, monthCount, perDay, perMonth int64, now time.Time) Result {
	dayRemaining := maxInt64(0, perDay-dayCount)
	monthRemaining := maxInt64(0, perMonth-monthCount)

	if allowed {
		return Result{
			Allowed: true, Reason: ReasonOK,
			DayRemaining: dayRemaining, MonthRemaining: monthRemaining,
			DayLimit: perDay, MonthLimit: perMonth, ResetAt: nextDayStart(now),
		}
	}

	reason := ReasonDay
	retryAfter := nextDayStart(now).Sub(now)
	exceedDay := dayCount+1 > perDay
	exceedMonth := monthCount+1 > perMonth
	if exceedMonth && (!exceedDay || monthRemaining <= dayRemaining) {
		reason = ReasonMonth
		retryAfter = nextMonthStart(now).Sub(now)
	}
	return Result{
		Allowed: false, Reason: reason, RetryAfter: retryAfter,
		DayRemaining: dayRemaining, MonthRemaining: monthRemaining,
		DayLimit: perDay, MonthLimit: perMonth, ResetAt: nextDayStart(now),
	}
}

func (s *RedisStore) Peek(ctx context.Context, key string, perDay, perMonth int64, now time.Time) (Result, error) {
	pipe := s.client.Pipeline()
	dayGet := pipe.Get(ctx, dayRedisKey(key, now))
	monthGet := pipe.Get(ctx, monthRedisKey(key, now))
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("quota: peek: %w", err)
	}
	dayCount, _ := strconv.ParseInt(dayGet.Val(), 10, 64)
	monthCount, _ := strconv.ParseInt(monthGet.Val(), 10, 64)
	return buildResult(true, dayCount, monthCount, perDay, perMonth, now), nil
}

func (s *RedisStore) ResetKey(ctx context.Context, key string, which Which) error {
	now := time.Now()
	switch which {
	case WhichDay:
		return s.client.Del(ctx, dayRedisKey(key, now)).Err()
	case WhichMonth:
		return s.client.Del(ctx, monthRedisKey(key, now)).Err()
	default:
		return s.client.Del(ctx, dayRedisKey(key, now), monthRedisKey(key, now)).Err()
	}
}

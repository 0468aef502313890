/**
 * @description
 * Redis-backed adapters for the app layer: the terminal snapshot cache and a
 * distributed rate limiter for the poll endpoint. Both degrade gracefully; a
 * nil client disables them and every operation becomes a no-op.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// snapshotTTL bounds how long a terminal snapshot stays cached. The database
// remains the source of truth; expiry just forces a rebuild.
const snapshotTTL = 24 * time.Hour

// RedisSnapshotCache caches serialized terminal job snapshots.
type RedisSnapshotCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSnapshotCache(client redis.UniversalClient, prefix string) *RedisSnapshotCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "afb:snapshot"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisSnapshotCache{client: client, prefix: trimmedPrefix}
}

func (c *RedisSnapshotCache) key(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", c.prefix, jobID)
}

// GetSnapshot returns the cached payload, or (nil, nil) on miss.
func (c *RedisSnapshotCache) GetSnapshot(ctx context.Context, jobID uuid.UUID) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, c.key(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// StoreSnapshot writes the payload with the cache TTL. Terminal snapshots
// never change, so there is no invalidation path.
func (c *RedisSnapshotCache) StoreSnapshot(ctx context.Context, jobID uuid.UUID, payload []byte) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.key(jobID), payload, snapshotTTL).Err()
}

var pollRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisPollRateLimiter implements distributed rate limiting using Redis.
type RedisPollRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPollRateLimiter(client redis.UniversalClient, prefix string) *RedisPollRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "afb:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisPollRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisPollRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := pollRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}

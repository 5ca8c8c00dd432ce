package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
	redisclient "github.com/zatekoja/clinicqueue/internal/infrastructure/clients/redis"
)

// CounterKeyPrefix namespaces counter keys in Redis
const CounterKeyPrefix = "queue:counter:"

// decrementFloorScript decrements only while the value is positive, so the
// check and the write happen in one server-side step.
var decrementFloorScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisCounterCache implements providers.CounterCache with INCR and a clamped DECR
type RedisCounterCache struct {
	client *redisclient.Client
}

// NewRedisCounterCache creates a counter cache on the given client
func NewRedisCounterCache(client *redisclient.Client) *RedisCounterCache {
	return &RedisCounterCache{client: client}
}

var _ providers.CounterCache = (*RedisCounterCache)(nil)

func redisCounterKey(key entities.CounterKey) string {
	return CounterKeyPrefix + string(key)
}

// Increment adds one to the counter
func (c *RedisCounterCache) Increment(ctx context.Context, key entities.CounterKey) error {
	if err := c.client.Client().Incr(ctx, redisCounterKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return nil
}

// Decrement subtracts one, never going below zero
func (c *RedisCounterCache) Decrement(ctx context.Context, key entities.CounterKey) error {
	if err := decrementFloorScript.Run(ctx, c.client.Client(), []string{redisCounterKey(key)}).Err(); err != nil {
		return fmt.Errorf("failed to decrement %s: %w", key, err)
	}
	return nil
}

// Get returns the counter value
func (c *RedisCounterCache) Get(ctx context.Context, key entities.CounterKey) (int64, bool, error) {
	v, err := c.client.Client().Get(ctx, redisCounterKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, true, nil
}

// Set overwrites the counter
func (c *RedisCounterCache) Set(ctx context.Context, key entities.CounterKey, value int64) error {
	if value < 0 {
		value = 0
	}
	if err := c.client.Client().Set(ctx, redisCounterKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Reconcile overwrites the counter with a store-derived count
func (c *RedisCounterCache) Reconcile(ctx context.Context, key entities.CounterKey, trueCount int64) error {
	return c.Set(ctx, key, trueCount)
}

// Clear removes every counter
func (c *RedisCounterCache) Clear(ctx context.Context) error {
	keys := make([]string, 0, len(entities.AllCounterKeys))
	for _, k := range entities.AllCounterKeys {
		keys = append(keys, redisCounterKey(k))
	}
	if err := c.client.Client().Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear counters: %w", err)
	}
	return nil
}

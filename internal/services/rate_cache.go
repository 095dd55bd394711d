package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/tierrewards/ledger/internal/models"
)

// RateCacheKey is the redis key holding the cached rate table.
const RateCacheKey = "ledger:rates:usd"

// RateCache holds the most recently read rate table for a short TTL.
type RateCache interface {
	Get(ctx context.Context) (models.RateTable, bool, error)
	Set(ctx context.Context, table models.RateTable) error
	Invalidate(ctx context.Context) error
}

// MemoryRateCache is a process-local RateCache.
type MemoryRateCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	table    models.RateTable
	storedAt time.Time
	now      func() time.Time
}

func NewMemoryRateCache(ttl time.Duration) *MemoryRateCache {
	return &MemoryRateCache{ttl: ttl, now: time.Now}
}

func (c *MemoryRateCache) Get(_ context.Context) (models.RateTable, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.table == nil || c.now().Sub(c.storedAt) >= c.ttl {
		return nil, false, nil
	}
	return copyTable(c.table), true, nil
}

func (c *MemoryRateCache) Set(_ context.Context, table models.RateTable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = copyTable(table)
	c.storedAt = c.now()
	return nil
}

func (c *MemoryRateCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = nil
	return nil
}

// RedisRateCache shares the rate table across ledger instances.
type RedisRateCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisRateCache(client redis.Cmdable, ttl time.Duration) *RedisRateCache {
	return &RedisRateCache{client: client, ttl: ttl}
}

func (c *RedisRateCache) Get(ctx context.Context) (models.RateTable, bool, error) {
	data, err := c.client.Get(ctx, RateCacheKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var raw map[models.Network]string
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, false, err
	}
	table := make(models.RateTable, len(raw))
	for n, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, false, err
		}
		table[n] = d
	}
	return table, true, nil
}

func (c *RedisRateCache) Set(ctx context.Context, table models.RateTable) error {
	raw := make(map[models.Network]string, len(table))
	for n, d := range table {
		raw[n] = d.String()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, RateCacheKey, string(data), c.ttl).Err()
}

func (c *RedisRateCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, RateCacheKey).Err()
}

func copyTable(t models.RateTable) models.RateTable {
	out := make(models.RateTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

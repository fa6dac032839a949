package priceoracle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// RedisHotCache is an optional read-through accelerator in front of
// DiskCache, grounded on internal/data/redis_alerts.go's key-per-entity
// caching pattern. The disk store remains the source of truth: a cache
// miss or an unreachable Redis simply falls through to disk, it is never
// treated as a MissingPrice.
type RedisHotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisHotCache(client *redis.Client) *RedisHotCache {
	return &RedisHotCache{client: client, ttl: 24 * time.Hour}
}

func redisKey(asset string, day time.Time) string {
	return fmt.Sprintf("qntropy:price:%s:%s", asset, day.Format("2006-01-02"))
}

// Get returns (price, source, true) on a hit. Any Redis-level error is
// swallowed and reported as a miss — Redis is an accelerator, not a
// dependency this module can fail on.
func (c *RedisHotCache) Get(ctx context.Context, asset string, day time.Time) (decimal.Decimal, string, bool) {
	if c == nil || c.client == nil {
		return decimal.Decimal{}, "", false
	}
	val, err := c.client.Get(ctx, redisKey(asset, day)).Result()
	if err != nil {
		return decimal.Decimal{}, "", false
	}
	var priceStr, source string
	if _, err := fmt.Sscanf(val, "%s %s", &priceStr, &source); err != nil {
		return decimal.Decimal{}, "", false
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Decimal{}, "", false
	}
	return price, source, true
}

func (c *RedisHotCache) Set(ctx context.Context, asset string, day time.Time, price decimal.Decimal, source string) {
	if c == nil || c.client == nil {
		return
	}
	val := fmt.Sprintf("%s %s", price.String(), source)
	_ = c.client.Set(ctx, redisKey(asset, day), val, c.ttl).Err()
}

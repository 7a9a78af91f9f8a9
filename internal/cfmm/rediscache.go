package cfmm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"
)

// RedisPriceCache is an optional, shared-across-instances spot-price
// cache with its own Get/Set, for engine instances that need to agree
// on cached prices. CachedBridge does not use it: NewCachedBridge
// always caches in an in-process map.
type RedisPriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPriceCache wraps client with a cache using ttl (0 uses
// DefaultPriceTTL).
func NewRedisPriceCache(client *redis.Client, ttl time.Duration) *RedisPriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &RedisPriceCache{client: client, ttl: ttl}
}

type redisPriceRecord struct {
	Price string `json:"price"`
}

func priceCacheKey(tokenIn, tokenOut string) string {
	return fmt.Sprintf("cfmm:price:%s:%s", tokenIn, tokenOut)
}

// Get returns the cached price for (tokenIn, tokenOut), or nil if
// absent or expired; Redis's own key TTL does the expiry, so there is
// no separate lazy-purge step here the way the in-process cache needs
// one.
func (c *RedisPriceCache) Get(ctx context.Context, tokenIn, tokenOut string) (*decimal.Decimal, error) {
	data, err := c.client.Get(ctx, priceCacheKey(tokenIn, tokenOut)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		log.WithError(err).Warn("cfmm: redis price cache read failed")
		return nil, err
	}
	var rec redisPriceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(rec.Price)
	if err != nil {
		return nil, err
	}
	return &price, nil
}

// Set stores price for (tokenIn, tokenOut) and its reverse pair,
// keeping both consistent under the same TTL.
func (c *RedisPriceCache) Set(ctx context.Context, tokenIn, tokenOut string, price decimal.Decimal) error {
	if err := c.setOne(ctx, tokenIn, tokenOut, price); err != nil {
		return err
	}
	if price.IsPositive() {
		reverse := decimal.NewFromInt(1).Div(price)
		return c.setOne(ctx, tokenOut, tokenIn, reverse)
	}
	return nil
}

func (c *RedisPriceCache) setOne(ctx context.Context, tokenIn, tokenOut string, price decimal.Decimal) error {
	data, err := json.Marshal(redisPriceRecord{Price: price.String()})
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, priceCacheKey(tokenIn, tokenOut), data, c.ttl).Err(); err != nil {
		log.WithError(err).Warn("cfmm: redis price cache write failed")
		return err
	}
	return nil
}

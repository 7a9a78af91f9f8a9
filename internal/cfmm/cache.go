package cfmm

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPriceTTL is the price cache's default time-to-live.
const DefaultPriceTTL = time.Second

type priceEntry struct {
	price     decimal.Decimal
	timestamp time.Time
}

// CachedBridge wraps a Bridge with a TTL price cache keyed by
// (tokenIn, tokenOut), keeping the reverse pair's cached price
// consistent (reverse = 1/price). The cache is an in-process map
// since spot prices need sub-millisecond reads that a round trip to
// Redis would defeat; RedisPriceCache covers the cross-process case.
type CachedBridge struct {
	inner       Bridge
	ttl         time.Duration
	maxAttempts int

	mu      sync.Mutex
	entries map[pairKey]priceEntry
}

type pairKey struct{ in, out string }

// NewCachedBridge wraps inner with a price cache of the given ttl (0
// uses DefaultPriceTTL).
func NewCachedBridge(inner Bridge, ttl time.Duration) *CachedBridge {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &CachedBridge{
		inner:       inner,
		ttl:         ttl,
		maxAttempts: 2,
		entries:     make(map[pairKey]priceEntry),
	}
}

// GetRoute always consults the underlying bridge directly (routes
// depend on trade size and slippage, which the cache does not key
// on), retrying transient failures via doWithRetry.
func (c *CachedBridge) GetRoute(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*Route, error) {
	var route *Route
	err := doWithRetry(ctx, c.maxAttempts, func() error {
		r, err := c.inner.GetRoute(ctx, tokenIn, tokenOut, amountIn, slippage)
		route = r
		return err
	})
	return route, err
}

// ExecuteDirect is never cached; it calls the underlying bridge,
// retrying transient failures via doWithRetry.
func (c *CachedBridge) ExecuteDirect(ctx context.Context, tokenIn, tokenOut string, amountIn, slippage decimal.Decimal) (*ExecutionResult, error) {
	var result *ExecutionResult
	err := doWithRetry(ctx, c.maxAttempts, func() error {
		r, err := c.inner.ExecuteDirect(ctx, tokenIn, tokenOut, amountIn, slippage)
		result = r
		return err
	})
	return result, err
}

// SpotPrice serves from the TTL cache when fresh, otherwise refreshes
// from the underlying bridge and populates both the forward and
// reverse-pair cache entries.
func (c *CachedBridge) SpotPrice(ctx context.Context, tokenIn, tokenOut string) (*decimal.Decimal, error) {
	c.purgeExpired()

	c.mu.Lock()
	if e, ok := c.entries[pairKey{tokenIn, tokenOut}]; ok && time.Since(e.timestamp) < c.ttl {
		price := e.price
		c.mu.Unlock()
		return &price, nil
	}
	c.mu.Unlock()

	price, err := c.inner.SpotPrice(ctx, tokenIn, tokenOut)
	if err != nil || price == nil {
		return price, err
	}

	c.set(tokenIn, tokenOut, *price)
	return price, nil
}

func (c *CachedBridge) set(tokenIn, tokenOut string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.entries[pairKey{tokenIn, tokenOut}] = priceEntry{price: price, timestamp: now}
	if price.IsPositive() {
		reverse := decimal.NewFromInt(1).Div(price)
		c.entries[pairKey{tokenOut, tokenIn}] = priceEntry{price: reverse, timestamp: now}
	}
}

// purgeExpired lazily drops entries past their TTL.
func (c *CachedBridge) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.timestamp) >= c.ttl {
			delete(c.entries, k)
		}
	}
}

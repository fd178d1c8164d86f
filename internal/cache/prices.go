package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// PriceTTL keeps current prices barely longer than the fastest stream tick.
const PriceTTL = 10 * time.Second

// PriceCache holds the latest trade price per symbol.
type PriceCache struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewPriceCache creates a price cache view over the shared client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Redis(), ttl: PriceTTL}
}

// Set stores the current price for a symbol.
func (pc *PriceCache) Set(ctx context.Context, symbol string, price decimal.Decimal) error {
	return pc.rdb.Set(ctx, priceKey(symbol), price.String(), pc.ttl).Err()
}

// Get returns the current price. ok is false when the price has expired.
func (pc *PriceCache) Get(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	raw, err := pc.rdb.Get(ctx, priceKey(symbol)).Result()
	if err == goredis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("price get %s: %w", symbol, err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("price parse %s: %w", symbol, err)
	}
	return d, true, nil
}

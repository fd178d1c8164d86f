package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crypto-alert-core/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// CandleTTL bounds how long a candle series lives without updates.
const CandleTTL = 600 * time.Second

// CandleCache stores the recent candle series per (symbol, timeframe) as a
// sorted set scored by close time.
type CandleCache struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewCandleCache creates a candle cache view over the shared client.
func NewCandleCache(c *Client) *CandleCache {
	return &CandleCache{rdb: c.Redis(), ttl: CandleTTL}
}

// Add upserts a candle into the series. Updates to a still-open bucket
// replace the earlier snapshot of that bucket, keeping open times strictly
// increasing across members.
func (cc *CandleCache) Add(ctx context.Context, c model.Candle) error {
	key := candlesKey(c.Symbol, c.Timeframe)
	score := float64(c.CloseTime)

	pipe := cc.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, formatFloat(score), formatFloat(score))
	pipe.ZAdd(ctx, key, &goredis.Z{Score: score, Member: string(c.JSON())})
	pipe.Expire(ctx, key, cc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("candle add %s: %w", key, err)
	}
	return nil
}

// Seed bulk-loads historical candles in one pipeline. Used by the warmer.
func (cc *CandleCache) Seed(ctx context.Context, symbol, timeframe string, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	key := candlesKey(symbol, timeframe)

	members := make([]*goredis.Z, 0, len(candles))
	for i := range candles {
		members = append(members, &goredis.Z{
			Score:  float64(candles[i].CloseTime),
			Member: string(candles[i].JSON()),
		})
	}

	pipe := cc.rdb.Pipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, cc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("candle seed %s: %w", key, err)
	}
	return nil
}

// Recent returns up to limit most recent candles, oldest first.
func (cc *CandleCache) Recent(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	key := candlesKey(symbol, timeframe)
	raw, err := cc.rdb.ZRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("candle range %s: %w", key, err)
	}

	out := make([]model.Candle, 0, len(raw))
	for _, item := range raw {
		var c model.Candle
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			// Skip unreadable members rather than failing the series.
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// RecentCloses returns the close prices of the last limit candles,
// oldest first.
func (cc *CandleCache) RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]decimal.Decimal, error) {
	candles, err := cc.Recent(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	closes := make([]decimal.Decimal, len(candles))
	for i := range candles {
		closes[i] = candles[i].Close
	}
	return closes, nil
}

// Size returns the number of candles held for (symbol, timeframe).
func (cc *CandleCache) Size(ctx context.Context, symbol, timeframe string) (int64, error) {
	return cc.rdb.ZCard(ctx, candlesKey(symbol, timeframe)).Result()
}

// Clear drops the series for (symbol, timeframe).
func (cc *CandleCache) Clear(ctx context.Context, symbol, timeframe string) error {
	return cc.rdb.Del(ctx, candlesKey(symbol, timeframe)).Err()
}

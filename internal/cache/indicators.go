package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"crypto-alert-core/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Default lifetimes per key class.
const (
	IndicatorTTL = 30 * time.Second
	StateTTL     = 300 * time.Second
)

// batchRsiPeriods and batchEmaPeriods are the periods one batched read
// returns. RSI 21 is fetched for downstream consumers even though the engine
// only computes 14.
var (
	batchRsiPeriods = []int{14, 21}
	batchEmaPeriods = []int{20, 50, 100, 200}
)

// IndicatorCache stores current and previous indicator values plus
// calculation state.
type IndicatorCache struct {
	rdb      *goredis.Client
	ttl      time.Duration
	stateTTL time.Duration
}

// NewIndicatorCache creates an indicator cache view over the shared client.
func NewIndicatorCache(c *Client) *IndicatorCache {
	return &IndicatorCache{rdb: c.Redis(), ttl: IndicatorTTL, stateTTL: StateTTL}
}

// Rsi returns the cached RSI value. ok is false on a miss.
func (ic *IndicatorCache) Rsi(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error) {
	return ic.getFloat(ctx, rsiKey(symbol, timeframe, period))
}

// SetRsi stores the current RSI value with the indicator TTL.
func (ic *IndicatorCache) SetRsi(ctx context.Context, symbol, timeframe string, period int, value float64) error {
	key := rsiKey(symbol, timeframe, period)
	return ic.rdb.Set(ctx, key, formatFloat(value), ic.ttl).Err()
}

// Ema returns the cached EMA value for one period. ok is false on a miss.
func (ic *IndicatorCache) Ema(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error) {
	return ic.getFloat(ctx, emaKey(symbol, timeframe, period))
}

// SetVolumeChange stores the most recent closed-candle volume change ratio.
func (ic *IndicatorCache) SetVolumeChange(ctx context.Context, symbol, timeframe string, change float64) error {
	return ic.rdb.Set(ctx, volumeKey(symbol, timeframe), formatFloat(change), ic.ttl).Err()
}

// rtPoint is the payload stored under real-time keys.
type rtPoint struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // epoch ms
	Period    int     `json:"period,omitempty"`
	Slope     string  `json:"slope,omitempty"` // decimal string, EMA only
}

// SetRsiRealTime stores the live RSI snapshot and shadows the value it
// replaces under ":prev" with double the TTL, so one read can always see the
// previous tick.
func (ic *IndicatorCache) SetRsiRealTime(ctx context.Context, symbol, timeframe string, period int, value float64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ic.ttl
	}
	key := realTimeKey(rsiKey(symbol, timeframe, period))

	payload, err := serialize(rtPoint{
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
		Period:    period,
	})
	if err != nil {
		return err
	}

	// Read the value being replaced before overwriting it.
	current, err := ic.rdb.Get(ctx, key).Result()
	hadCurrent := err == nil
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("rsi rt read-back: %w", err)
	}

	pipe := ic.rdb.Pipeline()
	pipe.Set(ctx, key, payload, ttl)
	if hadCurrent {
		pipe.Set(ctx, prevKey(key), current, 2*ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rsi rt write: %w", err)
	}
	return nil
}

// RsiWithPrevious returns the live RSI, the previous live RSI, and the time
// between them in milliseconds. ok is false when no current value exists.
func (ic *IndicatorCache) RsiWithPrevious(ctx context.Context, symbol, timeframe string, period int) (curr, prev float64, deltaMs int64, ok bool, err error) {
	key := realTimeKey(rsiKey(symbol, timeframe, period))
	vals, err := ic.rdb.MGet(ctx, key, prevKey(key)).Result()
	if err != nil {
		return 0, 0, 0, false, fmt.Errorf("rsi rt mget: %w", err)
	}

	currRaw, _ := vals[0].(string)
	if currRaw == "" {
		return 0, 0, 0, false, nil
	}
	var currPt rtPoint
	if err := deserialize(currRaw, &currPt); err != nil {
		return 0, 0, 0, false, err
	}

	prevRaw, _ := vals[1].(string)
	if prevRaw == "" {
		return currPt.Value, 0, 0, true, nil
	}
	var prevPt rtPoint
	if err := deserialize(prevRaw, &prevPt); err != nil {
		return currPt.Value, 0, 0, true, nil
	}
	return currPt.Value, prevPt.Value, currPt.Timestamp - prevPt.Timestamp, true, nil
}

// SetEmaBatch stores the plain value, the live snapshot and the calculation
// state for every period in one pipelined batch: a single MSET plus per-key
// TTL refresh. rtTTL applies to the live snapshots only; plain values and
// state keep their class TTLs.
func (ic *IndicatorCache) SetEmaBatch(ctx context.Context, symbol, timeframe string, states map[int]model.EmaState, rtTTL time.Duration) error {
	if len(states) == 0 {
		return nil
	}
	if rtTTL <= 0 {
		rtTTL = ic.ttl
	}

	mapping := make(map[string]string, 3*len(states))
	ttls := make(map[string]time.Duration, 3*len(states))
	for period, st := range states {
		value, _ := st.Value.Float64()
		payload, err := serialize(rtPoint{
			Value:     value,
			Timestamp: st.Timestamp * 1000,
			Slope:     st.Slope.String(),
		})
		if err != nil {
			return err
		}
		statePayload, err := serialize(st)
		if err != nil {
			return err
		}

		rtKey := realTimeKey(emaKey(symbol, timeframe, period))
		plainKey := emaKey(symbol, timeframe, period)
		stateKey := calcStateKey("ema", symbol, timeframe, period)

		mapping[rtKey] = payload
		mapping[plainKey] = formatFloat(value)
		mapping[stateKey] = statePayload
		ttls[rtKey] = rtTTL
		ttls[plainKey] = ic.ttl
		ttls[stateKey] = ic.stateTTL
	}

	pipe := ic.rdb.Pipeline()
	pipe.MSet(ctx, mapping)
	for key, ttl := range ttls {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ema batch write: %w", err)
	}
	return nil
}

// EmaStates fetches the persisted EMA states for all periods in one MGET.
// Missing periods are simply absent from the result.
func (ic *IndicatorCache) EmaStates(ctx context.Context, symbol, timeframe string, periods []int) (map[int]model.EmaState, error) {
	keys := make([]string, len(periods))
	for i, p := range periods {
		keys[i] = calcStateKey("ema", symbol, timeframe, p)
	}
	vals, err := ic.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("ema states mget: %w", err)
	}

	out := make(map[int]model.EmaState, len(periods))
	for i, p := range periods {
		raw, _ := vals[i].(string)
		if raw == "" {
			continue
		}
		var st model.EmaState
		if err := deserialize(raw, &st); err != nil || st.Period != p {
			continue
		}
		out[p] = st
	}
	return out, nil
}

// Batch is the result of one batched indicator read.
type Batch struct {
	Rsi          map[int]float64
	Ema          map[int]float64
	VolumeChange *float64
	FetchedAt    time.Time
}

// IndicatorsBatch fetches RSI {14, 21}, EMA {20, 50, 100, 200} and the volume
// change for a pair in a single MGET round trip.
func (ic *IndicatorCache) IndicatorsBatch(ctx context.Context, symbol, timeframe string) (Batch, error) {
	keys := make([]string, 0, len(batchRsiPeriods)+len(batchEmaPeriods)+1)
	for _, p := range batchRsiPeriods {
		keys = append(keys, rsiKey(symbol, timeframe, p))
	}
	for _, p := range batchEmaPeriods {
		keys = append(keys, emaKey(symbol, timeframe, p))
	}
	keys = append(keys, volumeKey(symbol, timeframe))

	vals, err := ic.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Batch{}, fmt.Errorf("indicators mget: %w", err)
	}

	out := Batch{
		Rsi:       make(map[int]float64, len(batchRsiPeriods)),
		Ema:       make(map[int]float64, len(batchEmaPeriods)),
		FetchedAt: time.Now(),
	}
	for i, p := range batchRsiPeriods {
		if f, ok := parseFloatVal(vals[i]); ok {
			out.Rsi[p] = f
		}
	}
	off := len(batchRsiPeriods)
	for i, p := range batchEmaPeriods {
		if f, ok := parseFloatVal(vals[off+i]); ok {
			out.Ema[p] = f
		}
	}
	if f, ok := parseFloatVal(vals[len(vals)-1]); ok {
		out.VolumeChange = &f
	}
	return out, nil
}

// SaveRsiState atomically replaces the persisted Wilder state.
func (ic *IndicatorCache) SaveRsiState(ctx context.Context, symbol, timeframe string, state *model.RsiState) error {
	payload, err := serialize(state)
	if err != nil {
		return err
	}
	key := calcStateKey("rsi", symbol, timeframe, state.Period)
	return ic.rdb.Set(ctx, key, payload, ic.stateTTL).Err()
}

// RsiState loads the persisted Wilder state. Returns nil on a miss.
func (ic *IndicatorCache) RsiState(ctx context.Context, symbol, timeframe string, period int) (*model.RsiState, error) {
	key := calcStateKey("rsi", symbol, timeframe, period)
	raw, err := ic.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rsi state read: %w", err)
	}

	var state model.RsiState
	if err := deserialize(raw, &state); err != nil {
		return nil, fmt.Errorf("rsi state decode: %w", err)
	}
	return &state, nil
}

// DropRsiState removes a corrupted or invariant-violating state so the next
// tick recomputes from history.
func (ic *IndicatorCache) DropRsiState(ctx context.Context, symbol, timeframe string, period int) error {
	return ic.rdb.Del(ctx, calcStateKey("rsi", symbol, timeframe, period)).Err()
}

// Invalidate deletes every cached key for (symbol, timeframe). Used when
// historical data is reloaded. Returns the number of keys removed.
func (ic *IndicatorCache) Invalidate(ctx context.Context, symbol, timeframe string) (int, error) {
	deleted := 0
	iter := ic.rdb.Scan(ctx, 0, invalidatePattern(symbol, timeframe), 0).Iterator()
	for iter.Next(ctx) {
		if err := ic.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("invalidate %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("invalidate scan: %w", err)
	}
	return deleted, nil
}

// AdaptiveTTL derives the real-time snapshot TTL from recent volatility.
func (ic *IndicatorCache) AdaptiveTTL(volatility float64) time.Duration {
	return adaptiveTTL(ic.ttl, volatility)
}

func (ic *IndicatorCache) getFloat(ctx context.Context, key string) (float64, bool, error) {
	raw, err := ic.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, true, nil
}

func parseFloatVal(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

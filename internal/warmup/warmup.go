// Package warmup backfills candle history over the exchange REST API and
// precomputes indicator values before the live stream starts, so the first
// WebSocket tick already finds seeded caches and warm calculation state.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/cache"
	"crypto-alert-core/internal/indicator"
	"crypto-alert-core/internal/model"
)

// defaultCandleLimit matches the exchange default page size and comfortably
// covers the longest EMA period in use.
const defaultCandleLimit = 100

// KlineFetcher loads historical candles for one series.
type KlineFetcher interface {
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)
}

// CandleSeeder replaces a series' cached history in one shot.
type CandleSeeder interface {
	Seed(ctx context.Context, symbol, timeframe string, candles []model.Candle) error
}

// BinanceFetcher fetches klines from the exchange REST API.
type BinanceFetcher struct {
	client *binance.Client
}

func NewBinanceFetcher(client *binance.Client) *BinanceFetcher {
	return &BinanceFetcher{client: client}
}

// Klines fetches up to limit most-recent candles. The exchange includes the
// still-open bucket as the final element; it comes back with Closed false
// so callers can filter it.
func (f *BinanceFetcher) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	ks, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, timeframe, err)
	}

	nowMs := time.Now().UnixMilli()
	out := make([]model.Candle, 0, len(ks))
	for _, k := range ks {
		c, err := convertKline(symbol, timeframe, k, nowMs)
		if err != nil {
			return nil, fmt.Errorf("klines %s %s: %w", symbol, timeframe, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func convertKline(symbol, timeframe string, k *binance.Kline, nowMs int64) (model.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return model.Candle{}, fmt.Errorf("open %q: %w", k.Open, err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return model.Candle{}, fmt.Errorf("high %q: %w", k.High, err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return model.Candle{}, fmt.Errorf("low %q: %w", k.Low, err)
	}
	cls, err := decimal.NewFromString(k.Close)
	if err != nil {
		return model.Candle{}, fmt.Errorf("close %q: %w", k.Close, err)
	}
	vol, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return model.Candle{}, fmt.Errorf("volume %q: %w", k.Volume, err)
	}
	return model.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Closed:    k.CloseTime <= nowMs,
	}, nil
}

// Config selects what gets warmed.
type Config struct {
	Timeframes  []string
	CandleLimit int // candles per series; 0 means defaultCandleLimit
	RsiPeriod   int
	EmaPeriods  []int
}

// Report summarizes one warmup pass.
type Report struct {
	Pairs      int // pairs with at least one warmed series
	Candles    int // candles seeded into the cache
	Indicators int // indicator values precomputed and written
	Failures   int // series that could not be warmed
}

func (r Report) String() string {
	return fmt.Sprintf("pairs=%d candles=%d indicators=%d failures=%d",
		r.Pairs, r.Candles, r.Indicators, r.Failures)
}

// Warmer runs the warmup pass.
type Warmer struct {
	fetcher KlineFetcher
	seeder  CandleSeeder
	writer  indicator.StateWriter
	cfg     Config
}

func New(fetcher KlineFetcher, seeder CandleSeeder, writer indicator.StateWriter, cfg Config) *Warmer {
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = defaultCandleLimit
	}
	return &Warmer{fetcher: fetcher, seeder: seeder, writer: writer, cfg: cfg}
}

// Run warms every symbol x timeframe series. Failures are counted and
// logged, never fatal: a symbol the REST API rejects must not keep the
// rest of the watchlist cold. Stops early when ctx is cancelled.
func (w *Warmer) Run(ctx context.Context, symbols []string) Report {
	start := time.Now()
	var rep Report

	for _, sym := range symbols {
		warmed := false
		for _, tf := range w.cfg.Timeframes {
			if ctx.Err() != nil {
				log.Printf("[warmup] cancelled after %s: %s", time.Since(start).Round(time.Millisecond), rep)
				return rep
			}
			candles, indicators, err := w.warmSeries(ctx, sym, tf)
			if err != nil {
				log.Printf("[warmup] %s %s: %v", sym, tf, err)
				rep.Failures++
				continue
			}
			rep.Candles += candles
			rep.Indicators += indicators
			warmed = true
		}
		if warmed {
			rep.Pairs++
		}
	}

	log.Printf("[warmup] done in %s: %s", time.Since(start).Round(time.Millisecond), rep)
	return rep
}

// warmSeries seeds one (symbol, timeframe) series and precomputes its
// indicators from the fetched closes.
func (w *Warmer) warmSeries(ctx context.Context, symbol, timeframe string) (int, int, error) {
	fetched, err := w.fetcher.Klines(ctx, symbol, timeframe, w.cfg.CandleLimit)
	if err != nil {
		return 0, 0, err
	}

	closed := fetched[:0:0]
	for _, c := range fetched {
		if c.Closed {
			closed = append(closed, c)
		}
	}
	if len(closed) == 0 {
		return 0, 0, nil
	}

	if err := w.seeder.Seed(ctx, symbol, timeframe, closed); err != nil {
		return 0, 0, fmt.Errorf("seed: %w", err)
	}

	closes := make([]decimal.Decimal, len(closed))
	for i, c := range closed {
		closes[i] = c.Close
	}

	indicators := 0

	rsiVal, rsiState, err := indicator.FullRsi(closes, w.cfg.RsiPeriod)
	switch {
	case errors.Is(err, indicator.ErrInsufficientData):
		// Short history; the live path will warm it once enough closes
		// accumulate.
	case err != nil:
		log.Printf("[warmup] rsi %s %s: %v", symbol, timeframe, err)
	default:
		if werr := w.writer.WriteRsi(cache.RsiWrite{
			Symbol:    symbol,
			Timeframe: timeframe,
			Period:    w.cfg.RsiPeriod,
			Value:     rsiVal,
			State:     rsiState,
		}); werr != nil {
			log.Printf("[warmup] rsi write %s %s: %v", symbol, timeframe, werr)
		} else {
			indicators++
		}
	}

	states := make(map[int]model.EmaState, len(w.cfg.EmaPeriods))
	now := time.Now().Unix()
	for _, period := range w.cfg.EmaPeriods {
		if v, ok := indicator.FullEma(closes, period); ok {
			states[period] = model.EmaState{Period: period, Value: v, Timestamp: now}
		}
	}
	if len(states) > 0 {
		if werr := w.writer.WriteEma(cache.EmaWrite{
			Symbol:    symbol,
			Timeframe: timeframe,
			States:    states,
		}); werr != nil {
			log.Printf("[warmup] ema write %s %s: %v", symbol, timeframe, werr)
		} else {
			indicators += len(states)
		}
	}

	return len(closed), indicators, nil
}

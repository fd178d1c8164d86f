// Package indicator computes RSI and EMA values incrementally over closed
// candles, persisting calculation state between ticks so each update is O(1).
//
// Calculators resolve values; the Engine orchestrates them per candle and
// hands the resulting snapshot to the signal layer.
package indicator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/cache"
	"crypto-alert-core/internal/model"
)

// StateStore persists indicator calculation state between ticks.
type StateStore interface {
	RsiState(ctx context.Context, symbol, timeframe string, period int) (*model.RsiState, error)
	DropRsiState(ctx context.Context, symbol, timeframe string, period int) error
	EmaStates(ctx context.Context, symbol, timeframe string, periods []int) (map[int]model.EmaState, error)
}

// SeriesSource supplies recent close prices for full recomputations.
type SeriesSource interface {
	RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]decimal.Decimal, error)
}

// StateWriter accepts computed values for persistence. The cache's buffered
// writer satisfies it, absorbing outages behind its circuit breaker.
type StateWriter interface {
	WriteRsi(w cache.RsiWrite) error
	WriteEma(w cache.EmaWrite) error
}

// LatencyRecorder receives per-stage timings for budget monitoring.
type LatencyRecorder interface {
	Observe(op string, elapsed time.Duration)
}

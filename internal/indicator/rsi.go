package indicator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/model"
)

// StateMaxAge is how old a persisted RSI state may be before the calculator
// falls back to a full recomputation from cached closes.
const StateMaxAge = time.Hour

// FullRsi computes Wilder's RSI over the given close series using decimal
// arithmetic. The first period deltas seed the averages (simple mean), the
// remainder is Wilder-smoothed. Needs at least period+1 closes.
func FullRsi(closes []decimal.Decimal, period int) (float64, *model.RsiState, error) {
	if err := ValidateRsiInputs(closes, period); err != nil {
		return 0, nil, err
	}

	var sumGain, sumLoss decimal.Decimal
	for i := 1; i <= period; i++ {
		gain, loss := gainLoss(closes[i-1], closes[i])
		sumGain = sumGain.Add(gain)
		sumLoss = sumLoss.Add(loss)
	}

	p := decimal.NewFromInt(int64(period))
	avgGain := sumGain.Div(p)
	avgLoss := sumLoss.Div(p)

	pm1 := decimal.NewFromInt(int64(period - 1))
	prev := closes[period]
	for i := period + 1; i < len(closes); i++ {
		gain, loss := gainLoss(prev, closes[i])
		avgGain = avgGain.Mul(pm1).Add(gain).Div(p)
		avgLoss = avgLoss.Mul(pm1).Add(loss).Div(p)
		prev = closes[i]
	}

	state := &model.RsiState{
		Period:    period,
		PrevPrice: prev,
		AvgGain:   avgGain,
		AvgLoss:   avgLoss,
	}
	return rsiFrom(avgGain, avgLoss), state, nil
}

// IncrementalRsi advances a persisted state by one price in O(1):
// avgGain' = (avgGain*(period-1) + gain) / period, same for losses.
// The previous state is not mutated; a replacement is returned.
func IncrementalRsi(state *model.RsiState, price decimal.Decimal, period int) (float64, *model.RsiState) {
	gain, loss := gainLoss(state.PrevPrice, price)

	p := decimal.NewFromInt(int64(period))
	pm1 := decimal.NewFromInt(int64(period - 1))
	avgGain := state.AvgGain.Mul(pm1).Add(gain).Div(p)
	avgLoss := state.AvgLoss.Mul(pm1).Add(loss).Div(p)

	next := &model.RsiState{
		Period:    period,
		PrevPrice: price,
		AvgGain:   avgGain,
		AvgLoss:   avgLoss,
	}
	return rsiFrom(avgGain, avgLoss), next
}

func gainLoss(prev, curr decimal.Decimal) (gain, loss decimal.Decimal) {
	change := curr.Sub(prev)
	if change.IsPositive() {
		return change, decimal.Zero
	}
	return decimal.Zero, change.Neg()
}

func rsiFrom(avgGain, avgLoss decimal.Decimal) float64 {
	if avgLoss.IsZero() {
		// No losses in the window means maximum strength.
		return 100.0
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	rsi := hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	f, _ := rsi.Float64()
	return f
}

// RsiCalculator resolves one RSI value per closed candle. It prefers the
// O(1) incremental path from persisted state and falls back to a full
// recomputation from cached closes when the state is missing, stale, built
// for a different period, or fails validation.
type RsiCalculator struct {
	states      StateStore
	series      SeriesSource
	period      int
	maxStateAge time.Duration
}

func NewRsiCalculator(states StateStore, series SeriesSource, period int) *RsiCalculator {
	return &RsiCalculator{
		states:      states,
		series:      series,
		period:      period,
		maxStateAge: StateMaxAge,
	}
}

func (rc *RsiCalculator) Period() int { return rc.period }

// Invalidate drops the persisted state so the next tick takes the full path.
func (rc *RsiCalculator) Invalidate(ctx context.Context, symbol, timeframe string) error {
	return rc.states.DropRsiState(ctx, symbol, timeframe, rc.period)
}

// Compute returns the RSI for the tick and the replacement state the caller
// must persist. The cached close series is expected to already contain the
// current candle.
func (rc *RsiCalculator) Compute(ctx context.Context, symbol, timeframe string, price decimal.Decimal) (float64, *model.RsiState, error) {
	now := time.Now()

	state, err := rc.states.RsiState(ctx, symbol, timeframe, rc.period)
	if err != nil {
		// Degraded cache read: recompute from the series instead.
		log.Printf("[indicator] rsi state read failed for %s %s: %v", symbol, timeframe, err)
		state = nil
	}
	if state != nil && !state.Valid() {
		log.Printf("[indicator] dropping corrupt rsi state for %s %s p=%d", symbol, timeframe, rc.period)
		if dropErr := rc.states.DropRsiState(ctx, symbol, timeframe, rc.period); dropErr != nil {
			log.Printf("[indicator] rsi state drop failed: %v", dropErr)
		}
		state = nil
	}

	if state.Fresh(rc.period, now, rc.maxStateAge) {
		rsi, next := IncrementalRsi(state, price, rc.period)
		next.LastUpdate = now.Unix()
		return rsi, next, nil
	}

	closes, err := rc.series.RecentCloses(ctx, symbol, timeframe, rc.period+1)
	if err != nil {
		return 0, nil, fmt.Errorf("rsi closes for %s %s: %w", symbol, timeframe, err)
	}
	rsi, next, err := FullRsi(closes, rc.period)
	if err != nil {
		return 0, nil, err
	}
	next.LastUpdate = now.Unix()
	return rsi, next, nil
}

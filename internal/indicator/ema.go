package indicator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/model"
)

// EmaMultiplier returns the smoothing factor k = 2 / (period + 1) as an
// exact decimal.
func EmaMultiplier(period int) decimal.Decimal {
	return decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
}

// IncrementalEma advances an EMA by one price:
// EMA = price*k + prev*(1-k), one multiply-add in decimal arithmetic.
func IncrementalEma(prev, price decimal.Decimal, period int) decimal.Decimal {
	k := EmaMultiplier(period)
	return price.Mul(k).Add(prev.Mul(decimal.NewFromInt(1).Sub(k)))
}

// FullEma computes an EMA over the whole series: the first period closes
// seed a simple average, the remainder is folded incrementally. Returns
// false when the series is too short to seed; that is not an error, the
// period is simply not ready yet.
func FullEma(closes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(closes) < period {
		return decimal.Zero, false
	}

	var sum decimal.Decimal
	for _, c := range closes[:period] {
		sum = sum.Add(c)
	}
	ema := sum.Div(decimal.NewFromInt(int64(period)))

	for _, c := range closes[period:] {
		ema = IncrementalEma(ema, c, period)
	}
	return ema, true
}

// EmaCalculator resolves EMA values for all configured periods on each
// closed candle. Warm periods advance incrementally from persisted state
// fetched in one batch; cold periods recompute from cached closes and
// periods without enough history are skipped until the window fills.
type EmaCalculator struct {
	states  StateStore
	series  SeriesSource
	periods []int
}

func NewEmaCalculator(states StateStore, series SeriesSource, periods []int) *EmaCalculator {
	return &EmaCalculator{states: states, series: series, periods: periods}
}

func (ec *EmaCalculator) Periods() []int { return ec.periods }

// ComputeAll returns the new state for every period that could be resolved,
// keyed by period. The caller persists the whole map as one batched write.
func (ec *EmaCalculator) ComputeAll(ctx context.Context, symbol, timeframe string, price decimal.Decimal) (map[int]model.EmaState, error) {
	prev, err := ec.states.EmaStates(ctx, symbol, timeframe, ec.periods)
	if err != nil {
		// Treat a failed batch read as all-cold rather than dropping the tick.
		prev = nil
	}

	now := time.Now().Unix()
	out := make(map[int]model.EmaState, len(ec.periods))
	for _, period := range ec.periods {
		st, warm := prev[period]

		var value, slope decimal.Decimal
		if warm {
			value = IncrementalEma(st.Value, price, period)
			slope = value.Sub(st.Value)
		} else {
			closes, err := ec.series.RecentCloses(ctx, symbol, timeframe, period*2)
			if err != nil {
				return nil, fmt.Errorf("ema closes for %s %s: %w", symbol, timeframe, err)
			}
			full, ready := FullEma(closes, period)
			if !ready {
				continue
			}
			value = full
		}

		out[period] = model.EmaState{
			Period:    period,
			Value:     value,
			Timestamp: now,
			Slope:     slope,
		}
	}
	return out, nil
}

package indicator

import (
	"context"
	"errors"
	"log"
	"time"

	"crypto-alert-core/internal/cache"
	"crypto-alert-core/internal/model"
)

// Engine resolves all configured indicators for each closed candle and emits
// one snapshot per tick. Run drives it from a single goroutine, so
// per-(symbol, timeframe) ordering holds without locks.
type Engine struct {
	rsi    *RsiCalculator
	ema    *EmaCalculator
	writer StateWriter
	perf   LatencyRecorder

	// OnDrop fires when the downstream consumer is too slow to accept a
	// snapshot. Optional.
	OnDrop func(model.IndicatorSnapshot)

	// OnSkip fires when a closed candle errored out with no indicator
	// value resolved, so the tick passed without a snapshot. Optional.
	OnSkip func(model.Candle, error)
}

func NewEngine(rsi *RsiCalculator, ema *EmaCalculator, writer StateWriter, perf LatencyRecorder) *Engine {
	return &Engine{rsi: rsi, ema: ema, writer: writer, perf: perf}
}

// Process computes RSI and EMA for one closed candle, persists the results
// and returns the snapshot for signal evaluation. A failure in one indicator
// degrades the snapshot rather than dropping the whole tick.
func (e *Engine) Process(ctx context.Context, c model.Candle) (model.IndicatorSnapshot, error) {
	price := c.Close
	rtTTL := cache.AdaptiveIndicatorTTL(rangeVolatility(c))

	snap := model.IndicatorSnapshot{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		Price:     price,
		CloseTime: c.CloseTime,
		RsiPeriod: e.rsi.Period(),
		Ema:       make(map[int]float64, len(e.ema.Periods())),
		StartedAt: c.ReceivedAt,
	}

	rsiStart := time.Now()
	rsiVal, rsiState, rsiErr := e.rsi.Compute(ctx, c.Symbol, c.Timeframe, price)
	e.observe("rsi_calculation", time.Since(rsiStart))
	switch {
	case errors.Is(rsiErr, ErrInsufficientData):
		// Window still filling, nothing to report yet.
		rsiErr = nil
	case rsiErr == nil && (rsiVal < 0 || rsiVal > 100):
		// Out-of-range value means the persisted state went bad. Drop it so
		// the next tick recomputes from history.
		log.Printf("[indicator] rsi %.4f out of range for %s %s, resetting state", rsiVal, c.Symbol, c.Timeframe)
		if err := e.rsi.Invalidate(ctx, c.Symbol, c.Timeframe); err != nil {
			log.Printf("[indicator] rsi state reset failed: %v", err)
		}
	case rsiErr == nil:
		snap.Rsi = rsiVal
		snap.RsiReady = true
		if err := e.writer.WriteRsi(cache.RsiWrite{
			Symbol:    c.Symbol,
			Timeframe: c.Timeframe,
			Period:    e.rsi.Period(),
			Value:     rsiVal,
			State:     rsiState,
			TTL:       rtTTL,
		}); err != nil {
			log.Printf("[indicator] rsi write failed for %s %s: %v", c.Symbol, c.Timeframe, err)
		}
	}

	emaStart := time.Now()
	emaStates, emaErr := e.ema.ComputeAll(ctx, c.Symbol, c.Timeframe, price)
	e.observe("ema_calculation", time.Since(emaStart))
	if emaErr == nil && len(emaStates) > 0 {
		for period, st := range emaStates {
			v, _ := st.Value.Float64()
			snap.Ema[period] = v
		}
		if err := e.writer.WriteEma(cache.EmaWrite{
			Symbol:    c.Symbol,
			Timeframe: c.Timeframe,
			States:    emaStates,
			TTL:       rtTTL,
		}); err != nil {
			log.Printf("[indicator] ema write failed for %s %s: %v", c.Symbol, c.Timeframe, err)
		}
	}

	return snap, errors.Join(rsiErr, emaErr)
}

// Run consumes closed candles and emits snapshots. Blocks until ctx is done
// or the input channel closes.
func (e *Engine) Run(ctx context.Context, in <-chan model.Candle, out chan<- model.IndicatorSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if !c.Closed {
				continue
			}
			snap, err := e.Process(ctx, c)
			if err != nil {
				log.Printf("[indicator] %s %s: %v", c.Symbol, c.Timeframe, err)
			}
			if !snap.RsiReady && len(snap.Ema) == 0 {
				if err != nil && e.OnSkip != nil {
					e.OnSkip(c, err)
				}
				continue
			}
			select {
			case out <- snap:
			default:
				if e.OnDrop != nil {
					e.OnDrop(snap)
				}
			}
		}
	}
}

func (e *Engine) observe(op string, elapsed time.Duration) {
	if e.perf != nil {
		e.perf.Observe(op, elapsed)
	}
}

// rangeVolatility approximates tick volatility as the candle's high-low
// range relative to its low, which drives the adaptive snapshot TTL.
func rangeVolatility(c model.Candle) float64 {
	if !c.Low.IsPositive() {
		return 0
	}
	r, _ := c.High.Sub(c.Low).Div(c.Low).Float64()
	if r < 0 {
		return 0
	}
	return r
}

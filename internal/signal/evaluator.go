package signal

import (
	"time"

	"crypto-alert-core/internal/model"
)

// memory is what the evaluator remembers about a (symbol, timeframe) between
// ticks. Values survive degraded ticks so a crossing spanning a gap still
// registers.
type memory struct {
	rsi      float64
	rsiReady bool
	ema      map[int]float64
}

// Evaluator detects zone crossings and crossovers by comparing each snapshot
// against the previous one for the same (symbol, timeframe). The first tick
// for a pair only primes the memory. Not safe for concurrent use; it runs on
// the single evaluation goroutine.
type Evaluator struct {
	thresholds Thresholds
	crossPairs [][2]int
	prev       map[string]memory
}

func NewEvaluator(th Thresholds, crossPairs [][2]int) *Evaluator {
	if len(crossPairs) == 0 {
		crossPairs = DefaultCrossPairs()
	}
	return &Evaluator{
		thresholds: th,
		crossPairs: crossPairs,
		prev:       make(map[string]memory),
	}
}

// Evaluate returns the signals fired by this tick. At most one RSI kind per
// tick with the strong variant winning; each configured EMA pair is checked
// independently.
func (ev *Evaluator) Evaluate(snap model.IndicatorSnapshot) []model.Signal {
	key := snap.Symbol + ":" + snap.Timeframe
	prev, seen := ev.prev[key]
	ev.remember(key, prev, snap)
	if !seen {
		return nil
	}

	now := time.Now()
	var processingMs int64
	if !snap.StartedAt.IsZero() {
		processingMs = now.Sub(snap.StartedAt).Milliseconds()
	}

	var out []model.Signal

	if snap.RsiReady && prev.rsiReady {
		if kind, ok := rsiCross(prev.rsi, snap.Rsi, ev.thresholds); ok {
			out = append(out, model.Signal{
				Symbol:       snap.Symbol,
				Timeframe:    snap.Timeframe,
				Kind:         kind,
				TriggerValue: snap.Rsi,
				Price:        snap.Price,
				Critical:     snap.Rsi < ev.thresholds.CriticalLow || snap.Rsi > ev.thresholds.CriticalHigh,
				ProducedAt:   now,
				ProcessingMs: processingMs,
			})
		}
	}

	for _, pair := range ev.crossPairs {
		short, long := pair[0], pair[1]
		prevShort, ok1 := prev.ema[short]
		prevLong, ok2 := prev.ema[long]
		currShort, ok3 := snap.Ema[short]
		currLong, ok4 := snap.Ema[long]
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}

		var kind string
		switch {
		case prevShort <= prevLong && currShort > currLong:
			kind = KindEmaGoldenCross
		case prevShort >= prevLong && currShort < currLong:
			kind = KindEmaDeathCross
		default:
			continue
		}

		out = append(out, model.Signal{
			Symbol:       snap.Symbol,
			Timeframe:    snap.Timeframe,
			Kind:         kind,
			TriggerValue: currShort - currLong,
			Price:        snap.Price,
			Critical:     kind == KindEmaGoldenCross,
			ProducedAt:   now,
			ProcessingMs: processingMs,
			EmaShort:     short,
			EmaLong:      long,
		})
	}

	return out
}

// remember merges the snapshot into the per-pair memory, keeping the last
// known value for anything this tick could not resolve.
func (ev *Evaluator) remember(key string, prev memory, snap model.IndicatorSnapshot) {
	next := memory{
		rsi:      prev.rsi,
		rsiReady: prev.rsiReady,
		ema:      make(map[int]float64, len(prev.ema)+len(snap.Ema)),
	}
	for p, v := range prev.ema {
		next.ema[p] = v
	}
	if snap.RsiReady {
		next.rsi = snap.Rsi
		next.rsiReady = true
	}
	for p, v := range snap.Ema {
		next.ema[p] = v
	}
	ev.prev[key] = next
}

// rsiCross maps a previous/current RSI pair to the zone-crossing kind it
// fired, if any. Strong variants are checked first so they win when both
// boundaries were crossed in one tick.
func rsiCross(prev, curr float64, th Thresholds) (string, bool) {
	switch {
	case prev >= th.StrongOversold && curr < th.StrongOversold:
		return KindRsiStrongOversold, true
	case prev <= th.StrongOverbought && curr > th.StrongOverbought:
		return KindRsiStrongOverbought, true
	case prev >= th.Oversold && curr < th.Oversold:
		return KindRsiOversoldEntry, true
	case prev < th.Oversold && curr >= th.Oversold:
		return KindRsiOversoldExit, true
	case prev <= th.Overbought && curr > th.Overbought:
		return KindRsiOverboughtEntry, true
	case prev > th.Overbought && curr <= th.Overbought:
		return KindRsiOverboughtExit, true
	}
	return "", false
}

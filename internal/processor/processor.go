// Package processor turns raw exchange frames into validated candles.
// It is the gate between the WebSocket and everything downstream: every
// frame is parsed, validated and cached here, and only closed candles
// continue to the indicator and persistence stages.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/model"
	"crypto-alert-core/internal/perf"
	"crypto-alert-core/internal/ringbuf"
)

// CandleStore appends closed candles to the rolling per-series history.
type CandleStore interface {
	Add(ctx context.Context, c model.Candle) error
}

// PriceStore keeps the latest traded price per symbol.
type PriceStore interface {
	Set(ctx context.Context, symbol string, price decimal.Decimal) error
}

// LatencyRecorder receives the per-frame processing time.
type LatencyRecorder interface {
	Observe(op string, elapsed time.Duration)
}

// ErrMalformed wraps any frame rejected by validation. Malformed frames
// are dropped and counted, never retried.
var ErrMalformed = errors.New("malformed frame")

// Processor validates kline frames and forwards closed candles.
type Processor struct {
	candles CandleStore
	prices  PriceStore
	perf    LatencyRecorder

	// Optional hooks, wired to metrics counters in main.
	OnFrame     func()             // every frame handed in
	OnMalformed func(err error)    // frames dropped by validation
	OnCandle    func(model.Candle) // every closed candle forwarded
	OnDrop      func(model.Candle) // closed candles lost to a full output
}

func New(candles CandleStore, prices PriceStore, perf LatencyRecorder) *Processor {
	return &Processor{candles: candles, prices: prices, perf: perf}
}

// HandleFrame processes one raw frame. It returns the candle and true when
// the frame closed a candle; open-candle updates and non-kline events
// return false. Cache write failures degrade to log lines: the stream
// must keep moving even when Redis is down.
func (p *Processor) HandleFrame(ctx context.Context, raw []byte) (model.Candle, bool) {
	tmr := perf.StartTimer(p.perf, perf.OpWebSocket)
	defer tmr.Stop()

	if p.OnFrame != nil {
		p.OnFrame()
	}

	ev, err := model.ParseKlineFrame(raw)
	if errors.Is(err, model.ErrNotKline) {
		// Ticker payloads and subscription acks share the socket.
		return model.Candle{}, false
	}
	if err != nil {
		p.malformed(err)
		return model.Candle{}, false
	}

	if err := validateKline(ev.Kline); err != nil {
		p.malformed(err)
		return model.Candle{}, false
	}

	candle := ev.Kline.Candle()
	candle.ReceivedAt = tmr.StartedAt()

	if err := p.prices.Set(ctx, candle.Symbol, candle.Close); err != nil {
		log.Printf("[processor] price cache write failed for %s: %v", candle.Symbol, err)
	}

	if !candle.Closed {
		// Open candles refresh the live price only. Indicators must not
		// run against a close that can still change.
		return model.Candle{}, false
	}

	if err := p.candles.Add(ctx, candle); err != nil {
		log.Printf("[processor] candle cache write failed for %s: %v", candle.Key(), err)
	}
	return candle, true
}

// Run drains the frame ring into the output channel until ctx is done.
// The ring decouples the WebSocket read loop from processing; when the
// ring is empty the pump idles on a short tick rather than spinning.
func (p *Processor) Run(ctx context.Context, ring *ringbuf.Ring, out chan<- model.Candle) {
	idle := time.NewTicker(time.Millisecond)
	defer idle.Stop()

	for {
		frame, ok := ring.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		candle, closed := p.HandleFrame(ctx, frame)
		if !closed {
			continue
		}
		if p.OnCandle != nil {
			p.OnCandle(candle)
		}
		select {
		case out <- candle:
		default:
			log.Printf("[processor] candle channel full, dropping %s", candle.Key())
			if p.OnDrop != nil {
				p.OnDrop(candle)
			}
		}
	}
}

func (p *Processor) malformed(err error) {
	log.Printf("[processor] dropping frame: %v", err)
	if p.OnMalformed != nil {
		p.OnMalformed(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
}

// validateKline rejects payloads that would corrupt the candle history.
func validateKline(k model.KlineData) error {
	if k.Symbol == "" {
		return errors.New("empty symbol")
	}
	if !model.ValidTimeframe(k.Interval) {
		return fmt.Errorf("unknown timeframe %q", k.Interval)
	}
	if !k.Open.IsPositive() || !k.High.IsPositive() || !k.Low.IsPositive() || !k.Close.IsPositive() {
		return fmt.Errorf("non-positive price in %s %s candle", k.Symbol, k.Interval)
	}
	if k.High.LessThan(k.Low) {
		return fmt.Errorf("high %s below low %s", k.High, k.Low)
	}
	if k.Volume.IsNegative() {
		return errors.New("negative volume")
	}
	if k.CloseTime <= k.OpenTime {
		return fmt.Errorf("close time %d not after open time %d", k.CloseTime, k.OpenTime)
	}
	if d, _ := model.TimeframeDuration(k.Interval); k.OpenTime%d.Milliseconds() != 0 {
		return fmt.Errorf("open time %d not aligned to the %s window", k.OpenTime, k.Interval)
	}
	return nil
}

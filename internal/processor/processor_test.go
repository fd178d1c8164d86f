package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/model"
	"crypto-alert-core/internal/perf"
	"crypto-alert-core/internal/ringbuf"
)

// ────────────────────────────────────────────────────────────
// Fakes
// ────────────────────────────────────────────────────────────

type fakeCandles struct {
	mu    sync.Mutex
	added []model.Candle
	err   error
}

func (f *fakeCandles) Add(_ context.Context, c model.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, c)
	return nil
}

func (f *fakeCandles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

type fakePrices struct {
	mu   sync.Mutex
	sets map[string]decimal.Decimal
}

func (f *fakePrices) Set(_ context.Context, symbol string, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = make(map[string]decimal.Decimal)
	}
	f.sets[symbol] = price
	return nil
}

func (f *fakePrices) last(symbol string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.sets[symbol]
	return p, ok
}

type fakePerf struct {
	mu  sync.Mutex
	ops map[string]int
}

func (f *fakePerf) Observe(op string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ops == nil {
		f.ops = make(map[string]int)
	}
	f.ops[op]++
}

func newProcessor() (*Processor, *fakeCandles, *fakePrices, *fakePerf) {
	candles := &fakeCandles{}
	prices := &fakePrices{}
	rec := &fakePerf{}
	return New(candles, prices, rec), candles, prices, rec
}

// klineFrame opens at a midnight UTC boundary so the fixture stays
// window-aligned for every supported timeframe.
func klineFrame(symbol, tf string, close string, closed bool) []byte {
	return []byte(fmt.Sprintf(
		`{"e":"kline","E":1700006461000,"s":"%s","k":{"t":1700006400000,"T":1700006459999,"s":"%s","i":"%s","o":"100.1","h":"101.2","l":"99.5","c":"%s","v":"12.5","x":%t}}`,
		symbol, symbol, tf, close, closed))
}

// ────────────────────────────────────────────────────────────
// HandleFrame
// ────────────────────────────────────────────────────────────

func TestHandleFrame_ClosedCandle(t *testing.T) {
	p, candles, prices, rec := newProcessor()

	candle, closed := p.HandleFrame(context.Background(), klineFrame("BTCUSDT", "1m", "100.7", true))
	if !closed {
		t.Fatal("closed kline should yield a candle")
	}
	if candle.Symbol != "BTCUSDT" || candle.Timeframe != "1m" {
		t.Errorf("candle key = %s, want BTCUSDT:1m", candle.Key())
	}
	if !candle.Close.Equal(decimal.RequireFromString("100.7")) {
		t.Errorf("close = %s, want 100.7", candle.Close)
	}
	if candle.ReceivedAt.IsZero() {
		t.Error("candle must carry its arrival timestamp")
	}

	if candles.count() != 1 {
		t.Errorf("candle store writes = %d, want 1", candles.count())
	}
	if p, ok := prices.last("BTCUSDT"); !ok || !p.Equal(decimal.RequireFromString("100.7")) {
		t.Errorf("price cache = %s ok=%v, want 100.7", p, ok)
	}
	if rec.ops[perf.OpWebSocket] != 1 {
		t.Errorf("websocket stage observations = %d, want 1", rec.ops[perf.OpWebSocket])
	}
}

func TestHandleFrame_OpenCandleUpdatesPriceOnly(t *testing.T) {
	p, candles, prices, _ := newProcessor()

	_, closed := p.HandleFrame(context.Background(), klineFrame("ETHUSDT", "5m", "2001.5", false))
	if closed {
		t.Fatal("open kline must not trigger downstream processing")
	}
	if candles.count() != 0 {
		t.Errorf("open candle must not enter candle history, got %d writes", candles.count())
	}
	if p, ok := prices.last("ETHUSDT"); !ok || !p.Equal(decimal.RequireFromString("2001.5")) {
		t.Errorf("price cache = %s ok=%v, want 2001.5", p, ok)
	}
}

func TestHandleFrame_IgnoresNonKlineEvents(t *testing.T) {
	p, candles, _, _ := newProcessor()

	var malformed int
	p.OnMalformed = func(error) { malformed++ }

	ticker := []byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"100.5"}`)
	if _, closed := p.HandleFrame(context.Background(), ticker); closed {
		t.Fatal("ticker event treated as candle")
	}
	ack := []byte(`{"result":null,"id":1}`)
	if _, closed := p.HandleFrame(context.Background(), ack); closed {
		t.Fatal("subscription ack treated as candle")
	}

	if malformed != 0 {
		t.Errorf("non-kline events are not malformed, counted %d", malformed)
	}
	if candles.count() != 0 {
		t.Errorf("candle writes = %d, want 0", candles.count())
	}
}

func TestHandleFrame_MalformedDroppedAndCounted(t *testing.T) {
	p, candles, _, _ := newProcessor()

	var got []error
	p.OnMalformed = func(err error) { got = append(got, err) }

	bad := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1m","o":"0","h":"1","l":"1","c":"1","v":"0","x":true}}`),  // zero open
		[]byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"7m","o":"1","h":"1","l":"1","c":"1","v":"0","x":true}}`),  // unknown timeframe
		[]byte(`{"e":"kline","s":"BTCUSDT","k":{"t":5,"T":5,"s":"BTCUSDT","i":"1m","o":"1","h":"1","l":"1","c":"1","v":"0","x":true}}`),  // close time not after open
		[]byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1m","o":"1","h":"1","l":"2","c":"1","v":"0","x":true}}`),  // high < low
		[]byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1m","o":"1","h":"2","l":"1","c":"1","v":"-3","x":true}}`), // negative volume
		[]byte(`{"e":"kline","s":"","k":{"t":1,"T":2,"s":"","i":"1m","o":"1","h":"2","l":"1","c":"1","v":"0","x":true}}`),                // empty symbol
		[]byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1700006401000,"T":1700006459999,"s":"BTCUSDT","i":"1m","o":"1","h":"2","l":"1","c":"1","v":"0","x":true}}`), // open time off the window grid
	}
	for _, raw := range bad {
		if _, closed := p.HandleFrame(context.Background(), raw); closed {
			t.Fatalf("malformed frame %s produced a candle", raw)
		}
	}

	if len(got) != len(bad) {
		t.Fatalf("malformed count = %d, want %d", len(got), len(bad))
	}
	for _, err := range got {
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("error %v does not wrap ErrMalformed", err)
		}
	}
	if candles.count() != 0 {
		t.Errorf("malformed frames must never reach the candle store, got %d", candles.count())
	}
}

func TestHandleFrame_CombinedStreamEnvelope(t *testing.T) {
	p, candles, _, _ := newProcessor()

	wrapped := []byte(`{"stream":"btcusdt@kline_1m","data":` + string(klineFrame("BTCUSDT", "1m", "100.7", true)) + `}`)
	if _, closed := p.HandleFrame(context.Background(), wrapped); !closed {
		t.Fatal("combined-stream envelope should parse like a bare frame")
	}
	if candles.count() != 1 {
		t.Errorf("candle writes = %d, want 1", candles.count())
	}
}

func TestHandleFrame_CacheFailureDoesNotDropCandle(t *testing.T) {
	p, candles, _, _ := newProcessor()
	candles.err = errors.New("redis down")

	_, closed := p.HandleFrame(context.Background(), klineFrame("BTCUSDT", "1m", "100.7", true))
	if !closed {
		t.Fatal("cache failure must not stop the candle from flowing downstream")
	}
}

// ────────────────────────────────────────────────────────────
// Ring pump
// ────────────────────────────────────────────────────────────

func TestRun_PumpsClosedCandles(t *testing.T) {
	p, _, _, _ := newProcessor()

	var forwarded int
	p.OnCandle = func(model.Candle) { forwarded++ }

	ring := ringbuf.New(16)
	ring.Push(klineFrame("BTCUSDT", "1m", "100.7", true))
	ring.Push(klineFrame("BTCUSDT", "1m", "100.9", false)) // open, filtered
	ring.Push(klineFrame("ETHUSDT", "5m", "2000.1", true))

	out := make(chan model.Candle, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, ring, out)
		close(done)
	}()

	var got []model.Candle
	for len(got) < 2 {
		select {
		case c := <-out:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for candles")
		}
	}
	cancel()
	<-done

	if got[0].Symbol != "BTCUSDT" || got[1].Symbol != "ETHUSDT" {
		t.Errorf("candles arrived out of order: %s, %s", got[0].Symbol, got[1].Symbol)
	}
	if forwarded != 2 {
		t.Errorf("OnCandle fired %d times, want 2", forwarded)
	}
}

func TestRun_FullOutputDropsAndReports(t *testing.T) {
	p, _, _, _ := newProcessor()

	dropped := make(chan model.Candle, 1)
	p.OnDrop = func(c model.Candle) {
		select {
		case dropped <- c:
		default:
		}
	}

	ring := ringbuf.New(4)
	ring.Push(klineFrame("BTCUSDT", "1m", "100.7", true))

	out := make(chan model.Candle) // unbuffered, nobody reading
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, ring, out)

	select {
	case c := <-dropped:
		if c.Symbol != "BTCUSDT" {
			t.Errorf("dropped candle symbol = %s, want BTCUSDT", c.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drop hook never fired")
	}
}

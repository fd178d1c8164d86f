package cache

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"crypto-alert-core/internal/model"
)

// Write payloads replayed after an outage. Each carries everything one cache
// write needs, so flushing is a plain method call per entry.

// RsiWrite is one live RSI update.
type RsiWrite struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Period    int             `json:"period"`
	Value     float64         `json:"value"`
	State     *model.RsiState `json:"state,omitempty"`
	TTL       time.Duration   `json:"ttl"`
}

// EmaWrite is one live multi-period EMA batch.
type EmaWrite struct {
	Symbol    string                 `json:"symbol"`
	Timeframe string                 `json:"timeframe"`
	States    map[int]model.EmaState `json:"states"`
	TTL       time.Duration          `json:"ttl"`
}

// pendingWrite is a buffered write awaiting replay.
type pendingWrite struct {
	WriteType string // "rsi" or "ema"
	Data      []byte
}

// BufferedWriter wraps the indicator cache with a circuit breaker. While the
// breaker is open, writes are buffered in memory (bounded, oldest dropped)
// and flushed when the cache recovers. Reads are not wrapped: a failed read
// is already handled as a miss by the cold path.
type BufferedWriter struct {
	cache *IndicatorCache
	cb    *Breaker
	ctx   context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Callbacks for metrics (optional).
	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedWriter wires the writer to the breaker's close transition.
func NewBufferedWriter(ctx context.Context, ic *IndicatorCache, cb *Breaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		cache:  ic,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to BreakerState) {
		if prev != nil {
			prev(from, to)
		}
		if to == BreakerClosed {
			go bw.flush()
		}
	}

	return bw
}

// WriteRsi writes the live RSI value, its plain-key mirror, and the Wilder
// state through the breaker. Buffered when the circuit is open.
func (bw *BufferedWriter) WriteRsi(w RsiWrite) error {
	err := bw.cb.Execute(func() error { return bw.writeRsi(w) })
	if err == ErrCircuitOpen {
		bw.bufferWrite("rsi", w)
		return nil
	}
	return err
}

// WriteEma writes one multi-period EMA batch through the breaker.
func (bw *BufferedWriter) WriteEma(w EmaWrite) error {
	err := bw.cb.Execute(func() error {
		return bw.cache.SetEmaBatch(bw.ctx, w.Symbol, w.Timeframe, w.States, w.TTL)
	})
	if err == ErrCircuitOpen {
		bw.bufferWrite("ema", w)
		return nil
	}
	return err
}

func (bw *BufferedWriter) writeRsi(w RsiWrite) error {
	if err := bw.cache.SetRsi(bw.ctx, w.Symbol, w.Timeframe, w.Period, w.Value); err != nil {
		return err
	}
	if err := bw.cache.SetRsiRealTime(bw.ctx, w.Symbol, w.Timeframe, w.Period, w.Value, w.TTL); err != nil {
		return err
	}
	if w.State != nil {
		return bw.cache.SaveRsiState(bw.ctx, w.Symbol, w.Timeframe, w.State)
	}
	return nil
}

func (bw *BufferedWriter) bufferWrite(writeType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[buffered-writer] marshal error: %v", err)
		return
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full, drop the oldest entry
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, pendingWrite{WriteType: writeType, Data: data})

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered writes through the cache. Stale TTLs are fine: the
// next live tick overwrites every key involved.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, pw := range toFlush {
		switch pw.WriteType {
		case "rsi":
			var w RsiWrite
			if json.Unmarshal(pw.Data, &w) == nil {
				if err := bw.writeRsi(w); err != nil {
					log.Printf("[buffered-writer] rsi replay error: %v", err)
					continue
				}
			}
		case "ema":
			var w EmaWrite
			if json.Unmarshal(pw.Data, &w) == nil {
				if err := bw.cache.SetEmaBatch(bw.ctx, w.Symbol, w.Timeframe, w.States, w.TTL); err != nil {
					log.Printf("[buffered-writer] ema replay error: %v", err)
					continue
				}
			}
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of writes waiting for replay.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Package bus fans closed candles out from the processor to the
// independent consumers behind it (indicator engine, SQLite writer).
package bus

import (
	"context"
	"log"
	"sync"

	"crypto-alert-core/internal/model"
)

// FanOut broadcasts candles from a single input channel to N named output
// channels. A full output drops the candle for that consumer only, so a
// slow SQLite flush can never stall the indicator path.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int

	// OnDrop is called with the slow consumer's name whenever a candle is
	// dropped for it. Optional.
	OnDrop func(subscriber string, c model.Candle)
}

type output struct {
	name string
	ch   chan model.Candle
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe registers a named consumer and returns its channel. The name
// shows up in drop logs and saturation metrics.
func (f *FanOut) Subscribe(name string) <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed, then closes every
// output so consumers can drain and exit.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Candle) {
	defer func() {
		f.mu.RLock()
		for _, out := range f.outputs {
			close(out.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, out := range f.outputs {
				select {
				case out.ch <- candle:
				default:
					if f.OnDrop != nil {
						f.OnDrop(out.name, candle)
					} else {
						log.Printf("[bus] %s channel full, dropping candle %s", out.name, candle.Key())
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the fill level of one subscriber channel, used for the
// saturation gauge.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, out := range f.outputs {
		stats[i] = ChannelStat{Name: out.name, Len: len(out.ch), Cap: cap(out.ch)}
	}
	return stats
}

package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is one vetted market event emitted by the evaluator.
// Kind values are defined in the signal package.
type Signal struct {
	Symbol       string          `json:"symbol"`
	Timeframe    string          `json:"timeframe"`
	Kind         string          `json:"kind"`
	TriggerValue float64         `json:"trigger_value"` // RSI value, or short-long spread at an EMA cross
	Price        decimal.Decimal `json:"price"`
	Critical     bool            `json:"critical"`
	ProducedAt   time.Time       `json:"produced_at"`
	ProcessingMs int64           `json:"processing_ms"`

	// EMA crossover signals carry the pair that crossed.
	EmaShort int `json:"ema_short,omitempty"`
	EmaLong  int `json:"ema_long,omitempty"`
}

// Key returns "symbol:timeframe:kind", the identity rate limits apply to.
func (s *Signal) Key() string {
	return s.Symbol + ":" + s.Timeframe + ":" + s.Kind
}

// JSON returns the JSON-encoded signal.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Delivery pairs a signal with one recipient on its way through the
// notification queue.
type Delivery struct {
	UserID     int64     `json:"user_id"`
	Signal     Signal    `json:"signal"`
	Message    string    `json:"message"`
	Priority   int       `json:"priority"` // 0 critical, 1 normal
	EnqueuedAt time.Time `json:"enqueued_at"`
}

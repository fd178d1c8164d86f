package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RsiState is the persisted Wilder-smoothing state for one
// (symbol, timeframe, period). The incremental RSI path consumes and
// atomically rewrites this record; it is never merged field by field.
type RsiState struct {
	Period     int             `json:"period"`
	PrevPrice  decimal.Decimal `json:"prev_price"`
	AvgGain    decimal.Decimal `json:"avg_gain"`
	AvgLoss    decimal.Decimal `json:"avg_loss"`
	LastUpdate int64           `json:"last_update"` // epoch seconds
}

// Fresh reports whether the state is recent enough (and for the right
// period) to drive an incremental update instead of a full recomputation.
func (s *RsiState) Fresh(period int, now time.Time, maxAge time.Duration) bool {
	if s == nil || s.Period != period {
		return false
	}
	age := now.Unix() - s.LastUpdate
	return age >= 0 && age <= int64(maxAge.Seconds())
}

// Valid reports whether the state satisfies the smoothing invariants.
// A violated state must be discarded and recomputed from history.
func (s *RsiState) Valid() bool {
	return s != nil &&
		s.Period > 0 &&
		!s.AvgGain.IsNegative() &&
		!s.AvgLoss.IsNegative() &&
		s.PrevPrice.IsPositive()
}

// JSON returns the canonical serialized form. Save -> load -> save yields
// byte-identical output.
func (s *RsiState) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// EmaState is the persisted value for one (symbol, timeframe, period) EMA.
type EmaState struct {
	Period    int             `json:"period"`
	Value     decimal.Decimal `json:"value"`
	Timestamp int64           `json:"timestamp"` // epoch seconds
	Slope     decimal.Decimal `json:"slope"`     // value delta of the last update
}

// JSON returns the canonical serialized form.
func (s *EmaState) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// IndicatorSnapshot carries the indicator values computed for one closed
// candle. The evaluator joins it against its own per-(symbol, timeframe)
// memory of previous values.
type IndicatorSnapshot struct {
	Symbol    string
	Timeframe string
	Price     decimal.Decimal // close of the candle that produced this tick
	CloseTime int64           // epoch ms

	Rsi       float64
	RsiPeriod int
	RsiReady  bool

	// Ema maps period -> current value; only ready periods are present.
	Ema map[int]float64

	// StartedAt is when frame processing began, for end-to-end latency.
	StartedAt time.Time
}

package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV bar for a (symbol, timeframe) window.
// Prices are decimals end to end; float64 appears only at presentation
// boundaries.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  int64           `json:"open_time"`  // epoch ms, timeframe-aligned
	CloseTime int64           `json:"close_time"` // epoch ms
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"` // immutable once true

	// ReceivedAt is stamped when the frame carrying this candle arrived.
	// It anchors end-to-end latency and never goes over the wire.
	ReceivedAt time.Time `json:"-"`
}

// Key returns a unique key for this candle's series: "symbol:timeframe".
func (c *Candle) Key() string {
	return c.Symbol + ":" + c.Timeframe
}

// OpenAt returns the bucket start as a time.
func (c *Candle) OpenAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Equal reports whether two candles carry the same data. Decimal fields
// compare by value, so "1.50" and "1.5" are equal.
func (c Candle) Equal(o Candle) bool {
	return c.Symbol == o.Symbol &&
		c.Timeframe == o.Timeframe &&
		c.OpenTime == o.OpenTime &&
		c.CloseTime == o.CloseTime &&
		c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume) &&
		c.Closed == o.Closed
}

package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// KlineEvent is the exchange's kline stream payload.
type KlineEvent struct {
	Event     string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     KlineData `json:"k"`
}

// KlineData mirrors the exchange's kline object. Prices arrive as decimal
// strings and stay decimals.
type KlineData struct {
	OpenTime  int64           `json:"t"`
	CloseTime int64           `json:"T"`
	Symbol    string          `json:"s"`
	Interval  string          `json:"i"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Closed    bool            `json:"x"`
}

// streamFrame is the combined-stream envelope: {"stream": "...", "data": {...}}.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ParseKlineFrame decodes a raw frame into a KlineEvent. Frames may arrive
// bare or wrapped in the combined-stream envelope; both are accepted.
// Non-kline events (ticker, subscription acks) return ErrNotKline.
func ParseKlineFrame(raw []byte) (KlineEvent, error) {
	payload := raw

	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err == nil && len(frame.Data) > 0 {
		payload = frame.Data
	}

	var ev KlineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return KlineEvent{}, fmt.Errorf("kline frame: %w", err)
	}
	if ev.Event != "kline" {
		return KlineEvent{}, ErrNotKline
	}
	return ev, nil
}

// ErrNotKline marks frames that decoded cleanly but carry no kline event.
var ErrNotKline = fmt.Errorf("frame is not a kline event")

// Candle converts the wire kline into the internal candle form.
func (k KlineData) Candle() Candle {
	return Candle{
		Symbol:    k.Symbol,
		Timeframe: k.Interval,
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		Closed:    k.Closed,
	}
}

// Kline converts a candle back into its wire form. Candle -> Kline -> Candle
// round-trips to an equal candle.
func (c Candle) Kline() KlineData {
	return KlineData{
		OpenTime:  c.OpenTime,
		CloseTime: c.CloseTime,
		Symbol:    c.Symbol,
		Interval:  c.Timeframe,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		Closed:    c.Closed,
	}
}

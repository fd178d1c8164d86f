package cache

import (
	"strings"
	"testing"
	"time"
)

type statePayload struct {
	Symbol string    `json:"symbol"`
	Values []float64 `json:"values"`
}

func TestSerializeSmallStaysRaw(t *testing.T) {
	payload := statePayload{Symbol: "BTCUSDT", Values: []float64{1, 2, 3}}
	data, err := serialize(payload)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if strings.HasPrefix(data, gzSentinel) {
		t.Fatalf("payload under %d bytes must stay uncompressed, got %q", compressThreshold, data[:16])
	}

	var out statePayload
	if err := deserialize(data, &out); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if out.Symbol != "BTCUSDT" || len(out.Values) != 3 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestSerializeLargeGetsSentinel(t *testing.T) {
	// ~400 floats serialize well past the 1 KB threshold.
	big := statePayload{Symbol: "ETHUSDT", Values: make([]float64, 400)}
	for i := range big.Values {
		big.Values[i] = float64(i) + 0.123456
	}

	data, err := serialize(big)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.HasPrefix(data, gzSentinel) {
		t.Fatal("payload over threshold must carry the gzip sentinel")
	}

	var out statePayload
	if err := deserialize(data, &out); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(out.Values) != 400 || out.Values[399] != 399.123456 {
		t.Fatalf("round trip mismatch: len=%d", len(out.Values))
	}
}

func TestDeserializeRejectsGarbageSentinel(t *testing.T) {
	var out statePayload
	if err := deserialize("gz:!!!not-base64!!!", &out); err == nil {
		t.Fatal("expected error for invalid compressed payload")
	}
}

func TestAdaptiveTTL(t *testing.T) {
	base := 30 * time.Second

	cases := []struct {
		name       string
		volatility float64
		want       time.Duration
	}{
		{"volatile halves", 0.08, 15 * time.Second},
		{"quiet doubles", 0.005, 60 * time.Second},
		{"normal unchanged", 0.03, 30 * time.Second},
		{"boundary 5% unchanged", 0.05, 30 * time.Second},
		{"boundary 1% unchanged", 0.01, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := adaptiveTTL(base, tc.volatility); got != tc.want {
			t.Errorf("%s: adaptiveTTL(%v) = %v, want %v", tc.name, tc.volatility, got, tc.want)
		}
	}
}

func TestKeyGrammar(t *testing.T) {
	if got := rsiKey("BTCUSDT", "1m", 14); got != "rsi:BTCUSDT:1m:14" {
		t.Errorf("rsiKey = %q", got)
	}
	if got := emaKey("ETHUSDT", "4h", 200); got != "ema:ETHUSDT:4h:200" {
		t.Errorf("emaKey = %q", got)
	}
	if got := calcStateKey("rsi", "BTCUSDT", "1m", 14); got != "state:rsi:BTCUSDT:1m:14" {
		t.Errorf("calcStateKey = %q", got)
	}
	if got := realTimeKey(rsiKey("BTCUSDT", "1m", 14)); got != "rsi:BTCUSDT:1m:14_rt" {
		t.Errorf("realTimeKey = %q", got)
	}
	if got := prevKey(realTimeKey(rsiKey("BTCUSDT", "1m", 14))); got != "rsi:BTCUSDT:1m:14_rt:prev" {
		t.Errorf("prevKey = %q", got)
	}
	if got := candlesKey("BTCUSDT", "1m"); got != "candles:BTCUSDT:1m" {
		t.Errorf("candlesKey = %q", got)
	}
	if got := priceKey("BTCUSDT"); got != "price:BTCUSDT" {
		t.Errorf("priceKey = %q", got)
	}
	if got := invalidatePattern("BTCUSDT", "1m"); got != "*:BTCUSDT:1m*" {
		t.Errorf("invalidatePattern = %q", got)
	}
}

package notification

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/model"
)

func TestFormatMessage_RsiCarriesPrice(t *testing.T) {
	sig := model.Signal{
		Symbol:       "BTCUSDT",
		Timeframe:    "1m",
		Kind:         "rsi_oversold_entry",
		Price:        decimal.RequireFromString("43250.5"),
		ProcessingMs: 42,
	}

	got := FormatMessage(sig)
	want := "🚨 rsi_oversold_entry - BTCUSDT (1m)\n💰 Price: 43250.5\n⚡ Processing: 42ms ✅"
	if got != want {
		t.Fatalf("message mismatch\ngot:  %q\nwant: %q", got, want)
	}
}

func TestFormatMessage_EmaOmitsPrice(t *testing.T) {
	sig := model.Signal{
		Symbol:       "ETHUSDT",
		Timeframe:    "5m",
		Kind:         "ema_golden_cross",
		Price:        decimal.RequireFromString("2301.12"),
		ProcessingMs: 10,
	}

	got := FormatMessage(sig)
	want := "🚨 ema_golden_cross - ETHUSDT (5m)\n⚡ Processing: 10ms ✅"
	if got != want {
		t.Fatalf("message mismatch\ngot:  %q\nwant: %q", got, want)
	}
	if strings.Contains(got, "💰") {
		t.Fatal("EMA message should not contain a price line")
	}
}

func TestPerformanceEmoji_Bands(t *testing.T) {
	cases := []struct {
		elapsed int64
		target  int64
		want    string
	}{
		{0, 200, "✅"},
		{200, 200, "✅"},
		{250, 200, "⚠️"},
		{300, 200, "⚠️"},
		{301, 200, "🚨"},
		{450, 200, "🚨"},
		{100, 0, "⏱️"},
	}
	for _, tc := range cases {
		if got := performanceEmoji(tc.elapsed, tc.target); got != tc.want {
			t.Errorf("performanceEmoji(%d, %d) = %s, want %s", tc.elapsed, tc.target, got, tc.want)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("rsi_entry - BTC (1m) 42.5!")
	want := "rsi\\_entry \\- BTC \\(1m\\) 42\\.5\\!"
	if got != want {
		t.Fatalf("escape mismatch\ngot:  %q\nwant: %q", got, want)
	}
}

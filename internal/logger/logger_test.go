package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestTickID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No tick ID set
	if tid := TickID(ctx); tid != "" {
		t.Errorf("expected empty tick id, got %q", tid)
	}

	// Set and retrieve
	ctx = WithTickID(ctx, "BTCUSDT:1m-1700000059999")
	if tid := TickID(ctx); tid != "BTCUSDT:1m-1700000059999" {
		t.Errorf("expected 'BTCUSDT:1m-1700000059999', got %q", tid)
	}
}

func TestGenerateTickID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 59, 999000000, time.UTC)
	tid := GenerateTickID("ETHUSDT", "5m", ts)

	if tid == "" {
		t.Fatal("expected non-empty tick id")
	}
	if !strings.HasPrefix(tid, "ETHUSDT:5m-") {
		t.Errorf("expected tick id to start with 'ETHUSDT:5m-', got %s", tid)
	}
	// Same candle must always map to the same tick id
	if again := GenerateTickID("ETHUSDT", "5m", ts); again != tid {
		t.Errorf("tick id not stable: %s vs %s", tid, again)
	}
}

func TestLogWithTick(t *testing.T) {
	ctx := context.Background()

	// No tick ID
	attrs := LogWithTick(ctx)
	if attrs != nil {
		t.Errorf("expected nil attrs when no tick id, got %v", attrs)
	}

	// With tick ID set, attrs carries the single tick_id attribute
	ctx = WithTickID(ctx, "abc-123")
	attrs = LogWithTick(ctx)
	if len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with tick id set")
	}
}

package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/model"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id int64, name string, notif, active bool) {
	t.Helper()
	err := s.UpsertUser(context.Background(), model.User{
		ID: id, Username: name,
		NotificationsEnabled: notif, IsActive: active, RealTimeEnabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedPair(t *testing.T, s *Store, symbol string) int64 {
	t.Helper()
	id, err := s.UpsertPair(context.Background(), model.Pair{
		Symbol: symbol, BaseAsset: symbol[:3], QuoteAsset: "USDT",
		IsActive: true, RealTimeMonitoring: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func subscribe(t *testing.T, s *Store, userID, pairID int64, tfs ...string) {
	t.Helper()
	if err := s.Subscribe(context.Background(), userID, pairID, tfs, 0, 0); err != nil {
		t.Fatal(err)
	}
}

func testCandle(symbol string, openTime int64, close string) model.Candle {
	return model.Candle{
		Symbol:    symbol,
		Timeframe: "1m",
		OpenTime:  openTime,
		CloseTime: openTime + 59_999,
		Open:      decimal.RequireFromString(close),
		High:      decimal.RequireFromString(close),
		Low:       decimal.RequireFromString(close),
		Close:     decimal.RequireFromString(close),
		Volume:    decimal.NewFromInt(5),
		Closed:    true,
	}
}

func testSignal(symbol, kind string, value float64) model.Signal {
	return model.Signal{
		Symbol:       symbol,
		Timeframe:    "1m",
		Kind:         kind,
		TriggerValue: value,
		Price:        decimal.RequireFromString("50123.45"),
		ProducedAt:   time.Now(),
		ProcessingMs: 42,
	}
}

// ────────────────────────────────────────────────────────────
// Fan-out queries
// ────────────────────────────────────────────────────────────

func TestUsersForFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pairID := seedPair(t, s, "BTCUSDT")
	seedUser(t, s, 1, "alice", true, true)
	seedUser(t, s, 2, "bob", false, true) // notifications off
	seedUser(t, s, 3, "carol", true, false) // account inactive
	seedUser(t, s, 4, "dave", true, true) // other timeframe

	subscribe(t, s, 1, pairID, "1m", "5m")
	subscribe(t, s, 2, pairID, "1m")
	subscribe(t, s, 3, pairID, "1m")
	subscribe(t, s, 4, pairID, "1h")

	users, err := s.UsersFor(ctx, "BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != 1 {
		t.Fatalf("UsersFor(1m) = %+v, want only alice", users)
	}

	users, err = s.UsersFor(ctx, "BTCUSDT", "1h")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != 4 {
		t.Fatalf("UsersFor(1h) = %+v, want only dave", users)
	}

	users, err = s.UsersFor(ctx, "ETHUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Fatalf("UsersFor(unknown pair) = %+v, want none", users)
	}
}

func TestUnsubscribeRemovesEdge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pairID := seedPair(t, s, "BTCUSDT")
	seedUser(t, s, 1, "alice", true, true)
	subscribe(t, s, 1, pairID, "1m")

	if err := s.Unsubscribe(ctx, 1, pairID); err != nil {
		t.Fatal(err)
	}

	users, err := s.UsersFor(ctx, "BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Fatalf("unsubscribed user still in fan-out: %+v", users)
	}
}

func TestActiveSubscriptions(t *testing.T) {
	s := openTestStore(t)

	btc := seedPair(t, s, "BTCUSDT")
	eth := seedPair(t, s, "ETHUSDT")
	seedUser(t, s, 1, "alice", true, true)
	subscribe(t, s, 1, btc, "1m", "1h")
	subscribe(t, s, 1, eth, "5m")

	rows, err := s.ActiveSubscriptions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.User.ID != 1 || len(r.Timeframes) == 0 {
			t.Errorf("bad row: %+v", r)
		}
	}
}

func TestActivePairsExcludesDisabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedPair(t, s, "BTCUSDT")
	if _, err := s.UpsertPair(ctx, model.Pair{Symbol: "DOGEUSDT", IsActive: false, RealTimeMonitoring: true}); err != nil {
		t.Fatal(err)
	}

	pairs, err := s.ActivePairs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 || pairs[0].Symbol != "BTCUSDT" {
		t.Fatalf("active pairs = %+v, want only BTCUSDT", pairs)
	}
}

// ────────────────────────────────────────────────────────────
// Admission limits
// ────────────────────────────────────────────────────────────

func TestSubscribeEnforcesPairLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	btc := seedPair(t, s, "BTCUSDT")
	eth := seedPair(t, s, "ETHUSDT")
	seedUser(t, s, 1, "alice", true, true)

	if err := s.Subscribe(ctx, 1, btc, []string{"1m"}, 1, 0); err != nil {
		t.Fatal(err)
	}
	// Updating the existing subscription stays allowed.
	if err := s.Subscribe(ctx, 1, btc, []string{"1m", "5m"}, 1, 0); err != nil {
		t.Fatalf("re-subscribe rejected: %v", err)
	}
	// A second pair breaches the limit.
	if err := s.Subscribe(ctx, 1, eth, []string{"1m"}, 1, 0); !errors.Is(err, ErrPairLimit) {
		t.Fatalf("got %v, want ErrPairLimit", err)
	}
}

func TestSubscribeEnforcesRealTimeLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	btc := seedPair(t, s, "BTCUSDT")
	eth := seedPair(t, s, "ETHUSDT")
	seedUser(t, s, 1, "alice", true, true)
	seedUser(t, s, 2, "bob", true, true)

	if err := s.Subscribe(ctx, 1, btc, []string{"1m"}, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(ctx, 2, eth, []string{"1m"}, 0, 1); !errors.Is(err, ErrRealTimeLimit) {
		t.Fatalf("got %v, want ErrRealTimeLimit", err)
	}
	// The already-monitored pair does not count against itself.
	if err := s.Subscribe(ctx, 2, btc, []string{"1m"}, 0, 1); err != nil {
		t.Fatalf("subscribing to a monitored pair rejected: %v", err)
	}
}

// ────────────────────────────────────────────────────────────
// Candle persistence
// ────────────────────────────────────────────────────────────

func TestInsertCandlesSkipsUnknownPairs(t *testing.T) {
	s := openTestStore(t)
	seedPair(t, s, "BTCUSDT")

	written, err := s.insertCandles([]model.Candle{
		testCandle("BTCUSDT", 1_700_000_000_000, "50000"),
		testCandle("UNKNOWN", 1_700_000_000_000, "1"),
		testCandle("BTCUSDT", 1_700_000_060_000, "50100"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}

	n, err := s.CandleCount(context.Background(), "BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("stored = %d, want 2", n)
	}
}

func TestInsertCandlesReplacesSameBucket(t *testing.T) {
	s := openTestStore(t)
	seedPair(t, s, "BTCUSDT")

	if _, err := s.insertCandles([]model.Candle{testCandle("BTCUSDT", 1_700_000_000_000, "50000")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.insertCandles([]model.Candle{testCandle("BTCUSDT", 1_700_000_000_000, "50500")}); err != nil {
		t.Fatal(err)
	}

	n, err := s.CandleCount(context.Background(), "BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("same bucket stored %d rows, want 1", n)
	}
}

func TestRunFlushesRemainderOnClose(t *testing.T) {
	s := openTestStore(t)
	seedPair(t, s, "BTCUSDT")

	ch := make(chan model.Candle, 3)
	ch <- testCandle("BTCUSDT", 1_700_000_000_000, "50000")
	ch <- testCandle("BTCUSDT", 1_700_000_060_000, "50100")
	ch <- testCandle("BTCUSDT", 1_700_000_120_000, "50200")
	close(ch)

	s.Run(context.Background(), ch)

	n, err := s.CandleCount(context.Background(), "BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("flushed = %d, want 3", n)
	}

	last, err := s.LastCandleOpenTime(context.Background(), "BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if last != 1_700_000_120_000 {
		t.Fatalf("last open time = %d, want 1700000120000", last)
	}
}

// ────────────────────────────────────────────────────────────
// Signal history
// ────────────────────────────────────────────────────────────

func TestRecordSignalAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pairID := seedPair(t, s, "BTCUSDT")
	seedUser(t, s, 1, "alice", true, true)
	subscribe(t, s, 1, pairID, "1m")

	if err := s.RecordSignal(ctx, 1, testSignal("BTCUSDT", "rsi_oversold_entry", 28.5), 120); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSignal(ctx, 1, testSignal("BTCUSDT", "ema_golden_cross", 1.2), 80); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Signals != 2 {
		t.Fatalf("signals = %d, want 2", stats.Signals)
	}
	if stats.ByKind["rsi_oversold_entry"] != 1 || stats.ByKind["ema_golden_cross"] != 1 {
		t.Fatalf("by kind = %v", stats.ByKind)
	}
	if stats.MaxProcessingMs != 42 {
		t.Fatalf("max processing = %d, want 42", stats.MaxProcessingMs)
	}
	if stats.AvgDeliveryMs != 100 {
		t.Fatalf("avg delivery = %.1f, want 100", stats.AvgDeliveryMs)
	}

	recent, err := s.RecentSignals(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d rows, want 2", len(recent))
	}
	if recent[0].Symbol != "BTCUSDT" || recent[0].Price.IsZero() {
		t.Errorf("bad history row: %+v", recent[0])
	}
}

func TestRecordSignalUnknownPair(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, 1, "alice", true, true)

	err := s.RecordSignal(context.Background(), 1, testSignal("NOPE", "rsi_oversold_entry", 28), 0)
	if err == nil {
		t.Fatal("recording against an unregistered pair must fail")
	}
}

func TestMarkUserBlockedRemovesFromFanout(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pairID := seedPair(t, s, "BTCUSDT")
	seedUser(t, s, 1, "alice", true, true)
	subscribe(t, s, 1, pairID, "1m")

	users, err := s.UsersFor(ctx, "BTCUSDT", "1m")
	if err != nil || len(users) != 1 {
		t.Fatalf("precondition failed: %v %v", users, err)
	}

	if err := s.MarkUserBlocked(ctx, 1); err != nil {
		t.Fatal(err)
	}

	users, err = s.UsersFor(ctx, "BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Fatalf("blocked user still in fan-out: %+v", users)
	}
}

package perf

import (
	"context"
	"math"
	"testing"
	"time"

	"crypto-alert-core/internal/notification"
)

// ──────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────

type chanNotifier struct {
	ch chan notification.Alert
}

func (n *chanNotifier) Send(ctx context.Context, alert notification.Alert) error {
	n.ch <- alert
	return nil
}

func waitAlert(t *testing.T, ch chan notification.Alert) notification.Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert")
		return notification.Alert{}
	}
}

func assertNoAlert(t *testing.T, ch chan notification.Alert) {
	t.Helper()
	select {
	case a := <-ch:
		t.Fatalf("unexpected alert: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Percentiles
// ──────────────────────────────────────────────────────────────────────────

func TestObserve_RecordsPercentiles(t *testing.T) {
	m := NewMonitor(nil, nil)

	m.Observe(OpEma, 10*time.Millisecond)
	m.Observe(OpEma, 30*time.Millisecond)
	m.Observe(OpEma, 20*time.Millisecond)

	st, ok := m.StatsFor(OpEma)
	if !ok {
		t.Fatal("no stats for ema")
	}
	if st.Count != 3 {
		t.Fatalf("count = %d, want 3", st.Count)
	}
	if st.P50 != 20 {
		t.Fatalf("p50 = %v, want 20", st.P50)
	}
	// rank 0.95*(3-1)=1.9 interpolates between 20 and 30.
	if math.Abs(st.P95-29) > 1e-9 {
		t.Fatalf("p95 = %v, want 29", st.P95)
	}
	if st.Max != 30 {
		t.Fatalf("max = %v, want 30", st.Max)
	}
	if st.BudgetMs != 50 {
		t.Fatalf("budget = %d, want 50", st.BudgetMs)
	}
}

func TestStats_SortedByOperation(t *testing.T) {
	m := NewMonitor(nil, nil)
	m.Observe(OpSignal, time.Millisecond)
	m.Observe(OpEma, time.Millisecond)
	m.Observe(OpRsi, time.Millisecond)

	stats := m.Stats()
	if len(stats) != 3 {
		t.Fatalf("stats = %d entries, want 3", len(stats))
	}
	for i := 1; i < len(stats); i++ {
		if stats[i-1].Op >= stats[i].Op {
			t.Fatalf("stats not sorted: %s before %s", stats[i-1].Op, stats[i].Op)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Budget breaches
// ──────────────────────────────────────────────────────────────────────────

func TestBreachSeverity(t *testing.T) {
	cases := []struct {
		elapsedMs float64
		budgetMs  int64
		want      string
	}{
		{90, 100, ""},
		{149, 100, ""},
		{150, 100, "warning"},
		{199, 100, "warning"},
		{200, 100, "critical"},
		{250, 100, "critical"},
	}
	for _, tc := range cases {
		if got := breachSeverity(tc.elapsedMs, tc.budgetMs); got != tc.want {
			t.Errorf("breachSeverity(%v, %d) = %q, want %q", tc.elapsedMs, tc.budgetMs, got, tc.want)
		}
	}
}

func TestObserve_AlertRateLimitedPerOperation(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan notification.Alert, 4)}
	m := NewMonitor(nil, notifier)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	breaches := 0
	m.OnBreach = func(op, severity string) { breaches++ }

	// A 250ms RSI calculation is 2.5x the 100ms budget.
	m.Observe(OpRsi, 250*time.Millisecond)
	alert := waitAlert(t, notifier.ch)
	if alert.Level != notification.AlertCritical {
		t.Fatalf("level = %s, want CRITICAL", alert.Level)
	}
	if alert.Operation != OpRsi || alert.ElapsedMs != 250 || alert.BudgetMs != 100 {
		t.Fatalf("alert fields = %+v", alert)
	}

	// Repeat within the minute: counted but not re-alerted.
	now = now.Add(10 * time.Second)
	m.Observe(OpRsi, 250*time.Millisecond)
	assertNoAlert(t, notifier.ch)
	if breaches != 2 {
		t.Fatalf("breaches = %d, want 2", breaches)
	}

	// After the cooldown the next breach alerts again.
	now = now.Add(alertCooldown)
	m.Observe(OpRsi, 250*time.Millisecond)
	waitAlert(t, notifier.ch)
}

func TestObserve_WarningBand(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan notification.Alert, 1)}
	m := NewMonitor(nil, notifier)

	var severity string
	m.OnBreach = func(op, s string) { severity = s }

	m.Observe(OpRsi, 160*time.Millisecond)

	alert := waitAlert(t, notifier.ch)
	if alert.Level != notification.AlertWarning {
		t.Fatalf("level = %s, want WARNING", alert.Level)
	}
	if severity != "warning" {
		t.Fatalf("severity = %q, want warning", severity)
	}
}

func TestObserve_WithinBudgetIsQuiet(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan notification.Alert, 1)}
	m := NewMonitor(nil, notifier)

	breaches := 0
	m.OnBreach = func(string, string) { breaches++ }

	m.Observe(OpRsi, 90*time.Millisecond)
	m.Observe(OpRsi, 149*time.Millisecond)

	assertNoAlert(t, notifier.ch)
	if breaches != 0 {
		t.Fatalf("breaches = %d, want 0", breaches)
	}
}

func TestObserve_UnbudgetedOperationRecordsOnly(t *testing.T) {
	notifier := &chanNotifier{ch: make(chan notification.Alert, 1)}
	m := NewMonitor(nil, notifier)

	m.Observe("cache_warmup", 10*time.Second)

	assertNoAlert(t, notifier.ch)
	st, ok := m.StatsFor("cache_warmup")
	if !ok || st.Count != 1 {
		t.Fatalf("stats = %+v ok=%v, want one recorded sample", st, ok)
	}
}

// Package perf tracks per-stage latency against fixed budgets and
// raises rate-limited alerts on breaches.
package perf

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"crypto-alert-core/internal/notification"
)

// Stage operation names shared across the pipeline.
const (
	OpWebSocket = "websocket_processing"
	OpRsi       = "rsi_calculation"
	OpEma       = "ema_calculation"
	OpSignal    = "signal_generation"
	OpDelivery  = "notification_delivery"
	OpTotal     = "total_processing"
)

// DefaultBudgets are the per-operation targets in milliseconds.
var DefaultBudgets = map[string]int64{
	OpWebSocket: 10,
	OpRsi:       100,
	OpEma:       50,
	OpSignal:    200,
	OpDelivery:  500,
	OpTotal:     1000,
}

const (
	warningFactor  = 1.5
	criticalFactor = 2.0

	// alertCooldown caps alerts at one per operation per minute.
	alertCooldown = time.Minute

	defaultWindow = 1024
)

// opWindow is a fixed-size ring of recent samples for one operation.
type opWindow struct {
	samples   []float64 // ms
	pos       int
	count     int
	lastAlert time.Time
}

// OpStats is the percentile view of one operation window.
type OpStats struct {
	Op       string  `json:"op"`
	Count    int     `json:"count"`
	P50      float64 `json:"p50_ms"`
	P95      float64 `json:"p95_ms"`
	Max      float64 `json:"max_ms"`
	BudgetMs int64   `json:"budget_ms"`
}

// Monitor records stage latencies and alerts when a sample lands over
// its budget. Alerts are observational; callers never block on them.
type Monitor struct {
	mu      sync.Mutex
	ops     map[string]*opWindow
	budgets map[string]int64
	window  int

	notifier notification.Notifier
	now      func() time.Time

	// OnBreach reports every breach with its severity ("warning" or
	// "critical"), including ones whose alert was rate-limited away.
	OnBreach func(op, severity string)
}

// NewMonitor creates a monitor with the given budgets. A nil budgets
// map uses DefaultBudgets; a nil notifier logs alerts only.
func NewMonitor(budgets map[string]int64, notifier notification.Notifier) *Monitor {
	if budgets == nil {
		budgets = DefaultBudgets
	}
	return &Monitor{
		ops:      make(map[string]*opWindow),
		budgets:  budgets,
		window:   defaultWindow,
		notifier: notifier,
		now:      time.Now,
	}
}

// Observe records one sample and checks it against the operation's
// budget. Operations without a budget are recorded but never alert.
func (m *Monitor) Observe(op string, elapsed time.Duration) {
	elapsedMs := float64(elapsed.Microseconds()) / 1000.0

	m.mu.Lock()
	w, ok := m.ops[op]
	if !ok {
		w = &opWindow{samples: make([]float64, m.window)}
		m.ops[op] = w
	}
	w.samples[w.pos] = elapsedMs
	w.pos = (w.pos + 1) % m.window
	if w.count < m.window {
		w.count++
	}

	budget, budgeted := m.budgets[op]
	if !budgeted || budget <= 0 {
		m.mu.Unlock()
		return
	}

	severity := breachSeverity(elapsedMs, budget)
	if severity == "" {
		m.mu.Unlock()
		return
	}

	now := m.now()
	alertDue := now.Sub(w.lastAlert) >= alertCooldown
	if alertDue {
		w.lastAlert = now
	}
	m.mu.Unlock()

	if m.OnBreach != nil {
		m.OnBreach(op, severity)
	}
	if alertDue {
		m.emitAlert(op, severity, int64(elapsedMs), budget)
	}
}

// breachSeverity grades one sample: "" within budget tolerance,
// "warning" at 1.5x the target, "critical" at 2x.
func breachSeverity(elapsedMs float64, budgetMs int64) string {
	ratio := elapsedMs / float64(budgetMs)
	switch {
	case ratio >= criticalFactor:
		return "critical"
	case ratio >= warningFactor:
		return "warning"
	default:
		return ""
	}
}

func (m *Monitor) emitAlert(op, severity string, elapsedMs, budgetMs int64) {
	level := notification.AlertWarning
	if severity == "critical" {
		level = notification.AlertCritical
	}
	alert := notification.Alert{
		Level:     level,
		Title:     fmt.Sprintf("%s over budget", op),
		Message:   fmt.Sprintf("%dms against a %dms target", elapsedMs, budgetMs),
		Operation: op,
		ElapsedMs: elapsedMs,
		BudgetMs:  budgetMs,
	}

	log.Printf("[perf] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	if m.notifier != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.notifier.Send(ctx, alert); err != nil {
				log.Printf("[perf] alert send failed: %v", err)
			}
		}()
	}
}

// StatsFor returns the percentile view for one operation.
func (m *Monitor) StatsFor(op string) (OpStats, bool) {
	m.mu.Lock()
	w, ok := m.ops[op]
	if !ok {
		m.mu.Unlock()
		return OpStats{}, false
	}
	sorted := snapshotWindow(w)
	budget := m.budgets[op]
	m.mu.Unlock()

	return windowStats(op, sorted, budget), true
}

// Stats returns the percentile view for every operation, sorted by name.
func (m *Monitor) Stats() []OpStats {
	m.mu.Lock()
	type snap struct {
		op     string
		sorted []float64
		budget int64
	}
	snaps := make([]snap, 0, len(m.ops))
	for op, w := range m.ops {
		snaps = append(snaps, snap{op: op, sorted: snapshotWindow(w), budget: m.budgets[op]})
	}
	m.mu.Unlock()

	out := make([]OpStats, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, windowStats(s.op, s.sorted, s.budget))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

// snapshotWindow copies the live samples out of a ring. Caller holds
// the monitor lock.
func snapshotWindow(w *opWindow) []float64 {
	n := w.count
	out := make([]float64, n)
	if n == len(w.samples) {
		copy(out, w.samples[w.pos:])
		copy(out[len(w.samples)-w.pos:], w.samples[:w.pos])
	} else {
		copy(out, w.samples[:n])
	}
	return out
}

func windowStats(op string, samples []float64, budget int64) OpStats {
	sort.Float64s(samples)
	st := OpStats{Op: op, Count: len(samples), BudgetMs: budget}
	if len(samples) == 0 {
		return st
	}
	st.P50 = percentile(samples, 0.50)
	st.P95 = percentile(samples, 0.95)
	st.Max = samples[len(samples)-1]
	return st
}

// percentile computes the p-th percentile (0.0–1.0) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

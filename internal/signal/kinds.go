// Package signal turns indicator snapshots into alert signals: RSI zone
// crossings and EMA crossovers, edge-triggered against the previous tick.
package signal

import (
	"strings"
	"time"
)

// Signal kinds.
const (
	KindRsiOversoldEntry    = "rsi_oversold_entry"
	KindRsiOversoldExit     = "rsi_oversold_exit"
	KindRsiOverboughtEntry  = "rsi_overbought_entry"
	KindRsiOverboughtExit   = "rsi_overbought_exit"
	KindRsiStrongOversold   = "rsi_strong_oversold"
	KindRsiStrongOverbought = "rsi_strong_overbought"
	KindEmaGoldenCross      = "ema_golden_cross"
	KindEmaDeathCross       = "ema_death_cross"
)

// Default minimum intervals between repeated non-critical sends of the same
// (user, pair, timeframe, kind).
const (
	RsiRepeatInterval = 300 * time.Second
	EmaRepeatInterval = 600 * time.Second
)

// IsRsiKind reports whether kind belongs to the RSI family.
func IsRsiKind(kind string) bool { return strings.HasPrefix(kind, "rsi_") }

// IsEmaKind reports whether kind belongs to the EMA family.
func IsEmaKind(kind string) bool { return strings.HasPrefix(kind, "ema_") }

// RepeatInterval returns the anti-spam repeat interval for a signal kind.
func RepeatInterval(kind string) time.Duration {
	if IsEmaKind(kind) {
		return EmaRepeatInterval
	}
	return RsiRepeatInterval
}

// Thresholds are the RSI zone boundaries and the critical extremes.
type Thresholds struct {
	Oversold         float64
	Overbought       float64
	StrongOversold   float64
	StrongOverbought float64
	CriticalLow      float64
	CriticalHigh     float64
}

// DefaultThresholds returns the standard 30/70 zones with 20/80 strong
// variants and 15/85 critical extremes.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Oversold:         30,
		Overbought:       70,
		StrongOversold:   20,
		StrongOverbought: 80,
		CriticalLow:      15,
		CriticalHigh:     85,
	}
}

// DefaultCrossPairs are the ordered (short, long) EMA pairs checked for
// crossovers.
func DefaultCrossPairs() [][2]int {
	return [][2]int{{20, 50}, {50, 200}}
}

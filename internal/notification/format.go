package notification

import (
	"fmt"

	"crypto-alert-core/internal/model"
	"crypto-alert-core/internal/signal"
)

// realTimeTargetMs is the pipeline budget the processing footer is
// graded against.
const realTimeTargetMs = 200

// FormatMessage renders the user-facing text for one signal. RSI
// messages carry the trigger price; EMA messages only name the cross.
func FormatMessage(sig model.Signal) string {
	header := signalHeader(sig)
	perf := performanceLine(sig.ProcessingMs)
	if signal.IsRsiKind(sig.Kind) {
		return header + "\n" + priceLine(sig) + "\n" + perf
	}
	return header + "\n" + perf
}

func signalHeader(sig model.Signal) string {
	return fmt.Sprintf("🚨 %s - %s (%s)", sig.Kind, sig.Symbol, sig.Timeframe)
}

func priceLine(sig model.Signal) string {
	return fmt.Sprintf("💰 Price: %s", sig.Price.String())
}

func performanceLine(processingMs int64) string {
	return fmt.Sprintf("⚡ Processing: %dms %s", processingMs, performanceEmoji(processingMs, realTimeTargetMs))
}

// performanceEmoji grades elapsed time against a target: within
// budget, inside the 1.5x warning band, or over it.
func performanceEmoji(elapsedMs, targetMs int64) string {
	if targetMs == 0 {
		return "⏱️"
	}
	ratio := float64(elapsedMs) / float64(targetMs)
	switch {
	case ratio <= 1:
		return "✅"
	case ratio <= 1.5:
		return "⚠️"
	default:
		return "🚨"
	}
}

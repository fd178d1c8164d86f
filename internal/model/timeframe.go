package model

import "time"

// timeframeDurations lists the supported candle windows.
var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration returns the window length for a timeframe string.
// ok is false for unknown timeframes.
func TimeframeDuration(tf string) (time.Duration, bool) {
	d, ok := timeframeDurations[tf]
	return d, ok
}

// ValidTimeframe reports whether tf names a supported candle window.
func ValidTimeframe(tf string) bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Timeframes returns the supported set, shortest first.
func Timeframes() []string {
	return []string{"1m", "5m", "15m", "1h", "4h", "1d"}
}

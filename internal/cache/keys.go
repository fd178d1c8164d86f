package cache

import "strconv"

// Key grammar. Keys are colon-joined so that invalidation can match
// "*:{symbol}:{timeframe}*" across every class at once.

func rsiKey(symbol, timeframe string, period int) string {
	return "rsi:" + symbol + ":" + timeframe + ":" + strconv.Itoa(period)
}

func emaKey(symbol, timeframe string, period int) string {
	return "ema:" + symbol + ":" + timeframe + ":" + strconv.Itoa(period)
}

func volumeKey(symbol, timeframe string) string {
	return "vol:" + symbol + ":" + timeframe
}

func candlesKey(symbol, timeframe string) string {
	return "candles:" + symbol + ":" + timeframe
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// realTimeKey marks the live-snapshot variant of a value key.
func realTimeKey(base string) string {
	return base + "_rt"
}

// prevKey is the shadow holding the value the real-time key had before its
// last write. It lives twice as long as the current value.
func prevKey(rtKey string) string {
	return rtKey + ":prev"
}

// calcStateKey addresses persisted calculation state, e.g.
// "state:rsi:BTCUSDT:1m:14".
func calcStateKey(indicator, symbol, timeframe string, period int) string {
	return "state:" + indicator + ":" + symbol + ":" + timeframe + ":" + strconv.Itoa(period)
}

// invalidatePattern matches every key class for one (symbol, timeframe).
func invalidatePattern(symbol, timeframe string) string {
	return "*:" + symbol + ":" + timeframe + "*"
}

package binancews

import (
	"fmt"
	"strings"
)

// KlineStream returns the kline stream name for a symbol and timeframe,
// e.g. KlineStream("BTCUSDT", "5m") == "btcusdt@kline_5m".
func KlineStream(symbol, timeframe string) string {
	return strings.ToLower(symbol) + "@kline_" + timeframe
}

// TickerStream returns the 24h rolling ticker stream name for a symbol,
// e.g. TickerStream("BTCUSDT") == "btcusdt@ticker".
func TickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// ParseStream splits a stream name back into its parts. Symbol comes back
// upper-cased; timeframe is empty for non-kline streams.
func ParseStream(stream string) (symbol, kind, timeframe string, err error) {
	sym, rest, ok := strings.Cut(stream, "@")
	if !ok || sym == "" || rest == "" {
		return "", "", "", fmt.Errorf("malformed stream name %q", stream)
	}
	symbol = strings.ToUpper(sym)

	if tf, found := strings.CutPrefix(rest, "kline_"); found {
		if tf == "" {
			return "", "", "", fmt.Errorf("malformed stream name %q", stream)
		}
		return symbol, "kline", tf, nil
	}
	return symbol, rest, "", nil
}

// DiffStreams compares the currently subscribed streams against the desired
// set and returns what to add and what to drop. Used by the periodic
// subscription refresh to converge the live connection onto the database.
func DiffStreams(current, desired []string) (add, drop []string) {
	cur := make(map[string]struct{}, len(current))
	for _, s := range current {
		cur[s] = struct{}{}
	}
	want := make(map[string]struct{}, len(desired))
	for _, s := range desired {
		want[s] = struct{}{}
		if _, ok := cur[s]; !ok {
			add = append(add, s)
		}
	}
	for _, s := range current {
		if _, ok := want[s]; !ok {
			drop = append(drop, s)
		}
	}
	return add, drop
}

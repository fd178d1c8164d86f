package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// compressThreshold is the serialized size above which payloads are stored
// gzip-compressed. Small payloads stay raw so readers skip the inflate cost.
const compressThreshold = 1024

// gzSentinel prefixes compressed payloads. Readers detect it transparently.
const gzSentinel = "gz:"

// serialize JSON-encodes v, compressing with the sentinel prefix when the
// encoding exceeds compressThreshold.
func serialize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cache serialize: %w", err)
	}
	if len(raw) <= compressThreshold {
		return string(raw), nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("cache compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("cache compress: %w", err)
	}
	return gzSentinel + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// deserialize decodes a payload written by serialize into out.
func deserialize(data string, out any) error {
	if strings.HasPrefix(data, gzSentinel) {
		compressed, err := base64.StdEncoding.DecodeString(data[len(gzSentinel):])
		if err != nil {
			return fmt.Errorf("cache decode: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return fmt.Errorf("cache inflate: %w", err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("cache inflate: %w", err)
		}
		return json.Unmarshal(raw, out)
	}
	return json.Unmarshal([]byte(data), out)
}

// adaptiveTTL tunes a base TTL to the symbol's recent volatility: volatile
// symbols expire twice as fast, quiet symbols live twice as long.
func adaptiveTTL(base time.Duration, volatility float64) time.Duration {
	switch {
	case volatility > 0.05:
		return base / 2
	case volatility < 0.01:
		return base * 2
	default:
		return base
	}
}

// AdaptiveIndicatorTTL is the adaptive lifetime for real-time indicator
// snapshots, derived from the default indicator TTL.
func AdaptiveIndicatorTTL(volatility float64) time.Duration {
	return adaptiveTTL(IndicatorTTL, volatility)
}

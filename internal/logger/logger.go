// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context and provides
// tick-trace propagation through context.Context.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

type ctxKey string

const tickIDKey ctxKey = "tick_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// WithTickID stores a tick ID in the context for downstream propagation.
// One tick ID spans a candle's whole trip through the pipeline.
func WithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, tickIDKey, tickID)
}

// TickID extracts the tick ID from context. Returns "" if not set.
func TickID(ctx context.Context) string {
	if v, ok := ctx.Value(tickIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTickID creates a tick ID from a symbol, timeframe and candle close
// time. Format: "{symbol}:{timeframe}-{unixMilli}". Stable for a given candle
// so retries correlate in the logs.
func GenerateTickID(symbol, timeframe string, closeTime time.Time) string {
	return fmt.Sprintf("%s:%s-%d", symbol, timeframe, closeTime.UnixMilli())
}

// LogWithTick returns slog attributes including the tick ID from context.
// Usage: slog.Info("msg", logger.LogWithTick(ctx)...)
func LogWithTick(ctx context.Context) []any {
	tid := TickID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("tick_id", tid)}
}

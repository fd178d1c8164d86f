package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Master switch for the real-time pipeline.
	RealTimeEnabled bool

	// Exchange endpoints
	WSEndpoint   string // streaming base, e.g. wss://stream.binance.com:9443/ws
	RESTEndpoint string // kline backfill base; empty = library default

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string

	// Delivery transport: "log", "telegram" or "webhook".
	DeliveryMode     string
	TelegramBotToken string
	WebhookURL       string

	// Subscriptions
	DefaultTimeframes          []string // auto-subscribed timeframes for new users
	SubscriptionUpdateInterval time.Duration

	// RSI parameters and zone thresholds
	RsiPeriod           int
	RsiOversold         float64
	RsiOverbought       float64
	RsiStrongOversold   float64
	RsiStrongOverbought float64
	RsiCriticalLow      float64
	RsiCriticalHigh     float64

	// EMA periods (comma-separated, e.g. "20,50,100,200")
	EmaPeriods []int

	// WebSocket health
	PingInterval         time.Duration
	ReconnectMaxAttempts int
	ReconnectMaxDelay    time.Duration

	// Notification limits
	NotificationRateLimit int // per-user per-hour cap
	MaxPairsPerUser       int
	MaxRealTimePairs      int
	QueueHighWaterMark    int

	// Per-stage latency budgets (alert thresholds derive from these)
	BudgetWS       time.Duration
	BudgetRSI      time.Duration
	BudgetEMA      time.Duration
	BudgetSignal   time.Duration
	BudgetDelivery time.Duration
	BudgetTotal    time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		RealTimeEnabled: getEnvBool("REAL_TIME_ENABLED", true),

		WSEndpoint:   getEnv("WS_ENDPOINT", "wss://stream.binance.com:9443/ws"),
		RESTEndpoint: getEnv("REST_ENDPOINT", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/alerts.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		DeliveryMode: getEnv("DELIVERY_MODE", "log"),

		DefaultTimeframes:          splitList(getEnv("DEFAULT_TIMEFRAMES", "1m,5m,15m,1h")),
		SubscriptionUpdateInterval: getEnvDuration("SUBSCRIPTION_UPDATE_INTERVAL", 300*time.Second),

		RsiPeriod:           getEnvInt("RSI_PERIOD", 14),
		RsiOversold:         getEnvFloat("RSI_OVERSOLD", 30),
		RsiOverbought:       getEnvFloat("RSI_OVERBOUGHT", 70),
		RsiStrongOversold:   getEnvFloat("RSI_STRONG_OVERSOLD", 20),
		RsiStrongOverbought: getEnvFloat("RSI_STRONG_OVERBOUGHT", 80),
		RsiCriticalLow:      getEnvFloat("RSI_CRITICAL_LOW", 15),
		RsiCriticalHigh:     getEnvFloat("RSI_CRITICAL_HIGH", 85),

		EmaPeriods: splitInts(getEnv("EMA_PERIODS", "20,50,100,200")),

		PingInterval:         getEnvDuration("PING_INTERVAL", 20*time.Second),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 60*time.Second),

		NotificationRateLimit: getEnvInt("NOTIFICATION_RATE_LIMIT", 10),
		MaxPairsPerUser:       getEnvInt("MAX_PAIRS_PER_USER", 10),
		MaxRealTimePairs:      getEnvInt("MAX_REAL_TIME_PAIRS", 50),
		QueueHighWaterMark:    getEnvInt("QUEUE_HIGH_WATER_MARK", 1000),

		BudgetWS:       getEnvDuration("BUDGET_WS", 10*time.Millisecond),
		BudgetRSI:      getEnvDuration("BUDGET_RSI", 100*time.Millisecond),
		BudgetEMA:      getEnvDuration("BUDGET_EMA", 50*time.Millisecond),
		BudgetSignal:   getEnvDuration("BUDGET_SIGNAL", 200*time.Millisecond),
		BudgetDelivery: getEnvDuration("BUDGET_DELIVERY", 500*time.Millisecond),
		BudgetTotal:    getEnvDuration("BUDGET_TOTAL", 1000*time.Millisecond),
	}

	// Transport credentials are required only for the mode in use.
	switch cfg.DeliveryMode {
	case "telegram":
		cfg.TelegramBotToken = mustEnv("TELEGRAM_BOT_TOKEN")
	case "webhook":
		cfg.WebhookURL = mustEnv("WEBHOOK_URL")
	}

	return cfg
}

// splitList parses a comma-separated string into trimmed, non-empty parts.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// splitInts parses a comma-separated string into positive ints, skipping
// invalid entries with a log line.
func splitInts(s string) []int {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid int value: %q", p)
			continue
		}
		out = append(out, n)
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %t", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

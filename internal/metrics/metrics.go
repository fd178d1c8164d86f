package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the alert core.
type Metrics struct {
	// Ingest
	FramesTotal     prometheus.Counter
	MalformedFrames prometheus.Counter
	WSReconnects    prometheus.Counter
	WSState         prometheus.Gauge // 0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed
	DroppedCandles  prometheus.Counter
	CandlesTotal    prometheus.Counter

	// Store latencies
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Indicator engine
	IndicatorComputeDur prometheus.Histogram
	IndicatorsTotal     prometheus.Counter
	SkippedTicks        prometheus.Counter

	// Signal pipeline
	SignalsTotal    *prometheus.CounterVec // labels: kind
	CriticalSignals prometheus.Counter
	AntiSpamBlocks  prometheus.Counter
	SubscriptionLen prometheus.Gauge

	// Notification queue
	QueueDepth      prometheus.Gauge
	QueueDropsTotal prometheus.Counter
	DeliveriesTotal *prometheus.CounterVec // labels: outcome=delivered|failed|user_blocked
	DeliveryDur     prometheus.Histogram
	BlockedUsers    prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name
	RingBufOverflow      prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Stage budgets
	StageDur       *prometheus.HistogramVec // labels: stage
	BudgetBreaches *prometheus.CounterVec   // labels: stage, severity=warning|critical

	// End-to-end: candle close to delivery handoff
	E2ELatency prometheus.Histogram
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_frames_total",
			Help: "Total kline frames received from WebSocket",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_malformed_frames_total",
			Help: "Frames dropped by payload validation",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		WSState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertcore_ws_state",
			Help: "WebSocket connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed)",
		}),
		DroppedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_dropped_candles_total",
			Help: "Closed candles dropped because a downstream channel was full",
		}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_candles_total",
			Help: "Total closed candles processed",
		}),

		// Store latencies
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertcore_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertcore_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		// Indicator metrics
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertcore_indicator_compute_duration_seconds",
			Help:    "RSI and EMA compute latency per closed candle",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		IndicatorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_indicators_total",
			Help: "Total indicator values computed",
		}),
		SkippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_skipped_ticks_total",
			Help: "Closed candles skipped because no indicator value resolved",
		}),

		// Signal pipeline
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertcore_signals_total",
			Help: "Signals emitted by the evaluator (by kind)",
		}, []string{"kind"}),
		CriticalSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_critical_signals_total",
			Help: "Signals flagged critical (extreme RSI or golden cross)",
		}),
		AntiSpamBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_antispam_blocks_total",
			Help: "Deliveries suppressed by the anti-spam window",
		}),
		SubscriptionLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertcore_subscription_entries",
			Help: "Pair/timeframe entries held in the subscription index",
		}),

		// Notification queue
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertcore_queue_depth",
			Help: "Deliveries waiting in the notification queue",
		}),
		QueueDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_queue_drops_total",
			Help: "Non-critical deliveries rejected above the queue high-water mark",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertcore_deliveries_total",
			Help: "Delivery attempts by terminal outcome",
		}, []string{"outcome"}),
		DeliveryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertcore_delivery_duration_seconds",
			Help:    "Latency of a successful delivery send",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		BlockedUsers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_blocked_users_total",
			Help: "Users deactivated after a user_blocked delivery failure",
		}),

		// Backpressure
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertcore_fanout_drops_total",
			Help: "Candles dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alertcore_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_ringbuf_overflow_total",
			Help: "Ring buffer push overflows (dropped frames)",
		}),

		// Circuit breaker
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertcore_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertcore_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),

		// Stage budgets
		StageDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertcore_stage_duration_seconds",
			Help:    "Per-stage processing latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}, []string{"stage"}),
		BudgetBreaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertcore_budget_breaches_total",
			Help: "Stage latency budget breaches by severity",
		}, []string{"stage", "severity"}),

		// E2E observability
		E2ELatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertcore_e2e_latency_seconds",
			Help:    "End-to-end latency from candle close to delivery handoff",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	prometheus.MustRegister(
		m.FramesTotal,
		m.MalformedFrames,
		m.WSReconnects,
		m.WSState,
		m.DroppedCandles,
		m.CandlesTotal,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.IndicatorComputeDur,
		m.IndicatorsTotal,
		m.SkippedTicks,
		m.SignalsTotal,
		m.CriticalSignals,
		m.AntiSpamBlocks,
		m.SubscriptionLen,
		m.QueueDepth,
		m.QueueDropsTotal,
		m.DeliveriesTotal,
		m.DeliveryDur,
		m.BlockedUsers,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RingBufOverflow,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.StageDur,
		m.BudgetBreaches,
		m.E2ELatency,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastKlineTime  time.Time `json:"last_kline_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	EngineOK       bool      `json:"engine_ok"`
	QueueDepth     int       `json:"queue_depth"`
	WatchedPairs   []string  `json:"watched_pairs"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastKlineTime(t time.Time) {
	h.mu.Lock()
	h.LastKlineTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetEngineOK(v bool) {
	h.mu.Lock()
	h.EngineOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetQueueDepth(n int) {
	h.mu.Lock()
	h.QueueDepth = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetWatchedPairs(pairs []string) {
	h.mu.Lock()
	h.WatchedPairs = pairs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Determine overall status
	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.WSConnected || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	// Kline age
	klineAge := ""
	if !h.LastKlineTime.IsZero() {
		klineAge = time.Since(h.LastKlineTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		WSConnected     bool     `json:"ws_connected"`
		LastKlineTime   string   `json:"last_kline_time"`
		KlineAge        string   `json:"kline_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		EngineOK        bool     `json:"engine_ok"`
		QueueDepth      int      `json:"queue_depth"`
		WatchedPairs    []string `json:"watched_pairs"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastKlineTime:   h.LastKlineTime.Format(time.RFC3339),
		KlineAge:        klineAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		EngineOK:        h.EngineOK,
		QueueDepth:      h.QueueDepth,
		WatchedPairs:    h.WatchedPairs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		mux:    mux,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handle registers an extra route. Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

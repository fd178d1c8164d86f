package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"crypto-alert-core/config"
	"crypto-alert-core/internal/antispam"
	"crypto-alert-core/internal/bus"
	"crypto-alert-core/internal/cache"
	"crypto-alert-core/internal/indicator"
	"crypto-alert-core/internal/logger"
	"crypto-alert-core/internal/metrics"
	"crypto-alert-core/internal/model"
	"crypto-alert-core/internal/notification"
	"crypto-alert-core/internal/perf"
	"crypto-alert-core/internal/processor"
	"crypto-alert-core/internal/ringbuf"
	sigeval "crypto-alert-core/internal/signal"
	sqlitestore "crypto-alert-core/internal/store/sqlite"
	"crypto-alert-core/internal/subscription"
	"crypto-alert-core/internal/warmup"
	"crypto-alert-core/pkg/binancews"
)

// fatalCacheOutage is how long Redis may stay unreachable before the
// process gives up instead of buffering forever.
const fatalCacheOutage = 5 * time.Minute

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[alertcore] starting...")

	cfg := config.Load()
	logger.Init("alertcore", slog.LevelInfo)

	// ---- Pipeline channels ----
	frameRing := ringbuf.New(8192)
	candleCh := make(chan model.Candle, 5000)
	snapshotCh := make(chan model.IndicatorSnapshot, 1000)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)

	// ---- Root context & shutdown signals ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// fatalCh carries unrecoverable conditions up from the pipeline.
	fatalCh := make(chan error, 1)
	fatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	// ---- SQLite store ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[alertcore] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	// ---- Redis cache ----
	cacheClient, err := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[alertcore] redis init failed: %v", err)
	}
	defer cacheClient.Close()
	health.SetRedisConnected(true)

	candleCache := cache.NewCandleCache(cacheClient)
	priceCache := cache.NewPriceCache(cacheClient)
	indCache := cache.NewIndicatorCache(cacheClient)

	// Indicator writes go through the breaker; outages buffer in memory
	// and replay on recovery.
	breaker := cache.NewBreaker(5, 30*time.Second)
	breaker.OnStateChange = func(from, to cache.BreakerState) {
		log.Printf("[alertcore] cache breaker %s -> %s", from, to)
		prom.RedisCircuitBreakerState.Set(float64(to))
		health.SetRedisConnected(to == cache.BreakerClosed)
		if to == cache.BreakerOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
	}
	stateWriter := cache.NewBufferedWriter(ctx, indCache, breaker, 10000)
	stateWriter.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }

	health.StartLivenessChecker(ctx, cacheClient.Redis(), store.DB(), 10*time.Second)

	metricsSrv.Handle("/stats", statsHandler(store, cfg.DefaultTimeframes))
	metricsSrv.Start()

	// An outage longer than the fatal threshold is not worth surviving:
	// indicator state is gone and every tick is degraded.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if down := breaker.DownFor(); down > fatalCacheOutage {
					fatal(fmt.Errorf("cache unreachable for %s", down.Round(time.Second)))
					return
				}
			}
		}
	}()

	// ---- Performance monitor ----
	var opsNotifier notification.Notifier
	if cfg.WebhookURL != "" {
		opsNotifier = notification.NewWebhookNotifier(cfg.WebhookURL)
	}
	monitor := perf.NewMonitor(map[string]int64{
		perf.OpWebSocket: cfg.BudgetWS.Milliseconds(),
		perf.OpRsi:       cfg.BudgetRSI.Milliseconds(),
		perf.OpEma:       cfg.BudgetEMA.Milliseconds(),
		perf.OpSignal:    cfg.BudgetSignal.Milliseconds(),
		perf.OpDelivery:  cfg.BudgetDelivery.Milliseconds(),
		perf.OpTotal:     cfg.BudgetTotal.Milliseconds(),
	}, opsNotifier)
	monitor.OnBreach = func(op, severity string) {
		prom.BudgetBreaches.WithLabelValues(op, severity).Inc()
	}
	stage := &stageRecorder{mon: monitor, prom: prom}

	// ---- Active pairs & cache warmup ----
	pairs, err := store.ActivePairs(ctx)
	if err != nil {
		log.Printf("[alertcore] loading active pairs: %v", err)
	}
	pairs = capPairs(pairs, cfg.MaxRealTimePairs)
	symbols := pairSymbols(pairs)
	health.SetWatchedPairs(symbols)

	if cfg.RealTimeEnabled && len(symbols) > 0 {
		restClient := binance.NewClient("", "")
		if cfg.RESTEndpoint != "" {
			restClient.BaseURL = cfg.RESTEndpoint
		}
		warmer := warmup.New(warmup.NewBinanceFetcher(restClient), candleCache, stateWriter, warmup.Config{
			Timeframes: cfg.DefaultTimeframes,
			RsiPeriod:  cfg.RsiPeriod,
			EmaPeriods: cfg.EmaPeriods,
		})
		warmCtx, warmCancel := context.WithTimeout(ctx, 2*time.Minute)
		warmer.Run(warmCtx, symbols)
		warmCancel()
	}

	// ---- Subscription index ----
	subIndex := subscription.NewIndex(store, cfg.SubscriptionUpdateInterval)
	subIndex.MaxPairsPerUser = cfg.MaxPairsPerUser
	subIndex.OnRefresh = func(entries int) {
		prom.SubscriptionLen.Set(float64(entries))
	}
	go subIndex.Run(ctx)

	// ---- Delivery queue ----
	var sender notification.Sender
	switch cfg.DeliveryMode {
	case "telegram":
		sender = notification.NewTelegramSender(cfg.TelegramBotToken)
	case "webhook":
		sender = notification.NewWebhookSender(cfg.WebhookURL)
	default:
		sender = notification.NewLogSender()
	}
	log.Printf("[alertcore] delivery mode: %s", cfg.DeliveryMode)

	queue := notification.NewQueue(sender, cfg.QueueHighWaterMark)
	queue.OnDelivered = func(d model.Delivery, latency time.Duration) {
		stage.Observe(perf.OpDelivery, latency)
		total := time.Duration(d.Signal.ProcessingMs)*time.Millisecond + time.Since(d.Signal.ProducedAt)
		stage.Observe(perf.OpTotal, total)
		prom.DeliveriesTotal.WithLabelValues("delivered").Inc()
		prom.DeliveryDur.Observe(latency.Seconds())
		// Not the root ctx: history rows for deliveries flushed during
		// shutdown drain must still land.
		recCtx, recCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer recCancel()
		if err := store.RecordSignal(recCtx, d.UserID, d.Signal, latency.Milliseconds()); err != nil {
			log.Printf("[alertcore] recording history for user %d: %v", d.UserID, err)
		}
	}
	queue.OnBlocked = func(userID int64) {
		prom.DeliveriesTotal.WithLabelValues("user_blocked").Inc()
		prom.BlockedUsers.Inc()
		recCtx, recCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer recCancel()
		if err := store.MarkUserBlocked(recCtx, userID); err != nil {
			log.Printf("[alertcore] deactivating user %d: %v", userID, err)
		}
	}
	queue.OnFailed = func(d model.Delivery, err error) {
		prom.DeliveriesTotal.WithLabelValues("failed").Inc()
	}
	go queue.Run(ctx)

	// ---- Signal fan-out ----
	gate := antispam.New(cacheClient, cfg.NotificationRateLimit)
	fan := subscription.NewFanout(subIndex, gate, queue)
	fan.OnSuppressed = func(userID int64, kind string) {
		prom.AntiSpamBlocks.Inc()
	}
	fan.OnQueueDrop = func(d model.Delivery) {
		prom.QueueDropsTotal.Inc()
	}

	// ---- Candle fan-out: indicators + persistence ----
	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriber string, c model.Candle) {
		prom.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
	}
	indicatorCh := fanout.Subscribe("indicators")
	persistCh := fanout.Subscribe("persistence")
	go fanout.Run(ctx, candleCh)
	go store.Run(ctx, persistCh)

	// ---- Indicator engine ----
	rsiCalc := indicator.NewRsiCalculator(indCache, candleCache, cfg.RsiPeriod)
	emaCalc := indicator.NewEmaCalculator(indCache, candleCache, cfg.EmaPeriods)
	engine := indicator.NewEngine(rsiCalc, emaCalc, stateWriter, stage)
	engine.OnDrop = func(s model.IndicatorSnapshot) {
		prom.DroppedCandles.Inc()
	}
	engine.OnSkip = func(model.Candle, error) {
		prom.SkippedTicks.Inc()
	}
	go engine.Run(ctx, indicatorCh, snapshotCh)

	// ---- Signal evaluation ----
	evaluator := sigeval.NewEvaluator(sigeval.Thresholds{
		Oversold:         cfg.RsiOversold,
		Overbought:       cfg.RsiOverbought,
		StrongOversold:   cfg.RsiStrongOversold,
		StrongOverbought: cfg.RsiStrongOverbought,
		CriticalLow:      cfg.RsiCriticalLow,
		CriticalHigh:     cfg.RsiCriticalHigh,
	}, sigeval.DefaultCrossPairs())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snapshotCh:
				if !ok {
					return
				}
				n := len(snap.Ema)
				if snap.RsiReady {
					n++
				}
				prom.IndicatorsTotal.Add(float64(n))

				tmr := perf.StartTimer(stage, perf.OpSignal)
				signals := evaluator.Evaluate(snap)
				tmr.Stop()

				for _, sig := range signals {
					prom.SignalsTotal.WithLabelValues(sig.Kind).Inc()
					if sig.Critical {
						prom.CriticalSignals.Inc()
					}
					queued, err := fan.Dispatch(ctx, sig)
					if err != nil {
						log.Printf("[alertcore] dispatch %s: %v", sig.Key(), err)
						continue
					}
					if queued > 0 {
						log.Printf("[alertcore] %s -> %d deliveries", sig.Key(), queued)
					}
				}
				if len(signals) > 0 && !snap.StartedAt.IsZero() {
					prom.E2ELatency.Observe(time.Since(snap.StartedAt).Seconds())
				}
			}
		}
	}()

	// ---- Frame processor (HOT PATH) ----
	proc := processor.New(candleCache, priceCache, stage)
	proc.OnFrame = func() {
		prom.FramesTotal.Inc()
	}
	proc.OnMalformed = func(err error) {
		prom.MalformedFrames.Inc()
	}
	proc.OnCandle = func(c model.Candle) {
		prom.CandlesTotal.Inc()
		health.SetLastKlineTime(time.Now())
	}
	proc.OnDrop = func(c model.Candle) {
		prom.DroppedCandles.Inc()
	}
	go proc.Run(ctx, frameRing, candleCh)
	health.SetEngineOK(true)

	// ---- WebSocket ingest ----
	ws := binancews.New(binancews.Config{
		URL:                  cfg.WSEndpoint,
		PingInterval:         cfg.PingInterval,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	})
	ws.OnMessage = func(frame []byte) {
		if !frameRing.Push(frame) {
			prom.RingBufOverflow.Inc()
		}
	}
	ws.OnStateChange = func(from, to binancews.State) {
		prom.WSState.Set(float64(to))
		health.SetWSConnected(to == binancews.StateConnected)
	}
	ws.OnReconnect = func(attempt int) {
		prom.WSReconnects.Inc()
		log.Printf("[alertcore] ws recovered on attempt %d", attempt)
	}
	ws.OnFatal = func(err error) {
		fatal(fmt.Errorf("websocket: %w", err))
	}

	if cfg.RealTimeEnabled {
		if err := ws.Connect(ctx); err != nil {
			log.Fatalf("[alertcore] ws connect failed: %v", err)
		}
		if streams := klineStreams(pairs, cfg.DefaultTimeframes); len(streams) > 0 {
			if err := ws.Subscribe(streams...); err != nil {
				log.Printf("[alertcore] initial subscribe failed: %v", err)
			}
		}

		// Periodic stream refresh: converge the live subscription set on
		// whatever the pairs table says now.
		go func() {
			ticker := time.NewTicker(cfg.SubscriptionUpdateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					current, err := store.ActivePairs(ctx)
					if err != nil {
						log.Printf("[alertcore] pair refresh failed: %v", err)
						continue
					}
					current = capPairs(current, cfg.MaxRealTimePairs)
					desired := klineStreams(current, cfg.DefaultTimeframes)
					add, drop := binancews.DiffStreams(ws.Subscriptions(), desired)
					if len(add) > 0 {
						if err := ws.Subscribe(add...); err != nil {
							log.Printf("[alertcore] subscribe %d streams: %v", len(add), err)
						}
					}
					if len(drop) > 0 {
						if err := ws.Unsubscribe(drop...); err != nil {
							log.Printf("[alertcore] unsubscribe %d streams: %v", len(drop), err)
						}
					}
					if len(add)+len(drop) > 0 {
						log.Printf("[alertcore] stream refresh: +%d -%d (now %d)",
							len(add), len(drop), len(ws.Subscriptions()))
					}
					health.SetWatchedPairs(pairSymbols(current))
				}
			}
		}()
	} else {
		log.Println("[alertcore] real-time pipeline disabled; serving metrics and health only")
	}

	// ---- Backpressure sampling ----
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range fanout.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues(s.Name).Set(pct)
					}
				}
				prom.ChannelSaturationPct.WithLabelValues("frame_ring").
					Set(float64(frameRing.Len()) / float64(frameRing.Cap()) * 100)
				prom.ChannelSaturationPct.WithLabelValues("snapshots").
					Set(float64(len(snapshotCh)) / float64(cap(snapshotCh)) * 100)
				depth := queue.Depth()
				prom.QueueDepth.Set(float64(depth))
				health.SetQueueDepth(depth)
			}
		}
	}()

	log.Println("[alertcore] ╔══════════════════════════════════════════════════════════════╗")
	log.Println("[alertcore] ║  Crypto Alert Core — real-time signal pipeline               ║")
	log.Println("[alertcore] ║                                                              ║")
	log.Println("[alertcore] ║  [WS] → [Ring] → [Processor] → [Indicators] → [Signals]      ║")
	log.Println("[alertcore] ║                     ↓                        ↓               ║")
	log.Println("[alertcore] ║                 [SQLite]                 [Queue → Send]       ║")
	log.Printf("[alertcore] ║  pairs: %-4d timeframes: %-28v ║", len(symbols), cfg.DefaultTimeframes)
	log.Printf("[alertcore] ║  rsi period: %-3d ema periods: %-24v ║", cfg.RsiPeriod, cfg.EmaPeriods)
	log.Println("[alertcore] ╚══════════════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown ----
	select {
	case <-sigCh:
		log.Println("[alertcore] shutdown signal received, cleaning up...")
	case err := <-fatalCh:
		log.Printf("[alertcore] fatal: %v, shutting down...", err)
	}
	cancel()
	ws.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	queue.Drain(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[alertcore] shutdown complete.")
}

// stageRecorder feeds one latency sample to both the budget monitor and
// the Prometheus stage histogram.
type stageRecorder struct {
	mon  *perf.Monitor
	prom *metrics.Metrics
}

func (r *stageRecorder) Observe(op string, elapsed time.Duration) {
	r.mon.Observe(op, elapsed)
	r.prom.StageDur.WithLabelValues(op).Observe(elapsed.Seconds())
	if op == perf.OpRsi || op == perf.OpEma {
		r.prom.IndicatorComputeDur.Observe(elapsed.Seconds())
	}
}

// statsHandler serves signal-history aggregates and per-series storage
// coverage for operators. Off the hot path; every request hits SQLite.
func statsHandler(store *sqlitestore.Store, timeframes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		window := 24 * time.Hour
		if v := r.URL.Query().Get("window"); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				window = d
			}
		}

		stats, err := store.Stats(r.Context(), time.Now().Add(-window).Unix())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := struct {
			Window  string                       `json:"window"`
			Signals sqlitestore.PerformanceStats `json:"signals"`
			Series  []seriesStat                 `json:"series,omitempty"`
			Recent  []sqlitestore.HistoryRecord  `json:"recent,omitempty"`
		}{Window: window.String(), Signals: stats}

		if pairs, err := store.ActivePairs(r.Context()); err == nil {
			for _, p := range pairs {
				for _, tf := range timeframes {
					n, err := store.CandleCount(r.Context(), p.Symbol, tf)
					if err != nil || n == 0 {
						continue
					}
					last, _ := store.LastCandleOpenTime(r.Context(), p.Symbol, tf)
					resp.Series = append(resp.Series, seriesStat{
						Symbol: p.Symbol, Timeframe: tf, Candles: n, LastOpenTime: last,
					})
				}
			}
		}

		if uid, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64); err == nil && uid > 0 {
			if recent, err := store.RecentSignals(r.Context(), uid, 10); err == nil {
				resp.Recent = recent
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}

// seriesStat is one (symbol, timeframe) coverage row in the stats response.
type seriesStat struct {
	Symbol       string `json:"symbol"`
	Timeframe    string `json:"timeframe"`
	Candles      int64  `json:"candles"`
	LastOpenTime int64  `json:"last_open_time"`
}

// klineStreams expands active pairs × timeframes into stream names.
func klineStreams(pairs []model.Pair, timeframes []string) []string {
	streams := make([]string, 0, len(pairs)*len(timeframes))
	for _, p := range pairs {
		if !p.RealTimeMonitoring {
			continue
		}
		for _, tf := range timeframes {
			streams = append(streams, binancews.KlineStream(p.Symbol, tf))
		}
	}
	return streams
}

func pairSymbols(pairs []model.Pair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Symbol)
	}
	return out
}

// capPairs truncates the pair set to the real-time admission limit.
// ActivePairs returns symbols sorted, so the cut lands on the same
// pairs every refresh.
func capPairs(pairs []model.Pair, max int) []model.Pair {
	if max <= 0 || len(pairs) <= max {
		return pairs
	}
	log.Printf("[alertcore] %d active pairs over the %d real-time cap, streaming the first %d",
		len(pairs), max, max)
	return pairs[:max]
}

// Package antispam rate-limits signal deliveries per (user, symbol,
// timeframe, kind) using sorted sets of send timestamps.
package antispam

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"crypto-alert-core/internal/cache"
	"crypto-alert-core/internal/model"
	"crypto-alert-core/internal/signal"
)

// HistoryTTL bounds how long send history is kept.
const HistoryTTL = 24 * time.Hour

// housekeepEvery is the record count between cleanup passes.
const housekeepEvery = 100

// Manager answers "may this signal go to this user right now" and records
// sends. Critical signals always pass; everything else honors the per-kind
// repeat interval plus an hourly cap.
type Manager struct {
	rdb         *goredis.Client
	hourlyLimit int
	intervalFor func(kind string) time.Duration
	records     atomic.Int64
}

func New(c *cache.Client, hourlyLimit int) *Manager {
	if hourlyLimit <= 0 {
		hourlyLimit = 10
	}
	return &Manager{
		rdb:         c.Redis(),
		hourlyLimit: hourlyLimit,
		intervalFor: signal.RepeatInterval,
	}
}

// CanSend reports whether the signal may be delivered to the user now.
func (m *Manager) CanSend(ctx context.Context, userID int64, sig *model.Signal) (bool, error) {
	if sig.Critical {
		return true, nil
	}

	key := m.key(userID, sig)
	now := time.Now().Unix()

	last, err := m.rdb.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return false, fmt.Errorf("antispam last send: %w", err)
	}
	var lastSend int64
	if len(last) > 0 {
		lastSend = int64(last[0].Score)
	}

	hourAgo := now - 3600
	hourCount, err := m.rdb.ZCount(ctx, key, strconv.FormatInt(hourAgo, 10), strconv.FormatInt(now, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("antispam hourly count: %w", err)
	}

	return permitDecision(len(last) > 0, lastSend, hourCount, now, m.intervalFor(sig.Kind), m.hourlyLimit), nil
}

// Record appends the send to the user's history and refreshes the TTL.
// Every hundredth record triggers a housekeeping pass on that key.
func (m *Manager) Record(ctx context.Context, userID int64, sig *model.Signal) error {
	key := m.key(userID, sig)
	now := time.Now().Unix()

	pipe := m.rdb.Pipeline()
	pipe.ZAdd(ctx, key, &goredis.Z{Score: float64(now), Member: string(sig.JSON())})
	pipe.Expire(ctx, key, HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("antispam record: %w", err)
	}

	if m.records.Add(1)%housekeepEvery == 0 {
		if err := m.Cleanup(ctx, key); err != nil {
			return fmt.Errorf("antispam housekeeping: %w", err)
		}
	}
	return nil
}

// Cleanup drops entries older than the history TTL from one key.
func (m *Manager) Cleanup(ctx context.Context, key string) error {
	cutoff := time.Now().Add(-HistoryTTL).Unix()
	return m.rdb.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10)).Err()
}

// UserStats returns sends-in-the-last-hour per history key for one user.
func (m *Manager) UserStats(ctx context.Context, userID int64) (map[string]int64, error) {
	now := time.Now().Unix()
	hourAgo := strconv.FormatInt(now-3600, 10)
	nowStr := strconv.FormatInt(now, 10)

	stats := make(map[string]int64)
	pattern := fmt.Sprintf("signal_history:%d:*", userID)
	iter := m.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := m.rdb.ZCount(ctx, key, hourAgo, nowStr).Result()
		if err != nil {
			return stats, fmt.Errorf("antispam stats %s: %w", key, err)
		}
		stats[key] = n
	}
	if err := iter.Err(); err != nil {
		return stats, fmt.Errorf("antispam stats scan: %w", err)
	}
	return stats, nil
}

func (m *Manager) key(userID int64, sig *model.Signal) string {
	return historyKey(userID, sig.Symbol, sig.Timeframe, sig.Kind)
}

func historyKey(userID int64, symbol, timeframe, kind string) string {
	return fmt.Sprintf("signal_history:%d:%s:%s:%s", userID, symbol, timeframe, kind)
}

// permitDecision applies the non-critical permit rule: the repeat interval
// must have elapsed since the last send (or no send exists) and the hourly
// cap must not be reached.
func permitDecision(hasPrior bool, lastSend, hourCount, now int64, interval time.Duration, limit int) bool {
	if hasPrior && now-lastSend < int64(interval.Seconds()) {
		return false
	}
	return hourCount < int64(limit)
}

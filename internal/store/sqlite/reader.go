package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"crypto-alert-core/internal/model"
)

// UsersFor returns users with an active subscription to (symbol, timeframe)
// whose account is active and accepts notifications.
func (s *Store) UsersFor(ctx context.Context, symbol, timeframe string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.notifications_enabled, u.is_active, u.real_time_enabled
		FROM users u
		JOIN user_pairs up ON up.user_id = u.id
		JOIN pairs p ON p.id = up.pair_id
		WHERE p.symbol = ?
		  AND u.notifications_enabled = 1
		  AND u.is_active = 1
		  AND up.real_time_active = 1
		  AND EXISTS (SELECT 1 FROM json_each(up.timeframes) WHERE json_each.value = ?)
	`, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("sqlite users for %s %s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ActivePairs returns the pairs the pipeline should monitor.
func (s *Store) ActivePairs(ctx context.Context) ([]model.Pair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, base_asset, quote_asset, is_active, real_time_monitoring
		FROM pairs
		WHERE is_active = 1 AND real_time_monitoring = 1
		ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite active pairs: %w", err)
	}
	defer rows.Close()

	var pairs []model.Pair
	for rows.Next() {
		var p model.Pair
		var active, rt int
		if err := rows.Scan(&p.ID, &p.Symbol, &p.BaseAsset, &p.QuoteAsset, &active, &rt); err != nil {
			return nil, fmt.Errorf("sqlite scan pair: %w", err)
		}
		p.IsActive = active == 1
		p.RealTimeMonitoring = rt == 1
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// SubscriptionRow is one (user, symbol, timeframes) edge of the fan-out
// index, produced by a bulk refresh.
type SubscriptionRow struct {
	User       model.User
	Symbol     string
	Timeframes []string
}

// ActiveSubscriptions returns every live subscription edge in one query,
// ordered per user so admission caps truncate the same way on every
// refresh. The in-process index rebuilds itself from this.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]SubscriptionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.notifications_enabled, u.is_active, u.real_time_enabled,
		       p.symbol, up.timeframes
		FROM user_pairs up
		JOIN users u ON u.id = up.user_id
		JOIN pairs p ON p.id = up.pair_id
		WHERE u.notifications_enabled = 1
		  AND u.is_active = 1
		  AND up.real_time_active = 1
		  AND p.is_active = 1
		ORDER BY up.user_id, p.symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite subscriptions: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionRow
	for rows.Next() {
		var r SubscriptionRow
		var notif, active, rt int
		var tfJSON string
		err := rows.Scan(&r.User.ID, &r.User.Username, &notif, &active, &rt, &r.Symbol, &tfJSON)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan subscription: %w", err)
		}
		r.User.NotificationsEnabled = notif == 1
		r.User.IsActive = active == 1
		r.User.RealTimeEnabled = rt == 1
		if err := json.Unmarshal([]byte(tfJSON), &r.Timeframes); err != nil {
			// A malformed timeframe list disables the edge, not the refresh.
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PerformanceStats aggregates delivery metrics from the signal history.
type PerformanceStats struct {
	Signals         int64
	AvgProcessingMs float64
	MaxProcessingMs int64
	AvgDeliveryMs   float64
	ByKind          map[string]int64
}

// Stats aggregates signal history rows recorded at or after since (epoch
// seconds).
func (s *Store) Stats(ctx context.Context, since int64) (PerformanceStats, error) {
	stats := PerformanceStats{ByKind: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(processing_time_ms), 0),
		       COALESCE(MAX(processing_time_ms), 0),
		       COALESCE(AVG(delivery_time_ms), 0)
		FROM signal_history
		WHERE sent_at >= ?
	`, since).Scan(&stats.Signals, &stats.AvgProcessingMs, &stats.MaxProcessingMs, &stats.AvgDeliveryMs)
	if err != nil {
		return stats, fmt.Errorf("sqlite stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_type, COUNT(*)
		FROM signal_history
		WHERE sent_at >= ?
		GROUP BY signal_type
	`, since)
	if err != nil {
		return stats, fmt.Errorf("sqlite stats by kind: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, fmt.Errorf("sqlite scan stats: %w", err)
		}
		stats.ByKind[kind] = n
	}
	return stats, rows.Err()
}

// HistoryRecord is one row of a user's recent signal history.
type HistoryRecord struct {
	Symbol       string
	Timeframe    string
	Kind         string
	Value        float64
	Price        decimal.Decimal
	SentAt       int64
	ProcessingMs int64
	DeliveryMs   int64
}

// RecentSignals returns the user's latest history rows, newest first.
func (s *Store) RecentSignals(ctx context.Context, userID int64, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.symbol, h.timeframe, h.signal_type, h.signal_value, h.price,
		       h.sent_at, h.processing_time_ms, h.delivery_time_ms
		FROM signal_history h
		JOIN pairs p ON p.id = h.pair_id
		WHERE h.user_id = ?
		ORDER BY h.sent_at DESC, h.id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent signals: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		var price string
		err := rows.Scan(&r.Symbol, &r.Timeframe, &r.Kind, &r.Value, &price, &r.SentAt, &r.ProcessingMs, &r.DeliveryMs)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan history: %w", err)
		}
		if d, err := decimal.NewFromString(price); err == nil {
			r.Price = d
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastCandleOpenTime returns the newest stored open_time for (symbol,
// timeframe), or 0 when no candles exist. The ops stats endpoint reports
// it as series freshness.
func (s *Store) LastCandleOpenTime(ctx context.Context, symbol, timeframe string) (int64, error) {
	pairID, ok := s.pairID(symbol)
	if !ok {
		return 0, nil
	}

	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(open_time) FROM candles WHERE pair_id = ? AND timeframe = ?`,
		pairID, timeframe,
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("sqlite last open time: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// CandleCount returns how many candles are stored for (symbol, timeframe).
func (s *Store) CandleCount(ctx context.Context, symbol, timeframe string) (int64, error) {
	pairID, ok := s.pairID(symbol)
	if !ok {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE pair_id = ? AND timeframe = ?`,
		pairID, timeframe,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite candle count: %w", err)
	}
	return n, nil
}

func scanUser(rows *sql.Rows) (model.User, error) {
	var u model.User
	var notif, active, rt int
	if err := rows.Scan(&u.ID, &u.Username, &notif, &active, &rt); err != nil {
		return u, fmt.Errorf("sqlite scan user: %w", err)
	}
	u.NotificationsEnabled = notif == 1
	u.IsActive = active == 1
	u.RealTimeEnabled = rt == 1
	return u, nil
}

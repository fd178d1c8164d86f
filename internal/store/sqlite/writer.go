package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"crypto-alert-core/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Admission errors for subscription writes.
var (
	ErrPairLimit     = errors.New("sqlite: user pair limit reached")
	ErrRealTimeLimit = errors.New("sqlite: real-time pair limit reached")
)

// Run reads closed candles from candleCh and inserts them in batched
// transactions: a batch commits at defaultBatchSize rows or after
// defaultFlushDelay, whichever comes first. Blocks until ctx is cancelled or
// candleCh is closed; the final batch is flushed either way.
func (s *Store) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		written, err := s.insertCandles(batch)
		if err != nil {
			log.Printf("[sqlite] candle batch error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d candles in %v", written, time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertCandles writes one batch in a single transaction. Candles for
// unregistered symbols are skipped. Returns the number of rows written.
func (s *Store) insertCandles(candles []model.Candle) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles
			(pair_id, timeframe, open_time, close_time, open, high, low, close, volume, is_closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, c := range candles {
		pairID, ok := s.pairID(c.Symbol)
		if !ok {
			continue
		}
		_, err := stmt.Exec(
			pairID, c.Timeframe, c.OpenTime, c.CloseTime,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
			c.Volume.String(), boolInt(c.Closed),
		)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		written++
	}

	return written, tx.Commit()
}

// RecordSignal appends one delivery record to the signal history.
func (s *Store) RecordSignal(ctx context.Context, userID int64, sig model.Signal, deliveryMs int64) error {
	pairID, ok := s.pairID(sig.Symbol)
	if !ok {
		return fmt.Errorf("sqlite: unknown pair %s", sig.Symbol)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_history
			(user_id, pair_id, timeframe, signal_type, signal_value, price, sent_at, processing_time_ms, delivery_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		userID, pairID, sig.Timeframe, sig.Kind, sig.TriggerValue,
		sig.Price.String(), sig.ProducedAt.Unix(), sig.ProcessingMs, deliveryMs,
	)
	if err != nil {
		return fmt.Errorf("sqlite record signal: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE user_pairs SET last_signal_time = ? WHERE user_id = ? AND pair_id = ?`,
		sig.ProducedAt.Unix(), userID, pairID,
	)
	if err != nil {
		return fmt.Errorf("sqlite touch subscription: %w", err)
	}
	return nil
}

// MarkUserBlocked deactivates a user after a terminal delivery failure,
// which removes them from all future fan-out.
func (s *Store) MarkUserBlocked(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = 0 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("sqlite mark blocked: %w", err)
	}
	log.Printf("[sqlite] user %d marked blocked", userID)
	return nil
}

// UpsertUser creates or refreshes a user row.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, notifications_enabled, is_active, real_time_enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			notifications_enabled = excluded.notifications_enabled,
			is_active = excluded.is_active,
			real_time_enabled = excluded.real_time_enabled
	`, u.ID, u.Username, boolInt(u.NotificationsEnabled), boolInt(u.IsActive), boolInt(u.RealTimeEnabled))
	if err != nil {
		return fmt.Errorf("sqlite upsert user: %w", err)
	}
	return nil
}

// UpsertPair registers a trading pair, returning its id.
func (s *Store) UpsertPair(ctx context.Context, p model.Pair) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairs (symbol, base_asset, quote_asset, is_active, real_time_monitoring)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			base_asset = excluded.base_asset,
			quote_asset = excluded.quote_asset,
			is_active = excluded.is_active,
			real_time_monitoring = excluded.real_time_monitoring
	`, p.Symbol, p.BaseAsset, p.QuoteAsset, boolInt(p.IsActive), boolInt(p.RealTimeMonitoring))
	if err != nil {
		return 0, fmt.Errorf("sqlite upsert pair: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM pairs WHERE symbol = ?`, p.Symbol).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite pair id: %w", err)
	}

	s.mu.Lock()
	s.pairIDs[p.Symbol] = id
	s.mu.Unlock()
	return id, nil
}

// Subscribe attaches a user to a pair with the given timeframes, enforcing
// the admission limits.
func (s *Store) Subscribe(ctx context.Context, userID, pairID int64, timeframes []string, maxPairsPerUser, maxRealTimePairs int) error {
	if maxPairsPerUser > 0 {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM user_pairs WHERE user_id = ? AND pair_id != ?`, userID, pairID,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("sqlite pair count: %w", err)
		}
		if n >= maxPairsPerUser {
			return ErrPairLimit
		}
	}

	if maxRealTimePairs > 0 {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(DISTINCT pair_id) FROM user_pairs
			WHERE real_time_active = 1 AND pair_id != ?
		`, pairID).Scan(&n)
		if err != nil {
			return fmt.Errorf("sqlite real-time count: %w", err)
		}
		if n >= maxRealTimePairs {
			return ErrRealTimeLimit
		}
	}

	tfs, err := json.Marshal(timeframes)
	if err != nil {
		return fmt.Errorf("sqlite timeframes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_pairs (user_id, pair_id, timeframes, real_time_active)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id, pair_id) DO UPDATE SET
			timeframes = excluded.timeframes,
			real_time_active = 1
	`, userID, pairID, string(tfs))
	if err != nil {
		return fmt.Errorf("sqlite subscribe: %w", err)
	}
	return nil
}

// Unsubscribe deactivates a user's subscription to a pair.
func (s *Store) Unsubscribe(ctx context.Context, userID, pairID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_pairs SET real_time_active = 0 WHERE user_id = ? AND pair_id = ?`,
		userID, pairID,
	)
	if err != nil {
		return fmt.Errorf("sqlite unsubscribe: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package sqlite persists users, pairs, subscriptions, signal history and
// closed candles. One Store serves both the batch candle writer and the
// fan-out's subscription queries.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a single SQLite database in WAL mode.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	pairIDs map[string]int64 // symbol → pairs.id
}

// Open opens (creating if needed) the database at path and applies the
// schema. The connection pool is capped at one: WAL plus a 5 s busy timeout
// keep the single writer healthy.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db, pairIDs: make(map[string]int64)}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                    INTEGER PRIMARY KEY,
			username              TEXT    NOT NULL DEFAULT '',
			notifications_enabled INTEGER NOT NULL DEFAULT 1,
			is_active             INTEGER NOT NULL DEFAULT 1,
			real_time_enabled     INTEGER NOT NULL DEFAULT 1,
			created_at            INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE TABLE IF NOT EXISTS pairs (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol               TEXT    NOT NULL UNIQUE,
			base_asset           TEXT    NOT NULL DEFAULT '',
			quote_asset          TEXT    NOT NULL DEFAULT '',
			is_active            INTEGER NOT NULL DEFAULT 1,
			real_time_monitoring INTEGER NOT NULL DEFAULT 1,
			created_at           INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE TABLE IF NOT EXISTS user_pairs (
			user_id          INTEGER NOT NULL,
			pair_id          INTEGER NOT NULL,
			timeframes       TEXT    NOT NULL DEFAULT '[]',
			real_time_active INTEGER NOT NULL DEFAULT 1,
			last_signal_time INTEGER,
			PRIMARY KEY (user_id, pair_id)
		);

		CREATE TABLE IF NOT EXISTS signal_history (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id            INTEGER NOT NULL,
			pair_id            INTEGER NOT NULL,
			timeframe          TEXT    NOT NULL,
			signal_type        TEXT    NOT NULL,
			signal_value       REAL,
			price              TEXT,
			sent_at            INTEGER NOT NULL,
			processing_time_ms INTEGER,
			delivery_time_ms   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_signal_history_user_sent
			ON signal_history (user_id, sent_at);

		CREATE TABLE IF NOT EXISTS candles (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			pair_id    INTEGER NOT NULL,
			timeframe  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       TEXT    NOT NULL,
			high       TEXT    NOT NULL,
			low        TEXT    NOT NULL,
			close      TEXT    NOT NULL,
			volume     TEXT    NOT NULL,
			is_closed  INTEGER NOT NULL DEFAULT 0,
			UNIQUE (pair_id, timeframe, open_time)
		);
		CREATE INDEX IF NOT EXISTS idx_candles_lookup
			ON candles (pair_id, timeframe, open_time);
	`)
	return err
}

// pairID resolves a symbol to its pairs.id, caching hits. ok is false for
// unregistered symbols.
func (s *Store) pairID(symbol string) (int64, bool) {
	s.mu.Lock()
	if id, hit := s.pairIDs[symbol]; hit {
		s.mu.Unlock()
		return id, true
	}
	s.mu.Unlock()

	var id int64
	err := s.db.QueryRow(`SELECT id FROM pairs WHERE symbol = ?`, symbol).Scan(&id)
	if err != nil {
		return 0, false
	}

	s.mu.Lock()
	s.pairIDs[symbol] = id
	s.mu.Unlock()
	return id, true
}

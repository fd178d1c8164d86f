package model

import "time"

// User is the notification-relevant view of an account. Mutated by the
// external bot surface; the fan-out only reads it.
type User struct {
	ID                   int64  `json:"id"`
	Username             string `json:"username"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	IsActive             bool   `json:"is_active"`
	RealTimeEnabled      bool   `json:"real_time_enabled"`
}

// Pair is one tradable symbol the system can monitor.
type Pair struct {
	ID                 int64  `json:"id"`
	Symbol             string `json:"symbol"`
	BaseAsset          string `json:"base_asset"`
	QuoteAsset         string `json:"quote_asset"`
	IsActive           bool   `json:"is_active"`
	RealTimeMonitoring bool   `json:"real_time_monitoring"`
}

// Subscription links a user to a pair with the timeframes they watch.
type Subscription struct {
	UserID         int64     `json:"user_id"`
	PairID         int64     `json:"pair_id"`
	Symbol         string    `json:"symbol"`
	Timeframes     []string  `json:"timeframes"`
	RealTimeActive bool      `json:"real_time_active"`
	LastSignalTime time.Time `json:"last_signal_time"`
}

// Package notification delivers signal messages to users and
// operational alerts to ops channels (Telegram, webhooks).
package notification

import (
	"context"
	"log"
)

// AlertLevel represents the severity of an operational alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is an operational notification (budget breach, reconnect
// exhaustion). User-facing signal messages go through Sender instead.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`

	// Performance alerts carry the breached stage.
	Operation string `json:"operation,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	BudgetMs  int64  `json:"budget_ms,omitempty"`
}

// Notifier is the interface for operational alert backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

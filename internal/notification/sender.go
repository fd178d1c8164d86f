package notification

import (
	"context"
	"errors"
	"log"
	"time"
)

// ErrUserBlocked is the terminal delivery failure: the recipient has
// blocked the bot. Deliveries that hit it are never retried.
var ErrUserBlocked = errors.New("user blocked the bot")

// Sender delivers one formatted message to one user and reports how
// long the send took.
type Sender interface {
	Send(ctx context.Context, userID int64, message string) (time.Duration, error)
}

// LogSender writes deliveries to the process log. Used in development
// and as the fallback when no bot token is configured.
type LogSender struct{}

// NewLogSender creates a log-based sender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(ctx context.Context, userID int64, message string) (time.Duration, error) {
	start := time.Now()
	log.Printf("[notify] -> user %d: %s", userID, message)
	return time.Since(start), nil
}

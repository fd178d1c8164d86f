package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"crypto-alert-core/internal/model"
	"crypto-alert-core/internal/notification"
)

// UserSource yields the candidate recipients for one signal.
type UserSource interface {
	UsersFor(ctx context.Context, symbol, timeframe string) ([]model.User, error)
}

// Gate decides whether one user may receive one signal and records
// permitted sends. *antispam.Manager implements it.
type Gate interface {
	CanSend(ctx context.Context, userID int64, sig *model.Signal) (bool, error)
	Record(ctx context.Context, userID int64, sig *model.Signal) error
}

// Enqueuer accepts deliveries for the notification queue.
type Enqueuer interface {
	Enqueue(d model.Delivery) error
}

// Fanout expands one signal into one delivery per permitted user.
type Fanout struct {
	users UserSource
	gate  Gate
	queue Enqueuer

	// Format renders the user-facing message. Defaults to
	// notification.FormatMessage.
	Format func(model.Signal) string

	// OnSuppressed fires when anti-spam blocks (or fails closed on) a
	// delivery. OnQueueDrop fires when the queue sheds one.
	OnSuppressed func(userID int64, kind string)
	OnQueueDrop  func(d model.Delivery)
}

// NewFanout wires the fan-out against its collaborators.
func NewFanout(users UserSource, gate Gate, queue Enqueuer) *Fanout {
	return &Fanout{
		users:  users,
		gate:   gate,
		queue:  queue,
		Format: notification.FormatMessage,
	}
}

// Dispatch pushes sig to every permitted subscriber and returns the
// number of enqueued deliveries. A user-lookup failure aborts the
// whole dispatch; per-user failures only skip that user.
func (f *Fanout) Dispatch(ctx context.Context, sig model.Signal) (int, error) {
	users, err := f.users.UsersFor(ctx, sig.Symbol, sig.Timeframe)
	if err != nil {
		return 0, fmt.Errorf("fanout %s: user lookup: %w", sig.Key(), err)
	}
	if len(users) == 0 {
		return 0, nil
	}

	message := f.Format(sig)
	priority := notification.PriorityNormal
	if sig.Critical {
		priority = notification.PriorityCritical
	}

	queued := 0
	for _, u := range users {
		if !u.NotificationsEnabled || !u.IsActive {
			continue
		}

		ok, err := f.gate.CanSend(ctx, u.ID, &sig)
		if err != nil {
			// Fail closed: an unreachable rate-limit store must not
			// let a burst through.
			log.Printf("[fanout] anti-spam check for user %d failed, suppressing: %v", u.ID, err)
			f.suppressed(u.ID, sig.Kind)
			continue
		}
		if !ok {
			f.suppressed(u.ID, sig.Kind)
			continue
		}

		d := model.Delivery{
			UserID:     u.ID,
			Signal:     sig,
			Message:    message,
			Priority:   priority,
			EnqueuedAt: time.Now(),
		}
		if err := f.queue.Enqueue(d); err != nil {
			if errors.Is(err, notification.ErrQueueFull) {
				if f.OnQueueDrop != nil {
					f.OnQueueDrop(d)
				}
				continue
			}
			log.Printf("[fanout] enqueue for user %d: %v", u.ID, err)
			continue
		}
		if err := f.gate.Record(ctx, u.ID, &sig); err != nil {
			log.Printf("[fanout] recording send for user %d: %v", u.ID, err)
		}
		queued++
	}
	return queued, nil
}

func (f *Fanout) suppressed(userID int64, kind string) {
	if f.OnSuppressed != nil {
		f.OnSuppressed(userID, kind)
	}
}

package notification

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"crypto-alert-core/internal/model"
)

const (
	// PriorityCritical jumps ahead of every normal delivery.
	PriorityCritical = 0
	PriorityNormal   = 1

	// DefaultHighWater is the queue depth above which non-critical
	// deliveries are shed.
	DefaultHighWater = 1000

	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// ErrQueueFull rejects a non-critical delivery above the high-water
// mark. Critical deliveries are always accepted.
var ErrQueueFull = errors.New("notification queue above high-water mark")

// qitem carries one delivery through the heap. seq breaks ties between
// deliveries enqueued in the same instant.
type qitem struct {
	d   model.Delivery
	seq uint64
}

// deliveryHeap orders by (priority, enqueue time, arrival sequence).
type deliveryHeap []*qitem

func (h deliveryHeap) Len() int { return len(h) }

func (h deliveryHeap) Less(i, j int) bool {
	if h[i].d.Priority != h[j].d.Priority {
		return h[i].d.Priority < h[j].d.Priority
	}
	if !h[i].d.EnqueuedAt.Equal(h[j].d.EnqueuedAt) {
		return h[i].d.EnqueuedAt.Before(h[j].d.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deliveryHeap) Push(x interface{}) { *h = append(*h, x.(*qitem)) }

func (h *deliveryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the outbound priority queue. A single consumer drains it;
// above the high-water mark it sheds non-critical load at Enqueue time
// instead of blocking the pipeline.
type Queue struct {
	mu        sync.Mutex
	items     deliveryHeap
	seq       uint64
	highWater int
	wake      chan struct{}

	sender    Sender
	retryBase time.Duration

	// OnDelivered fires after a successful send with the measured
	// latency. OnBlocked fires when the sender reports the recipient
	// has blocked the bot. OnFailed fires once retries are exhausted.
	OnDelivered func(d model.Delivery, latency time.Duration)
	OnBlocked   func(userID int64)
	OnFailed    func(d model.Delivery, err error)
}

// NewQueue creates a queue draining into sender.
func NewQueue(sender Sender, highWater int) *Queue {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return &Queue{
		highWater: highWater,
		wake:      make(chan struct{}, 1),
		sender:    sender,
		retryBase: retryBackoff,
	}
}

// Enqueue adds one delivery. Non-critical deliveries are rejected with
// ErrQueueFull above the high-water mark.
func (q *Queue) Enqueue(d model.Delivery) error {
	q.mu.Lock()
	if d.Priority != PriorityCritical && len(q.items) >= q.highWater {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if d.EnqueuedAt.IsZero() {
		d.EnqueuedAt = time.Now()
	}
	q.seq++
	heap.Push(&q.items, &qitem{d: d, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of waiting deliveries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() (*qitem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*qitem), true
}

// Run drains the queue until ctx is cancelled. Remaining items can be
// flushed with Drain afterwards.
func (q *Queue) Run(ctx context.Context) {
	for {
		it, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.deliver(ctx, it.d)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Drain delivers whatever remains, until the queue is empty or ctx
// expires. Called during shutdown after Run has returned.
func (q *Queue) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		it, ok := q.pop()
		if !ok {
			return
		}
		q.deliver(ctx, it.d)
	}
}

// deliver attempts one delivery with exponential backoff. A blocked
// user is terminal and never retried.
func (q *Queue) deliver(ctx context.Context, d model.Delivery) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		latency, err := q.sender.Send(ctx, d.UserID, d.Message)
		if err == nil {
			if latency <= 0 {
				latency = time.Since(start)
			}
			if q.OnDelivered != nil {
				q.OnDelivered(d, latency)
			}
			return
		}
		if errors.Is(err, ErrUserBlocked) {
			log.Printf("[queue] user %d blocked the bot, dropping %s", d.UserID, d.Signal.Key())
			if q.OnBlocked != nil {
				q.OnBlocked(d.UserID)
			}
			return
		}
		if attempt == maxAttempts {
			log.Printf("[queue] delivery to user %d failed after %d attempts: %v", d.UserID, attempt, err)
			if q.OnFailed != nil {
				q.OnFailed(d, err)
			}
			return
		}
		select {
		case <-ctx.Done():
			if q.OnFailed != nil {
				q.OnFailed(d, ctx.Err())
			}
			return
		case <-time.After(q.retryBase << (attempt - 1)):
		}
	}
}

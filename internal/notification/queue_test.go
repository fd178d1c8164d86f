package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto-alert-core/internal/model"
)

// ──────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────

// scriptedSender consumes one entry from errs per call; a nil entry
// means the send succeeds. Running past the script also succeeds.
type scriptedSender struct {
	mu      sync.Mutex
	errs    []error
	latency time.Duration
	calls   []int64
}

func (s *scriptedSender) Send(ctx context.Context, userID int64, message string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, userID)
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	return s.latency, err
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testDelivery(userID int64, priority int, enq time.Time) model.Delivery {
	return model.Delivery{
		UserID:     userID,
		Signal:     model.Signal{Symbol: "BTCUSDT", Timeframe: "1m", Kind: "rsi_oversold_entry"},
		Message:    "msg",
		Priority:   priority,
		EnqueuedAt: enq,
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Ordering and admission
// ──────────────────────────────────────────────────────────────────────────

func TestQueue_PopsByPriorityThenTime(t *testing.T) {
	q := NewQueue(&scriptedSender{}, 0)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := q.Enqueue(testDelivery(1, PriorityNormal, base.Add(time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(testDelivery(2, PriorityNormal, base)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(testDelivery(3, PriorityCritical, base.Add(2*time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []int64{3, 2, 1}
	for i, wantUser := range want {
		it, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if it.d.UserID != wantUser {
			t.Fatalf("pop %d: got user %d, want %d", i, it.d.UserID, wantUser)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestQueue_SequenceBreaksTies(t *testing.T) {
	q := NewQueue(&scriptedSender{}, 0)
	enq := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for id := int64(1); id <= 4; id++ {
		if err := q.Enqueue(testDelivery(id, PriorityNormal, enq)); err != nil {
			t.Fatalf("enqueue %d: %v", id, err)
		}
	}
	for id := int64(1); id <= 4; id++ {
		it, _ := q.pop()
		if it.d.UserID != id {
			t.Fatalf("got user %d, want %d", it.d.UserID, id)
		}
	}
}

func TestQueue_HighWaterShedsNonCritical(t *testing.T) {
	q := NewQueue(&scriptedSender{}, 2)
	now := time.Now()

	if err := q.Enqueue(testDelivery(1, PriorityNormal, now)); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := q.Enqueue(testDelivery(2, PriorityNormal, now)); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	err := q.Enqueue(testDelivery(3, PriorityNormal, now))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third normal enqueue: got %v, want ErrQueueFull", err)
	}

	// Critical deliveries are admitted past the high-water mark.
	if err := q.Enqueue(testDelivery(4, PriorityCritical, now)); err != nil {
		t.Fatalf("critical enqueue above high water: %v", err)
	}
	if got := q.Depth(); got != 3 {
		t.Fatalf("depth = %d, want 3", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Delivery, retry, terminal failure
// ──────────────────────────────────────────────────────────────────────────

func TestDeliver_RetryThenSuccess(t *testing.T) {
	transient := errors.New("send timeout")
	sender := &scriptedSender{
		errs:    []error{transient, transient, nil},
		latency: 5 * time.Millisecond,
	}
	q := NewQueue(sender, 0)
	q.retryBase = time.Millisecond

	var delivered []time.Duration
	q.OnDelivered = func(d model.Delivery, latency time.Duration) {
		delivered = append(delivered, latency)
	}

	q.deliver(context.Background(), testDelivery(7, PriorityNormal, time.Now()))

	if sender.callCount() != 3 {
		t.Fatalf("sender calls = %d, want 3", sender.callCount())
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered = %d, want 1", len(delivered))
	}
	if delivered[0] != 5*time.Millisecond {
		t.Fatalf("latency = %v, want 5ms", delivered[0])
	}
}

func TestDeliver_UserBlockedIsTerminal(t *testing.T) {
	sender := &scriptedSender{errs: []error{ErrUserBlocked}}
	q := NewQueue(sender, 0)
	q.retryBase = time.Millisecond

	var blocked []int64
	deliveredCount := 0
	q.OnBlocked = func(userID int64) { blocked = append(blocked, userID) }
	q.OnDelivered = func(model.Delivery, time.Duration) { deliveredCount++ }

	q.deliver(context.Background(), testDelivery(9, PriorityNormal, time.Now()))

	if sender.callCount() != 1 {
		t.Fatalf("sender calls = %d, want 1 (no retry for blocked user)", sender.callCount())
	}
	if len(blocked) != 1 || blocked[0] != 9 {
		t.Fatalf("blocked = %v, want [9]", blocked)
	}
	if deliveredCount != 0 {
		t.Fatalf("deliveredCount = %d, want 0", deliveredCount)
	}
}

func TestDeliver_ExhaustedRetriesFails(t *testing.T) {
	transient := errors.New("send timeout")
	sender := &scriptedSender{errs: []error{transient, transient, transient}}
	q := NewQueue(sender, 0)
	q.retryBase = time.Millisecond

	var failed error
	q.OnFailed = func(d model.Delivery, err error) { failed = err }

	q.deliver(context.Background(), testDelivery(5, PriorityNormal, time.Now()))

	if sender.callCount() != maxAttempts {
		t.Fatalf("sender calls = %d, want %d", sender.callCount(), maxAttempts)
	}
	if !errors.Is(failed, transient) {
		t.Fatalf("OnFailed err = %v, want %v", failed, transient)
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Run loop and drain
// ──────────────────────────────────────────────────────────────────────────

func TestRun_DeliversEnqueued(t *testing.T) {
	sender := &scriptedSender{}
	q := NewQueue(sender, 0)

	got := make(chan int64, 4)
	q.OnDelivered = func(d model.Delivery, _ time.Duration) { got <- d.UserID }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	now := time.Now()
	if err := q.Enqueue(testDelivery(1, PriorityNormal, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(testDelivery(2, PriorityNormal, now.Add(time.Millisecond))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestDrain_FlushesRemainder(t *testing.T) {
	sender := &scriptedSender{}
	q := NewQueue(sender, 0)

	deliveredCount := 0
	q.OnDelivered = func(model.Delivery, time.Duration) { deliveredCount++ }

	now := time.Now()
	for id := int64(1); id <= 3; id++ {
		if err := q.Enqueue(testDelivery(id, PriorityNormal, now)); err != nil {
			t.Fatalf("enqueue %d: %v", id, err)
		}
	}

	q.Drain(context.Background())

	if deliveredCount != 3 {
		t.Fatalf("delivered = %d, want 3", deliveredCount)
	}
	if got := q.Depth(); got != 0 {
		t.Fatalf("depth after drain = %d, want 0", got)
	}
}

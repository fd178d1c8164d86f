package ringbuf

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

func frame(s string) []byte { return []byte(s) }

func TestRing_BasicPushPop(t *testing.T) {
	r := New(4) // rounds to 4

	if !r.Push(frame("alpha")) {
		t.Fatal("push alpha should succeed")
	}
	if !r.Push(frame("beta")) {
		t.Fatal("push beta should succeed")
	}

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || string(got) != "alpha" {
		t.Fatalf("expected alpha, got %q ok=%v", got, ok)
	}

	got, ok = r.Pop()
	if !ok || string(got) != "beta" {
		t.Fatalf("expected beta, got %q ok=%v", got, ok)
	}

	if got, ok := r.Pop(); ok {
		t.Fatalf("pop from empty should return false, got %q", got)
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New(2) // capacity = 2

	r.Push(frame("1"))
	r.Push(frame("2"))

	// Buffer is full
	if r.Push(frame("3")) {
		t.Fatal("push to full buffer should return false")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}

	// Full ring still drains in order.
	if got, ok := r.Pop(); !ok || string(got) != "1" {
		t.Fatalf("expected 1, got %q ok=%v", got, ok)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New(4)

	// Fill and drain multiple times to exercise index wraparound.
	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, uint64(round*10+i))
			if !r.Push(b) {
				t.Fatalf("round %d push %d failed", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			b, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d pop %d failed", round, i)
			}
			if got := binary.LittleEndian.Uint64(b); got != uint64(round*10+i) {
				t.Fatalf("round %d pop %d: expected %d, got %d", round, i, round*10+i, got)
			}
		}
	}
}

func TestRing_PopReleasesSlot(t *testing.T) {
	r := New(2)
	r.Push(frame("x"))
	r.Pop()
	if r.buf[0] != nil {
		t.Fatal("popped slot should be nil so the frame can be collected")
	}
}

func TestRing_SPSC_Concurrent(t *testing.T) {
	const count = 100_000
	r := New(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	// Producer
	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, uint64(i))
			for !r.Push(b) {
				// spin-wait (busy loop for test only)
			}
		}
	}()

	// Consumer
	received := make([]uint64, 0, count)
	go func() {
		defer wg.Done()
		for len(received) < count {
			b, ok := r.Pop()
			if ok {
				received = append(received, binary.LittleEndian.Uint64(b))
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SPSC test timed out")
	}

	// Verify ordering
	for i, v := range received {
		if v != uint64(i) {
			t.Fatalf("at index %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		got := nextPow2(tc.in)
		if got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

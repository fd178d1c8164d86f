// Package ringbuf provides a lock-free single-producer single-consumer
// ring buffer for raw WebSocket frames. The exchange read loop is the
// producer and the frame processor is the consumer; the ring keeps a
// burst of frames from ever blocking the socket.
package ringbuf

import "sync/atomic"

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// Ring buffers frames between exactly one producer and one consumer.
// Size is a power of two for fast bitwise modulo.
type Ring struct {
	buf  [][]byte
	mask uint64

	// Head and tail live on separate cache lines so the producer and
	// consumer never invalidate each other's line.
	_pad0 [cacheLine]byte
	head  atomic.Uint64 // written by producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // written by consumer
	_pad2 [cacheLine]byte

	overflow atomic.Uint64
}

// New creates a ring buffer. capacity is rounded up to the next power of
// two, minimum 2.
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([][]byte, n),
		mask: uint64(n - 1),
	}
}

// Push appends a frame. Returns false when the ring is full; the frame is
// dropped and counted, and the producer moves on. Non-blocking.
func (r *Ring) Push(frame []byte) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		return false
	}

	r.buf[head&r.mask] = frame
	r.head.Store(head + 1)
	return true
}

// Pop retrieves the oldest buffered frame, or false when the ring is
// empty. The slot is released for reuse. Non-blocking.
func (r *Ring) Pop() ([]byte, bool) {
	tail := r.tail.Load()
	head := r.head.Load()

	if tail >= head {
		return nil, false
	}

	frame := r.buf[tail&r.mask]
	r.buf[tail&r.mask] = nil
	r.tail.Store(tail + 1)
	return frame, true
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow returns the total frames dropped on a full ring.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

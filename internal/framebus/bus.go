// Package framebus provides a bounded, thread-safe queue of timestamped
// raw video frames shared between one capture producer and its consumers.
package framebus

import (
	"sync"
	"time"
)

// OverflowPolicy controls what Put does when the queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the single oldest packet once at capacity.
	DropOldest OverflowPolicy = iota
	// LastOnly evicts all queued packets before inserting, keeping only
	// the freshest frame. Used by consumers that only care about "now".
	LastOnly
)

// Packet is one captured frame. Immutable once created.
type Packet struct {
	Timestamp time.Time
	Payload   []byte
	Stale     bool
}

// Queue is a bounded FIFO of frame packets. All operations are serialized
// by one mutex; Get waits on a condition variable.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	packets []Packet
	maxLen  int
	policy  OverflowPolicy
	dropped uint64
	stale   bool
}

// NewQueue creates a queue holding at most maxLen packets.
func NewQueue(maxLen int, policy OverflowPolicy) *Queue {
	if maxLen < 1 {
		maxLen = 1
	}
	q := &Queue{
		packets: make([]Packet, 0, maxLen),
		maxLen:  maxLen,
		policy:  policy,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put inserts a packet, applying the overflow policy at capacity.
func (q *Queue) Put(p Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.policy {
	case LastOnly:
		q.dropped += uint64(len(q.packets))
		q.packets = q.packets[:0]
	default:
		if len(q.packets) >= q.maxLen {
			q.packets = q.packets[1:]
			q.dropped++
		}
	}
	q.packets = append(q.packets, p)
	q.cond.Broadcast()
}

// Get removes and returns the oldest packet, waiting up to timeout when the
// queue is empty. Returns ok=false on timeout.
func (q *Queue) Get(timeout time.Duration) (Packet, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.packets) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Packet{}, false
		}
		q.waitWithTimeout(remaining)
	}

	p := q.packets[0]
	q.packets = q.packets[1:]
	return p, true
}

// waitWithTimeout waits on the condition variable for at most d. The caller
// must hold q.mu. A timer wakes all waiters so the deadline is re-checked.
func (q *Queue) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	q.cond.Wait()
}

// PeekLatest returns the newest packet without removing it.
func (q *Queue) PeekLatest() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return Packet{}, false
	}
	return q.packets[len(q.packets)-1], true
}

// Clear drops all queued packets. markStale records that any frame a
// consumer is still holding predates the clear.
func (q *Queue) Clear(markStale bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.packets = q.packets[:0]
	q.stale = markStale
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Cap returns the configured maximum length.
func (q *Queue) Cap() int {
	return q.maxLen
}

// Dropped returns the monotonically increasing count of evicted packets.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Stale reports whether the queue was cleared with stale marking since the
// last Put cleared it implicitly.
func (q *Queue) Stale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stale
}

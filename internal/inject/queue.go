// Package inject provides the bounded side-channel queue feeding auxiliary
// persona/memory text toward the model between frames.
package inject

import (
	"sync"
	"time"
)

// Message is one queued context payload.
type Message struct {
	Text     string
	Enqueued time.Time
}

// Queue is a bounded FIFO of context messages. Push never blocks and never
// fails: at capacity the oldest entry is evicted. The engine drains entries
// opportunistically between frames.
type Queue struct {
	capacity int

	mu      sync.Mutex
	entries []Message
	evicted uint64
	clock   func() time.Time
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 32
	}
	return &Queue{capacity: capacity, clock: time.Now}
}

// Push appends text to the queue, evicting the oldest entry on overflow.
func (q *Queue) Push(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.evicted++
	}
	q.entries = append(q.entries, Message{Text: text, Enqueued: q.clock()})
}

// Drain removes and returns up to max entries in FIFO order. A non-positive
// max drains everything.
func (q *Queue) Drain(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]Message, n)
	copy(out, q.entries[:n])
	q.entries = q.entries[n:]
	return out
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Evicted returns how many entries were dropped by overflow.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

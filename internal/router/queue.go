package router

import (
	"sync"
	"time"

	"geogram/internal/transport"
)

const defaultQueueCapacity = 1000

// Queue is the bounded store-and-forward buffer. FIFO, oldest first;
// pushing past capacity evicts the oldest entry, never the newest.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []*transport.Message
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{capacity: capacity}
}

// Push appends a message, returning the evicted oldest entry when the
// queue was full.
func (q *Queue) Push(msg *transport.Message) *transport.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *transport.Message
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)

	return dropped
}

// DropExpired removes and returns every entry whose TTL elapsed at now.
func (q *Queue) DropExpired(now time.Time) []*transport.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*transport.Message
	kept := q.items[:0]
	for _, msg := range q.items {
		if msg.Expired(now) {
			expired = append(expired, msg)
			continue
		}
		kept = append(kept, msg)
	}
	q.items = kept

	return expired
}

// Drain removes and returns all entries in FIFO order.
func (q *Queue) Drain() []*transport.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

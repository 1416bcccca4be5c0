package hub

import (
	"sync"

	"github.com/tickbridge/tickbridge/internal/protocol"
)

// sendQueue is the bounded outbound queue of one subscriber.
//
// A plain channel cannot express the drop-oldest-delta-keep-snapshots
// policy (it would discard whatever happens to be at the head), so the
// queue is a small mutex-guarded deque with a wakeup channel for the
// writer pump.
type sendQueue struct {
	mu       sync.Mutex
	items    []*protocol.Message
	capacity int
	notify   chan struct{}
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Notify returns the writer wakeup channel.
func (q *sendQueue) Notify() <-chan struct{} { return q.notify }

// TryPush appends a message, failing when the queue is full. Never
// blocks: the producer side applies the backpressure policy on failure.
func (q *sendQueue) TryPush(msg *protocol.Message) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.wake()
	return true
}

// Pop removes the oldest queued message.
func (q *sendQueue) Pop() (*protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Len returns the number of queued messages.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DropOldestDelta removes and returns the oldest queued delta, leaving
// every snapshot in place. Returns nil when no delta is queued; a
// snapshot is never discarded ahead of a delta.
func (q *sendQueue) DropOldestDelta() *protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.items {
		if msg.Type == protocol.TypeDelta {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return msg
		}
	}
	return nil
}

// ReplaceSnapshot swaps an already-queued snapshot for the same symbol
// with a fresher one, coalescing repeated overflow re-syncs. Returns
// false when no snapshot for the symbol is queued.
func (q *sendQueue) ReplaceSnapshot(snap *protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.items {
		if msg.Type == protocol.TypeSnapshot && msg.Symbol == snap.Symbol {
			q.items[i] = snap
			return true
		}
	}
	return false
}

func (q *sendQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

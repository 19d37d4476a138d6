/*Package queue provides the message queues that connect a device driver to
its surrounding runtime: an inbound command queue, an inbound response
queue, and an outbound broker sink, per the protocol.

The inbound queues are multi-producer/single-consumer: many application or
backend goroutines may enqueue, only the driver's event loop goroutine
dequeues. The broker sink is single-producer/multi-consumer: only the
driver publishes, but the broker may fan the message out to many
subscribers. Both shapes are satisfied by a buffered Go channel; the
bookkeeping here (the closed flag, the semaphore-guarded Close) is adapted
from comm/comm2.go's Pool, which uses a channel as both a value queue and a
concurrency-safe semaphore.
*/
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close has been called
var ErrClosed = errors.New("queue: push on closed queue")

// Message is the unit carried on a queue. Topic is empty for backend
// status/response messages that are classified by Kind instead of topic.
type Message struct {
	// Topic is the pubsub-style topic string, stripped of device prefix
	// for inbound command messages, device-prefixed for broker emissions
	Topic string

	// Kind classifies backend response messages (stream-in-data,
	// bulk-out-data, backend-open-ack, backend-open-nack, backend-bulk-ack,
	// backend-bulk-nack, backend-close-ack, backend-device-lost)
	Kind string

	// Value carries a typed value for command messages (bool/int/float/string)
	Value interface{}

	// Payload carries raw bytes for frame/stream traffic
	Payload []byte
}

// Queue is a bounded, closeable FIFO of Messages safe for concurrent Push
// from many goroutines and concurrent Pop from many goroutines (the
// MPSC/SPMC distinction in the protocol is a usage discipline, not an API
// difference: only the driver loop calls Pop on an inbound queue, and only
// the driver calls Push on the broker sink).
type Queue struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// New creates a Queue with the given buffer capacity
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Message, capacity)}
}

// Push enqueues a message, blocking if the queue is full. It returns
// ErrClosed if Close has already been called.
func (q *Queue) Push(m Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()
	q.ch <- m
	return nil
}

// TryPush enqueues a message without blocking, returning false if the
// buffer is full or the queue is closed.
func (q *Queue) TryPush(m Message) bool {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return false
	}
	select {
	case q.ch <- m:
		return true
	default:
		return false
	}
}

// C exposes the underlying channel for use in a select statement, the
// shape the driver's event loop needs to block on "either queue non-empty".
func (q *Queue) C() <-chan Message {
	return q.ch
}

// Len reports the number of buffered, undrained messages
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close marks the queue closed; further Push calls fail. Already-buffered
// messages remain poppable via C().
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

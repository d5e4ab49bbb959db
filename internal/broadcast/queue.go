package broadcast

import (
	"errors"
	"sync"
)

// DefaultQueueSize is the number of messages a [Queue] holds before it
// overflows.
const DefaultQueueSize = 64

var (
	// ErrSubscriberFull is returned by [Queue.Send] when the consumer has
	// fallen too far behind. The queue is closed as a result.
	ErrSubscriberFull = errors.New("subscriber queue full")

	// ErrSubscriberClosed is returned by [Queue.Send] after [Queue.Close].
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Queue is a bounded [Subscriber] that decouples the broadcaster from a
// connection's writer goroutine.
//
// Send never blocks. When the buffer is full the queue closes itself and
// reports [ErrSubscriberFull], so the broadcaster drops it and the consumer,
// watching [Queue.Done], tears down its connection.
type Queue struct {
	id string
	ch chan Message

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	overflowed bool
}

// NewQueue creates a queue holding up to size messages. A size below 1
// means [DefaultQueueSize].
func NewQueue(id string, size int) *Queue {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Queue{
		id:   id,
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

// ID returns the queue's subscriber id.
func (q *Queue) ID() string {
	return q.id
}

// Send enqueues msg without blocking.
func (q *Queue) Send(msg Message) error {
	select {
	case <-q.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case q.ch <- msg:
		return nil
	default:
		q.mu.Lock()
		q.overflowed = true
		q.mu.Unlock()
		q.Close()
		return ErrSubscriberFull
	}
}

// Messages returns the channel the consumer reads from. It is never closed;
// select on [Queue.Done] as well.
func (q *Queue) Messages() <-chan Message {
	return q.ch
}

// Done is closed once the queue has been closed or has overflowed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close stops further sends. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Overflowed reports whether the queue was closed because it filled up.
func (q *Queue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowed
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

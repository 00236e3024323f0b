package task

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Queue.Get when no message arrived before the timeout.
var ErrEmpty = errors.New("task: queue empty")

// Queue is a bounded FIFO of messages, safe for concurrent producers and consumers.
type Queue struct {
	ch chan Message
}

// NewQueue returns a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Message, capacity)}
}

// Put enqueues m, blocking while the queue is full.
func (q *Queue) Put(ctx context.Context, m Message) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut enqueues m if there is room and reports whether it did.
func (q *Queue) TryPut(m Message) bool {
	select {
	case q.ch <- m:
		return true
	default:
		return false
	}
}

// Get dequeues the next message, waiting at most timeout. It returns
// ErrEmpty when the timeout expires and ctx.Err() when ctx is done.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (Message, error) {
	select {
	case m := <-q.ch:
		return m, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-q.ch:
		return m, nil
	case <-timer.C:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the receive side for select-based consumers.
func (q *Queue) C() <-chan Message {
	return q.ch
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

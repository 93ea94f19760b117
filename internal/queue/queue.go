package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Push after the producer closed the queue.
	ErrClosed = errors.New("queue closed")
	// ErrAborted is returned by Push once the consumer abandoned the queue.
	ErrAborted = errors.New("queue aborted")
)

// Queue is a bounded FIFO handing items from one producer to one consumer.
// The producer signals the end of input with Close; the consumer drains the
// remaining items and then sees Pop report false. Abort releases a producer
// blocked on a full queue when the consumer gives up.
type Queue[T any] struct {
	items     chan T
	aborted   chan struct{}
	mu        sync.Mutex
	closed    bool
	abortOnce sync.Once
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:   make(chan T, capacity),
		aborted: make(chan struct{}),
	}
}

// Push enqueues item, blocking while the queue is full.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-q.aborted:
		return ErrAborted
	default:
	}

	select {
	case q.items <- item:
		return nil
	case <-q.aborted:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest item, blocking until one is available. It reports
// false once the queue is closed and drained, aborted, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	select {
	case <-q.aborted:
		return zero, false
	default:
	}
	select {
	case item, ok := <-q.items:
		return item, ok
	case <-q.aborted:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Close marks the end of input. Items already queued remain poppable.
// Close must be called by the producer only, after its last Push.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// Abort discards the queue from the consumer side and unblocks pending Push calls.
func (q *Queue[T]) Abort() {
	q.abortOnce.Do(func() { close(q.aborted) })
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Empty reports whether the queue currently holds no items. It never blocks.
func (q *Queue[T]) Empty() bool {
	return len(q.items) == 0
}

// Package reqqueue implements the bounded FIFO of waiters blocked on
// credential availability (spec §4.7), grounded on the waiter-channel
// pattern in internal/resilience/semaphore.go's Acquire/Release.
package reqqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned by Enqueue when the queue is already at maxSize.
var ErrQueueFull = errors.New("queue_full")

// ErrQueueTimeout is returned by Wait when the entry's timeout or the
// caller's context fires before a credential became available.
var ErrQueueTimeout = errors.New("queue_timeout")

// Entry is a single waiter's handle.
type Entry struct {
	id     string
	signal chan struct{}
}

// Queue is a bounded FIFO of request ids waiting for a credential.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	waiters []*Entry
}

// New creates a queue bounded at maxSize entries.
func New(maxSize int) *Queue {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue{maxSize: maxSize}
}

// Enqueue admits a new waiter identified by requestID, returning a handle
// to Wait on. Returns ErrQueueFull if the queue is already saturated.
func (q *Queue) Enqueue(requestID string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) >= q.maxSize {
		return nil, ErrQueueFull
	}

	e := &Entry{id: requestID, signal: make(chan struct{}, 1)}
	q.waiters = append(q.waiters, e)
	return e, nil
}

// Wait blocks until either the entry is woken by WakeNext, the supplied
// context is cancelled, or no event occurs before ctx.Done(). The caller
// must pass a context already carrying its own queue-wait deadline.
func (q *Queue) Wait(ctx context.Context, e *Entry) error {
	select {
	case <-e.signal:
		return nil
	case <-ctx.Done():
		q.remove(e)
		return ErrQueueTimeout
	}
}

// WakeNext wakes the head of the queue, if any, and removes it. Called
// whenever a credential is released back to the pool.
func (q *Queue) WakeNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) == 0 {
		return false
	}
	head := q.waiters[0]
	q.waiters = q.waiters[1:]

	select {
	case head.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) remove(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == e {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

// Len reports the current number of waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// HasCapacity reports whether Enqueue would currently succeed.
func (q *Queue) HasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters) < q.maxSize
}

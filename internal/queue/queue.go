// Package queue provides the bounded FIFO that connects the accept
// dispatchers to their worker pools.
package queue

import (
	"errors"
	"net"
	"sync"
	"time"
)

var (
	// ErrFull is returned by Push when the queue is at capacity.
	ErrFull = errors.New("queue is full")

	// ErrClosed is returned once the queue has been closed and drained.
	ErrClosed = errors.New("queue is closed")

	// ErrTimeout is returned by PopTimeout when no item arrived in time.
	ErrTimeout = errors.New("queue pop timed out")
)

// Item is one accepted connection waiting to be served. The client
// address is captured at accept time so workers do not have to touch
// the socket to log it.
type Item struct {
	Conn       net.Conn
	RemoteAddr net.Addr
}

// Queue is a bounded multi-producer/multi-consumer FIFO. Push never
// blocks: a full queue reports ErrFull and the caller decides what to
// do with the connection. Consumers block in Pop or PopTimeout until an
// item arrives or the queue is closed.
type Queue struct {
	mu        sync.RWMutex
	ch        chan Item
	closed    bool
	closeOnce sync.Once
}

// New creates a queue holding at most capacity items.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Item, capacity)}
}

// Push appends an item to the queue, waking one waiting consumer.
func (q *Queue) Push(it Item) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- it:
		return nil
	default:
		return ErrFull
	}
}

// Pop blocks until an item is available. It returns ErrClosed once the
// queue has been closed and fully drained.
func (q *Queue) Pop() (Item, error) {
	it, ok := <-q.ch
	if !ok {
		return Item{}, ErrClosed
	}
	return it, nil
}

// PopTimeout behaves like Pop but gives up after d and returns
// ErrTimeout. Elastic workers use the timeout to decide whether they
// have been idle long enough to retire.
func (q *Queue) PopTimeout(d time.Duration) (Item, error) {
	select {
	case it, ok := <-q.ch:
		if !ok {
			return Item{}, ErrClosed
		}
		return it, nil
	case <-time.After(d):
		return Item{}, ErrTimeout
	}
}

// Empty reports whether the queue currently holds no items. It never
// blocks; the dispatcher polls it after each accept to decide whether
// to extend the worker pool.
func (q *Queue) Empty() bool {
	return len(q.ch) == 0
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close marks the queue closed and wakes every blocked consumer.
// Items already queued are still handed out; consumers see ErrClosed
// only after the queue drains.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}

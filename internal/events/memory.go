package events

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when a MemoryQueue has no room; events are dropped rather than blocking.
var ErrQueueFull = errors.New("event queue full")

// MemoryQueue is an in-process buffered queue.
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Event, size)}
}

func (q *MemoryQueue) Publish(_ context.Context, evt Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	select {
	case q.ch <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Subscribe() <-chan Event {
	return q.ch
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

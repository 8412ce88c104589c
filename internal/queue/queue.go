// Package queue carries job references from producers to the dispatcher.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/hyperjump/nuggetize/internal/models"
)

// ErrClosed is returned when enqueueing into a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of job references.
type Queue interface {
	// Enqueue blocks until the reference is accepted, ctx is done or the queue is closed.
	Enqueue(ctx context.Context, ref models.JobRef) error
	// Jobs returns the receive side. It is closed after Close once drained.
	Jobs() <-chan models.JobRef
	Close()
}

// MemoryQueue is an in-process Queue backed by a buffered channel.
type MemoryQueue struct {
	ch     chan models.JobRef
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewMemoryQueue creates a queue holding up to size pending references.
func NewMemoryQueue(size int) *MemoryQueue {
	if size < 0 {
		size = 0
	}
	return &MemoryQueue{
		ch:   make(chan models.JobRef, size),
		done: make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, ref models.JobRef) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- ref:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs implements Queue.
func (q *MemoryQueue) Jobs() <-chan models.JobRef {
	return q.ch
}

// Len returns the number of buffered references.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops accepting references. Buffered references stay readable.
func (q *MemoryQueue) Close() {
	q.once.Do(func() {
		// Wake blocked senders before taking the write lock.
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}

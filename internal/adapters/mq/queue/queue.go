// Package queue holds cache repair jobs until a worker replays them.
package queue

import (
	"context"
	"sync"

	"github.com/okian/slotrank/pkg/metrics"
)

const defaultCapacity = 10000

// Job asks for one ranking cache write to be replayed.
type Job struct {
	SubmissionID int64
	Score        float64
	Attempts     int
}

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue returns ErrClosed after Close and false when the queue is full.
	Enqueue(ctx context.Context, j Job) (bool, error)
	// Dequeue returns a channel that is closed once the queue is closed and drained.
	// Every caller gets the same channel, so a job leaves the queue only when a
	// consumer is ready to take it.
	Dequeue(ctx context.Context) <-chan Job
	Len(ctx context.Context) int
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue with a buffered channel.
type InMemoryQueue struct {
	jobs     chan Job
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a bounded in-memory queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)
	metrics.UpdateRepairQueue(0, q.capacity)
	return q
}

// Enqueue implements Queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false, ErrClosed
	}
	select {
	case q.jobs <- j:
		metrics.RecordRepairEnqueued()
		metrics.UpdateRepairQueue(len(q.jobs), q.capacity)
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		metrics.RecordRepairDropped()
		return false, nil
	}
}

// Dequeue implements Queue. Consumers stop reading on their own context.
func (q *InMemoryQueue) Dequeue(_ context.Context) <-chan Job {
	return q.jobs
}

// Len implements Queue.
func (q *InMemoryQueue) Len(ctx context.Context) int {
	n := len(q.jobs)
	metrics.UpdateRepairQueue(n, q.capacity)
	return n
}

// Capacity returns the configured bound.
func (q *InMemoryQueue) Capacity() int { return q.capacity }

// Close stops accepting jobs. Jobs already queued are still delivered.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

// IsClosed implements Queue.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

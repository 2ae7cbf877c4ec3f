package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue backed by a buffered channel.
type MemoryQueue struct {
	jobs chan Job

	mu      sync.Mutex
	pending map[string]struct{} // case ids with a waiting job
	closed  bool
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		jobs:    make(chan Job, capacity),
		pending: make(map[string]struct{}),
	}
}

// Enqueue does not block; a full buffer is reported as an error.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, dup := q.pending[job.CaseID]; dup {
		return ErrDuplicate
	}
	select {
	case q.jobs <- job:
		q.pending[job.CaseID] = struct{}{}
		return nil
	default:
		return errQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, ErrClosed
		}
		q.mu.Lock()
		delete(q.pending, job.CaseID)
		q.mu.Unlock()
		return &job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

// Close stops accepting jobs. Jobs already buffered can still be dequeued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

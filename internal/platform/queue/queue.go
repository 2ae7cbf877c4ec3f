// Package queue carries analysis jobs from the HTTP handlers to the worker
// pool. A Redis list backs it when REDIS_URL is configured so that the API
// and a standalone worker process share one queue; otherwise jobs live in a
// buffered channel inside the process.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// KindAnalyzeCase runs the pre-analysis pipeline for a case.
const KindAnalyzeCase = "analyze_case"

// ErrDuplicate is returned by Enqueue when a job for the same case is
// already waiting. The waiting job will see the newer documents.
var ErrDuplicate = errors.New("job already queued for this case")

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

var errQueueFull = errors.New("queue is full")

type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	CaseID      string    `json:"caseId"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// NewAnalyzeJob builds an analysis job for caseID.
func NewAnalyzeJob(caseID, requestedBy string) Job {
	return Job{
		ID:          uuid.New().String(),
		Kind:        KindAnalyzeCase,
		CaseID:      caseID,
		RequestedBy: requestedBy,
		EnqueuedAt:  time.Now().UTC(),
	}
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks up to wait for a job. It returns (nil, nil) when the
	// wait elapses with nothing queued.
	Dequeue(ctx context.Context, wait time.Duration) (*Job, error)
	Len(ctx context.Context) (int64, error)
}

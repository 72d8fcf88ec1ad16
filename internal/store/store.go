package store

import (
	"context"
	"errors"
	"time"

	"croanalyzer/internal/model"
)

// DefaultResultTTL is how long task records stay pollable.
const DefaultResultTTL = 72 * time.Hour

// DefaultClaimTimeout is how long a dequeued id may go unacked before it
// is handed out again.
const DefaultClaimTimeout = 10 * time.Minute

// ErrNotFound is returned for unknown or expired task ids.
var ErrNotFound = errors.New("task not found")

// TaskStore persists task records. Update is the only way to change a
// stored task and is atomic with respect to concurrent updates.
type TaskStore interface {
	Create(ctx context.Context, t *model.AnalysisTask) error
	Get(ctx context.Context, id string) (*model.AnalysisTask, error)
	// Update loads the task, applies fn and stores the result. An error
	// from fn aborts the update and is returned unchanged.
	Update(ctx context.Context, id string, fn func(*model.AnalysisTask) error) (*model.AnalysisTask, error)
	Delete(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
}

// Queue hands task ids to workers. Delayed entries become ready once
// PromoteDue sees their due time pass. A dequeued id stays claimed until
// Ack; PromoteDue makes ids whose claim timed out ready again, so a worker
// that dies mid-task does not lose it.
type Queue interface {
	Enqueue(ctx context.Context, id string) error
	EnqueueAt(ctx context.Context, id string, at time.Time) error
	// Dequeue waits up to wait for a ready id and returns "" on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
	// Ack releases the claim taken by Dequeue.
	Ack(ctx context.Context, id string) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Depth(ctx context.Context) (ready, delayed int64, err error)
}

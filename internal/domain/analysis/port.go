package analysis

import (
	"context"
	"time"

	"github.com/bryanwahyu/custodia/internal/domain/custody"
)

// Queue is the durable task store shared by the dispatcher and the workers.
type Queue interface {
	Enqueue(ctx context.Context, t *Task) error
	// Claim leases the oldest runnable task to worker, or returns nil when
	// nothing is due.
	Claim(ctx context.Context, worker string, now time.Time, lease time.Duration) (*Task, error)
	// Heartbeat records progress, extends the lease and reports whether
	// cancellation was requested.
	Heartbeat(ctx context.Context, l Lease, progress int, now time.Time, lease time.Duration) (bool, error)
	// Succeed stores res, appends ev and completes the task atomically.
	Succeed(ctx context.Context, l Lease, res *Result, ev *custody.Event, now time.Time) error
	// Fail requeues the attempt, or fails the task for good when f.Final.
	Fail(ctx context.Context, l Lease, f Failure, now time.Time) error
	MarkCancelled(ctx context.Context, l Lease, now time.Time) error
	Cancel(ctx context.Context, id TaskID, now time.Time) (*Task, error)
	Expired(ctx context.Context, now time.Time) ([]*Task, error)
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	ListByEvidence(ctx context.Context, evidenceID string) ([]*Task, error)
	Attempts(ctx context.Context, id TaskID) ([]*Attempt, error)
	QueueStats(ctx context.Context, now time.Time) (QueueStats, error)
}

type ResultStore interface {
	GetResult(ctx context.Context, id string) (*Result, error)
	ListResults(ctx context.Context, evidenceID string, plugin string) ([]*Result, error)
}

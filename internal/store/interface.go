// Package store is the Task Store: the durable, CAS-disciplined record of
// every task, its execution history, its dependency edges, and its
// dead-letter entries (spec §4.1). It is the only component that persists
// task state; the Broker (internal/broker) holds transient dispatch queues.
package store

import (
	"context"
	"time"

	"github.com/taskqueue/core/internal/task"
)

// Edge is one predecessor->successor dependency (spec §4.7).
type Edge struct {
	PredecessorID string
	SuccessorID   string
	Mode          task.WaitMode
}

// TaskStore is the durability and query contract every coordinator
// component talks to. All mutating methods are safe for concurrent use;
// state transitions are enforced via compare-and-swap, never locks.
type TaskStore interface {
	Insert(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	// UpdateStatus performs a single CAS update: the row is only mutated if
	// its current status equals expectedCurrent. Returns ErrConflict
	// (wrapping) on a lost race. The full *task.Task is written back,
	// letting callers stamp ancillary fields (WorkerID, Result, ...) in the
	// same statement as the status transition.
	UpdateStatus(ctx context.Context, t *task.Task, expectedCurrent task.Status) error
	AppendExecution(ctx context.Context, e *task.Execution) error
	ListExecutions(ctx context.Context, taskID string) ([]*task.Execution, error)
	List(ctx context.Context, f ListFilter) ([]*task.Task, error)
	SelectDueScheduled(ctx context.Context, now time.Time, limit int) ([]*task.Task, error)
	SelectDeadWorkerTasks(ctx context.Context, workerID string) ([]*task.Task, error)

	InsertEdge(ctx context.Context, e Edge) error
	ReverseDependents(ctx context.Context, predecessorID string) ([]Edge, error)

	InsertDLQEntry(ctx context.Context, d *task.DLQEntry) error
	ListDLQ(ctx context.Context, limit int) ([]*task.DLQEntry, error)
	GetDLQEntry(ctx context.Context, taskID string) (*task.DLQEntry, error)
	RemoveDLQEntry(ctx context.Context, taskID string) error
	PurgeDLQ(ctx context.Context, olderThan time.Time) (int64, error)

	IncrementOrphanReassignments(ctx context.Context, taskID string) (int, error)

	Close()
}

// ListFilter narrows List's result set. It is not a wildcard when zero:
// HasAny is false, so the zero Status (PENDING) is applied as a filter.
type ListFilter struct {
	Status   task.Status
	HasAny   bool // when true, Status is ignored and all statuses match
	WorkerID string
	Limit    int
	Offset   int
}

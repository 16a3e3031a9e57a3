package retry

import (
	"context"
	"time"

	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
)

// Engine runs the three-step failure algorithm (spec §4.6): decide whether
// a failed/timed-out attempt can retry, and either release the task back
// to SCHEDULED or move it to the DLQ.
type Engine struct {
	store store.TaskStore
}

func New(s store.TaskStore) *Engine {
	return &Engine{store: s}
}

// OnFailure handles a worker-reported failure.
func (e *Engine) OnFailure(ctx context.Context, t *task.Task, errKind, errMsg string) error {
	sm := task.NewStateMachine(t)
	if err := sm.Fail(errKind, errMsg); err != nil {
		return err
	}
	return e.decide(ctx, t, task.ReasonMaxRetriesExceeded)
}

// OnTimeout handles a timeout that the worker itself reported (called from
// Coordinator.Report). Neither the Liveness Monitor nor the Dispatcher
// enforces timeout_seconds, and a late report for a timed-out attempt is
// not discarded. Spec §7 treats timeout as equivalent to a handler failure with
// error_kind = "timeout", so this delegates to the same decision function.
func (e *Engine) OnTimeout(ctx context.Context, t *task.Task) error {
	sm := task.NewStateMachine(t)
	if err := sm.TimeoutOut(); err != nil {
		return err
	}
	return e.decide(ctx, t, task.ReasonMaxRetriesExceeded)
}

// decide is the shared retry-vs-DLQ branch point for both failure paths.
func (e *Engine) decide(ctx context.Context, t *task.Task, dlqReason string) error {
	expected := t.Status // FAILED or TIMEOUT, already transitioned
	sm := task.NewStateMachine(t)

	if t.CanRetry() {
		policy := Policy{
			BaseDelay: t.RetryBaseDelay,
			MaxDelay:  DefaultPolicy.MaxDelay,
		}
		readyAt := time.Now().UTC().Add(policy.NextDelay(t.RetryCount))
		if err := sm.ReleaseForRetry(readyAt); err != nil {
			return err
		}
		return e.store.UpdateStatus(ctx, t, expected)
	}

	if err := sm.Dead(dlqReason); err != nil {
		return err
	}
	if err := e.store.UpdateStatus(ctx, t, expected); err != nil {
		return err
	}

	entry := &task.DLQEntry{
		TaskID:        t.ID,
		Snapshot:      t.Clone(),
		FailureReason: dlqReason,
		TotalAttempts: t.RetryCount,
		MovedAt:       time.Now().UTC(),
	}
	return e.store.InsertDLQEntry(ctx, entry)
}

// ListDLQ returns the most recently dead-lettered entries.
func (e *Engine) ListDLQ(ctx context.Context, limit int) ([]*task.DLQEntry, error) {
	return e.store.ListDLQ(ctx, limit)
}

// Inspect returns a single DLQ entry's snapshot.
func (e *Engine) Inspect(ctx context.Context, taskID string) (*task.DLQEntry, error) {
	return e.store.GetDLQEntry(ctx, taskID)
}

// Requeue resets a dead-lettered task for immediate re-dispatch: retry
// count zeroed, status PENDING, entry removed from the DLQ.
func (e *Engine) Requeue(ctx context.Context, taskID string) (*task.Task, error) {
	if _, err := e.store.GetDLQEntry(ctx, taskID); err != nil {
		return nil, err
	}

	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	sm := task.NewStateMachine(t)
	expected := t.Status
	if err := sm.Requeue(); err != nil {
		return nil, err
	}
	if err := e.store.UpdateStatus(ctx, t, expected); err != nil {
		return nil, err
	}
	if err := e.store.RemoveDLQEntry(ctx, taskID); err != nil {
		return nil, err
	}
	return t, nil
}

// Purge deletes DLQ entries older than the retention window.
func (e *Engine) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	return e.store.PurgeDLQ(ctx, olderThan)
}

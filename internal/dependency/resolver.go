// Package dependency implements the Dependency Resolver (spec §4.7):
// wait_for_all/wait_for_any evaluation, the reverse-dependency index, and
// cycle prevention/detection.
package dependency

import (
	"context"
	"fmt"

	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
)

// Resolver evaluates and maintains task dependency edges against the Task
// Store; it holds no in-memory graph of its own (spec §5: no loop may hold
// a task record across an I/O call).
type Resolver struct {
	store store.TaskStore
}

func New(s store.TaskStore) *Resolver {
	return &Resolver{store: s}
}

// AddEdge records predecessor->successor and rejects the edge synchronously
// if it would introduce a cycle, via a DFS reachability check run before
// the write (spec §4.7, §7: validation errors never get persisted).
func (r *Resolver) AddEdge(ctx context.Context, predecessorID, successorID string, mode task.WaitMode) error {
	if predecessorID == successorID {
		return task.ErrCyclicDependency
	}

	reachable, err := r.reachable(ctx, successorID, predecessorID, map[string]bool{})
	if err != nil {
		return err
	}
	if reachable {
		return task.ErrCyclicDependency
	}

	return r.store.InsertEdge(ctx, store.Edge{
		PredecessorID: predecessorID,
		SuccessorID:   successorID,
		Mode:          mode,
	})
}

// reachable reports whether target is reachable from start by following
// predecessor->successor edges (i.e. would closing the edge
// predecessorID->successorID create a path back to predecessorID).
func (r *Resolver) reachable(ctx context.Context, start, target string, visited map[string]bool) (bool, error) {
	if start == target {
		return true, nil
	}
	if visited[start] {
		return false, nil
	}
	visited[start] = true

	edges, err := r.store.ReverseDependents(ctx, start)
	if err != nil {
		return false, fmt.Errorf("dependency: walking graph: %w", err)
	}
	for _, e := range edges {
		ok, err := r.reachable(ctx, e.SuccessorID, target, visited)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// OnCompletion re-evaluates every dependent of taskID now that it has
// reached a terminal status, promoting satisfied dependents out of
// SCHEDULED and cancelling ones whose predecessor failed under
// wait_for_all semantics.
func (r *Resolver) OnCompletion(ctx context.Context, taskID string, terminalStatus task.Status) error {
	edges, err := r.store.ReverseDependents(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dependency: reading dependents of %s: %w", taskID, err)
	}

	for _, e := range edges {
		dependent, err := r.store.Get(ctx, e.SuccessorID)
		if err != nil {
			continue
		}
		if dependent.Status != task.StatusScheduled {
			continue
		}

		if err := r.evaluate(ctx, dependent); err != nil {
			return err
		}
	}
	return nil
}

// evaluate re-reads every predecessor of dependent and decides whether it
// is now eligible to run, blocked, or must be cancelled.
func (r *Resolver) evaluate(ctx context.Context, dependent *task.Task) error {
	waitSet := dependent.EffectiveWaitSet()
	if len(waitSet) == 0 {
		return nil
	}

	var completed, failed int
	for _, entry := range waitSet {
		pred, err := r.store.Get(ctx, entry.TaskID)
		if err != nil {
			continue
		}
		switch pred.Status {
		case task.StatusCompleted:
			completed++
		case task.StatusFailed, task.StatusDead, task.StatusCancelled, task.StatusTimeout:
			failed++
		}
	}

	mode := dependent.EffectiveWaitMode()
	expected := dependent.Status
	sm := task.NewStateMachine(dependent)

	switch mode {
	case task.WaitAny:
		if completed > 0 {
			return r.release(ctx, dependent, expected)
		}
		if failed == len(waitSet) {
			if err := sm.Cancel(task.ReasonPredecessorFailed); err != nil {
				return err
			}
			return r.store.UpdateStatus(ctx, dependent, expected)
		}
	default: // WaitAll
		if failed > 0 {
			if err := sm.Cancel(task.ReasonPredecessorFailed); err != nil {
				return err
			}
			return r.store.UpdateStatus(ctx, dependent, expected)
		}
		if completed == len(waitSet) {
			return r.release(ctx, dependent, expected)
		}
	}
	return nil
}

// release clears scheduled_at and transitions SCHEDULED -> PENDING so the
// Scheduler's due-scan (or the dispatcher directly) picks the task up.
func (r *Resolver) release(ctx context.Context, t *task.Task, expected task.Status) error {
	t.ScheduledAt = nil
	sm := task.NewStateMachine(t)
	if err := sm.Transition(task.StatusPending); err != nil {
		return err
	}
	return r.store.UpdateStatus(ctx, t, expected)
}

// DetectCycle runs a fresh DFS from taskID and reports the full cycle (as
// an ordered list of task IDs) if one exists. AddEdge's insert-time check
// prevents cycles under normal operation; this is the runtime check for
// cycles that got past it (e.g. two edges inserted concurrently by racing
// submissions). No coordinator loop calls DetectCycle or CancelCycle; a
// cycle that got past AddEdge is not detected or cancelled automatically.
func (r *Resolver) DetectCycle(ctx context.Context, taskID string) ([]string, error) {
	var path []string
	onStack := map[string]bool{}
	var walk func(id string) ([]string, error)
	walk = func(id string) ([]string, error) {
		if onStack[id] {
			return append(append([]string{}, path...), id), nil
		}
		onStack[id] = true
		path = append(path, id)
		defer func() {
			onStack[id] = false
			path = path[:len(path)-1]
		}()

		edges, err := r.store.ReverseDependents(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dependency: walking graph: %w", err)
		}
		for _, e := range edges {
			cycle, err := walk(e.SuccessorID)
			if err != nil {
				return nil, err
			}
			if cycle != nil {
				return cycle, nil
			}
		}
		return nil, nil
	}
	return walk(taskID)
}

// CancelCycle transitions every member of a detected cycle to CANCELLED
// with reason cycle_detected (spec §4.7).
func (r *Resolver) CancelCycle(ctx context.Context, cycle []string) error {
	for _, id := range cycle {
		t, err := r.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if t.Status.IsFinal() {
			continue
		}
		expected := t.Status
		sm := task.NewStateMachine(t)
		if err := sm.Cancel(task.ReasonCycleDetected); err != nil {
			continue
		}
		if err := r.store.UpdateStatus(ctx, t, expected); err != nil {
			return err
		}
	}
	return nil
}

// Package storetest provides an in-memory store.TaskStore for exercising
// coordinator-side components (dispatcher, scheduler, retry, dependency)
// without a live Postgres instance.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
)

// FakeStore is a minimal, concurrency-safe in-memory TaskStore.
type FakeStore struct {
	mu         sync.Mutex
	Tasks      map[string]*task.Task
	Edges      []store.Edge
	DLQ        map[string]*task.DLQEntry
	Executions []*task.Execution
}

func New() *FakeStore {
	return &FakeStore{
		Tasks: map[string]*task.Task{},
		DLQ:   map[string]*task.DLQEntry{},
	}
}

// Put inserts or overwrites a task directly, bypassing Insert's semantics —
// useful for seeding fixtures.
func (f *FakeStore) Put(t *task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.Tasks[t.ID] = &cp
}

func (f *FakeStore) Insert(ctx context.Context, t *task.Task) error {
	f.Put(t)
	return nil
}

func (f *FakeStore) Get(ctx context.Context, id string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *FakeStore) UpdateStatus(ctx context.Context, t *task.Task, expected task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.Tasks[t.ID]
	if !ok || cur.Status != expected {
		return store.ErrConflict
	}
	cp := *t
	f.Tasks[t.ID] = &cp
	return nil
}

func (f *FakeStore) AppendExecution(ctx context.Context, e *task.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Executions = append(f.Executions, e)
	return nil
}

func (f *FakeStore) ListExecutions(ctx context.Context, taskID string) ([]*task.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Execution
	for _, e := range f.Executions {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FakeStore) List(ctx context.Context, filter store.ListFilter) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.Tasks {
		if !filter.HasAny && t.Status != filter.Status {
			continue
		}
		if filter.WorkerID != "" && t.WorkerID != filter.WorkerID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FakeStore) SelectDueScheduled(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.Tasks {
		if t.Status != task.StatusScheduled || t.ScheduledAt == nil {
			continue
		}
		if t.ScheduledAt.After(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) SelectDeadWorkerTasks(ctx context.Context, workerID string) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.Tasks {
		if t.Status == task.StatusRunning && t.WorkerID == workerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *FakeStore) InsertEdge(ctx context.Context, e store.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edges = append(f.Edges, e)
	return nil
}

func (f *FakeStore) ReverseDependents(ctx context.Context, predecessorID string) ([]store.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Edge
	for _, e := range f.Edges {
		if e.PredecessorID == predecessorID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FakeStore) InsertDLQEntry(ctx context.Context, d *task.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.DLQ[d.TaskID] = &cp
	return nil
}

func (f *FakeStore) ListDLQ(ctx context.Context, limit int) ([]*task.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.DLQEntry
	for _, d := range f.DLQ {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FakeStore) GetDLQEntry(ctx context.Context, taskID string) (*task.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.DLQ[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *FakeStore) RemoveDLQEntry(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.DLQ, taskID)
	return nil
}

func (f *FakeStore) PurgeDLQ(ctx context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, d := range f.DLQ {
		if d.MovedAt.Before(olderThan) {
			delete(f.DLQ, id)
			n++
		}
	}
	return n, nil
}

func (f *FakeStore) IncrementOrphanReassignments(ctx context.Context, taskID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tasks[taskID]
	if !ok {
		return 0, store.ErrNotFound
	}
	t.OrphanReassignments++
	return t.OrphanReassignments, nil
}

func (f *FakeStore) Close() {}

var _ store.TaskStore = (*FakeStore)(nil)

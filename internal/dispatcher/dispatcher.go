// Package dispatcher implements the Dispatcher (spec §4.4): the
// worker-facing acquire/report contract. It is a thin contract, not a
// policy engine — routing a reported failure to retry or DLQ is the
// Coordinator's completion loop, not the Dispatcher's job.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskqueue/core/internal/broker"
	"github.com/taskqueue/core/internal/registry"
	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
)

// ErrNoWork is returned by Acquire when no task was available.
var ErrNoWork = errors.New("dispatcher: no work available")

// maxAcquireAttempts bounds the CAS-conflict retry loop inside one
// Acquire call so a single HTTP request can never spin forever.
const maxAcquireAttempts = 5

// Dispatcher composes the Broker, Worker Registry, and Task Store into
// the acquire/report contract workers call.
type Dispatcher struct {
	broker   *broker.Broker
	registry *registry.Registry
	store    store.TaskStore
}

func New(b *broker.Broker, r *registry.Registry, s store.TaskStore) *Dispatcher {
	return &Dispatcher{broker: b, registry: r, store: s}
}

// Acquire hands one ready task to workerID. It returns ErrNoWork if the
// worker is not active (paused, drained or dead), is at capacity, or
// nothing was queued; an unregistered worker yields the registry's
// ErrNotFound.
func (d *Dispatcher) Acquire(ctx context.Context, workerID string) (*task.Task, *broker.Message, error) {
	w, err := d.registry.Get(ctx, workerID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher: acquire: %w", err)
	}
	if w.Status != registry.WorkerActive {
		return nil, nil, ErrNoWork
	}
	if w.Concurrency > 0 && w.CurrentLoad >= w.Concurrency {
		return nil, nil, ErrNoWork
	}

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		msg, err := d.broker.Dequeue(ctx, workerID)
		if errors.Is(err, broker.ErrEmpty) {
			return nil, nil, ErrNoWork
		}
		if err != nil {
			return nil, nil, err
		}

		t, err := d.store.Get(ctx, msg.TaskID)
		if err != nil {
			d.broker.Ack(ctx, msg)
			continue
		}

		expected := t.Status
		sm := task.NewStateMachine(t)
		if err := sm.Start(workerID); err != nil {
			d.broker.Ack(ctx, msg)
			continue
		}

		if err := d.store.UpdateStatus(ctx, t, expected); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another dispatcher instance won the race; this message
				// still needs acking since the task moved on without us.
				d.broker.Ack(ctx, msg)
				continue
			}
			return nil, nil, err
		}

		return t, msg, nil
	}

	return nil, nil, fmt.Errorf("dispatcher: acquire: %w after %d attempts", ErrNoWork, maxAcquireAttempts)
}

// Outcome is the worker-reported terminal result of one attempt.
type Outcome struct {
	TaskID         string
	AttemptNumber  int
	WorkerID       string
	Started        time.Time
	Status         string // task.OutcomeCompleted / OutcomeFailed / OutcomeTimeout
	Result         *task.Payload
	ErrorKind      string
	ErrorMessage   string
}

// Report records the outcome of a dispatched attempt: appends the
// TaskExecution row, acks the broker message, and updates the worker's
// current_load. It does not decide retry/DLQ/complete routing — the
// Coordinator's completion loop reads the appended execution and the
// task's own state to make that call.
func (d *Dispatcher) Report(ctx context.Context, msg *broker.Message, outcome Outcome, currentLoad int) error {
	now := time.Now().UTC()
	exec := &task.Execution{
		TaskID:         outcome.TaskID,
		AttemptNumber:  outcome.AttemptNumber,
		WorkerID:       outcome.WorkerID,
		StartedAt:      outcome.Started,
		CompletedAt:    &now,
		DurationMillis: now.Sub(outcome.Started).Milliseconds(),
		TerminalStatus: outcome.Status,
		ErrorMessage:   outcome.ErrorMessage,
	}
	if err := d.store.AppendExecution(ctx, exec); err != nil {
		return fmt.Errorf("dispatcher: report: appending execution: %w", err)
	}

	if msg != nil {
		if err := d.broker.Ack(ctx, msg); err != nil {
			return fmt.Errorf("dispatcher: report: acking message: %w", err)
		}
	}

	if err := d.registry.Heartbeat(ctx, outcome.WorkerID, currentLoad); err != nil {
		return fmt.Errorf("dispatcher: report: updating load: %w", err)
	}
	return nil
}

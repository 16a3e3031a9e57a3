package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota
	StatusScheduled
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimeout
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusScheduled:
		return "scheduled"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimeout:
		return "timeout"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalJSON renders Status as its lowercase string form on the wire,
// matching the Postgres column encoding (store.PostgresStore uses
// Status.String() directly, never json.Marshal, so this only affects the
// HTTP API).
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

func ParseStatus(s string) Status {
	switch s {
	case "pending":
		return StatusPending
	case "scheduled":
		return StatusScheduled
	case "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	case "timeout":
		return StatusTimeout
	case "dead":
		return StatusDead
	default:
		return StatusPending
	}
}

// IsFinal returns true if the status is terminal.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusDead || s == StatusCancelled
}

// IsSuccessful returns true if the status represents a successful terminal outcome.
func (s Status) IsSuccessful() bool {
	return s == StatusCompleted
}

var (
	ErrInvalidTransition  = errors.New("task: invalid state transition")
	ErrInvalidTaskData    = errors.New("task: invalid task data")
	ErrTaskNotFound       = errors.New("task: not found")
	ErrTaskAlreadyExists  = errors.New("task: already exists")
	ErrCyclicDependency   = errors.New("task: cyclic dependency")
	ErrWaitSetUnresolved  = errors.New("task: wait set still unresolved")
)

// ValidTransitions encodes the state machine from the spec's §4.1.
var ValidTransitions = map[Status][]Status{
	StatusScheduled: {StatusPending, StatusCancelled},
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusDead, StatusTimeout, StatusPending},
	StatusFailed:    {StatusPending, StatusScheduled, StatusDead},
	StatusTimeout:   {StatusPending, StatusScheduled, StatusDead},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusDead:      {},
}

// CanTransitionTo reports whether a transition from s to target is legal.
func (s Status) CanTransitionTo(target Status) bool {
	for _, v := range ValidTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// StateMachine mutates a Task's Status field, enforcing ValidTransitions and
// stamping the timestamps the spec's invariants depend on (§8, invariants 1-2).
type StateMachine struct {
	task *Task
}

func NewStateMachine(t *Task) *StateMachine {
	return &StateMachine{task: t}
}

// Transition moves the task to target, or returns ErrInvalidTransition.
func (sm *StateMachine) Transition(target Status) error {
	if !sm.task.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	sm.task.Status = target
	sm.task.UpdatedAt = now

	switch target {
	case StatusRunning:
		sm.task.StartedAt = &now
	case StatusCompleted, StatusCancelled, StatusDead:
		sm.task.CompletedAt = &now
	}

	return nil
}

// Start transitions PENDING -> RUNNING, assigning the worker and bumping the
// attempt counter (invariant 1: RUNNING implies worker_id and started_at).
func (sm *StateMachine) Start(workerID string) error {
	if err := sm.Transition(StatusRunning); err != nil {
		return err
	}
	sm.task.WorkerID = workerID
	sm.task.RetryCount++
	sm.task.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete transitions RUNNING -> COMPLETED with a result payload.
func (sm *StateMachine) Complete(result *Payload) error {
	if err := sm.Transition(StatusCompleted); err != nil {
		return err
	}
	sm.task.Result = result
	sm.task.ErrorKind = ""
	sm.task.ErrorMessage = ""
	return nil
}

// Fail transitions RUNNING -> FAILED, recording the error.
func (sm *StateMachine) Fail(kind, message string) error {
	if err := sm.Transition(StatusFailed); err != nil {
		return err
	}
	sm.task.ErrorKind = kind
	sm.task.ErrorMessage = message
	return nil
}

// TimeoutOut transitions RUNNING -> TIMEOUT.
func (sm *StateMachine) TimeoutOut() error {
	if err := sm.Transition(StatusTimeout); err != nil {
		return err
	}
	sm.task.ErrorKind = "timeout"
	sm.task.ErrorMessage = "task execution exceeded timeout_seconds"
	return nil
}

// Dead transitions RUNNING/FAILED/TIMEOUT -> DEAD (retry/orphan budget exhausted).
func (sm *StateMachine) Dead(reason string) error {
	if err := sm.Transition(StatusDead); err != nil {
		return err
	}
	if reason != "" {
		sm.task.ErrorMessage = reason
	}
	return nil
}

// Cancel transitions PENDING/SCHEDULED -> CANCELLED.
func (sm *StateMachine) Cancel(reason string) error {
	if err := sm.Transition(StatusCancelled); err != nil {
		return err
	}
	sm.task.ErrorMessage = reason
	return nil
}

// ReleaseForRetry transitions FAILED/TIMEOUT -> SCHEDULED with a new ready_at,
// used by the retry engine (§4.6) ahead of the scheduler picking it back up.
func (sm *StateMachine) ReleaseForRetry(readyAt time.Time) error {
	if err := sm.Transition(StatusScheduled); err != nil {
		return err
	}
	sm.task.ScheduledAt = &readyAt
	sm.task.WorkerID = ""
	return nil
}

// Requeue resets a task for immediate re-dispatch (DLQ requeue, manual replay):
// WorkerID cleared, RetryCount reset to zero, transition to PENDING.
func (sm *StateMachine) Requeue() error {
	sm.task.WorkerID = ""
	sm.task.RetryCount = 0
	sm.task.ErrorKind = ""
	sm.task.ErrorMessage = ""
	sm.task.StartedAt = nil
	sm.task.CompletedAt = nil
	sm.task.Status = StatusPending
	sm.task.UpdatedAt = time.Now().UTC()
	return nil
}

// ReassignOrphan transitions RUNNING -> PENDING without incrementing RetryCount
// (the attempt never completed — §4.8: "The attempt counter is not incremented").
func (sm *StateMachine) ReassignOrphan() error {
	if err := sm.Transition(StatusPending); err != nil {
		return err
	}
	sm.task.WorkerID = ""
	sm.task.OrphanReassignments++
	return nil
}

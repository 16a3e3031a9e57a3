// Package task holds the core data model: the Task record, its lifecycle
// state machine, and the wait-set / dependency fields the resolver acts on.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskqueue/core/internal/serializer"
)

// MinPriority and MaxPriority bound the priority range from spec §3; 10 is
// highest, matching the Broker's ten priority streams.
const (
	MinPriority = 1
	MaxPriority = 10

	DefaultMaxRetries = 3
	DefaultTimeout    = 5 * time.Minute
	DefaultRetryBase  = 1 * time.Second
	DefaultRetryCap   = 5 * time.Minute
	DefaultMaxOrphans = DefaultMaxRetries
)

// WaitMode is the combinator governing when a dependent task becomes
// eligible once its predecessors terminate (spec §4.7).
type WaitMode string

const (
	WaitAll WaitMode = "all"
	WaitAny WaitMode = "any"
)

// WaitEntry is one predecessor in a task's wait set.
type WaitEntry struct {
	TaskID string `json:"task_id"`
}

// Payload aliases serializer.Payload so state-machine and store code in this
// package can refer to it without importing serializer directly.
type Payload = serializer.Payload

// Task is a unit of work in the queue (spec §3).
type Task struct {
	ID             string              `json:"id"`
	Name           string              `json:"task_name"`
	Args           *serializer.Payload `json:"args,omitempty"`
	Kwargs         *serializer.Payload `json:"kwargs,omitempty"`
	Priority       int                 `json:"priority"`
	Status         Status              `json:"status"`
	RetryCount     int                 `json:"retry_count"`
	MaxRetries     int                 `json:"max_retries"`
	RetryBaseDelay time.Duration       `json:"retry_base_delay"`
	TimeoutSeconds int                 `json:"timeout_seconds"`

	Result       *serializer.Payload `json:"result,omitempty"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Traceback    string              `json:"traceback,omitempty"`

	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	CronExpression string     `json:"cron_expression,omitempty"`

	ParentTaskID *string     `json:"parent_task_id,omitempty"`
	WaitSet      []WaitEntry `json:"wait_set,omitempty"`
	WaitMode     WaitMode    `json:"wait_mode,omitempty"`

	WorkerID string `json:"worker_id,omitempty"`

	OrphanReassignments int `json:"orphan_reassignments"`

	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Spec is the submission-time description of a task (spec §6, submit(spec)).
type Spec struct {
	Name           string
	Args           *serializer.Payload
	Kwargs         *serializer.Payload
	Priority       int
	MaxRetries     int
	RetryBaseDelay time.Duration
	TimeoutSeconds int
	ScheduledAt    *time.Time
	CronExpression string
	ParentTaskID   *string
	WaitSet        []WaitEntry
	WaitMode       WaitMode
	CreatedBy      string
}

// New builds a Task from a validated Spec, choosing the initial status per
// spec §4.1: SCHEDULED if scheduled_at is future or an unresolved wait_set
// exists, otherwise PENDING.
func New(spec Spec) *Task {
	now := time.Now().UTC()

	t := &Task{
		ID:             uuid.New().String(),
		Name:           spec.Name,
		Args:           spec.Args,
		Kwargs:         spec.Kwargs,
		Priority:       spec.Priority,
		Status:         StatusPending,
		MaxRetries:     spec.MaxRetries,
		RetryBaseDelay: spec.RetryBaseDelay,
		TimeoutSeconds: spec.TimeoutSeconds,
		ScheduledAt:    spec.ScheduledAt,
		CronExpression: spec.CronExpression,
		ParentTaskID:   spec.ParentTaskID,
		WaitSet:        spec.WaitSet,
		WaitMode:       spec.WaitMode,
		CreatedBy:      spec.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.RetryBaseDelay == 0 {
		t.RetryBaseDelay = DefaultRetryBase
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = int(DefaultTimeout.Seconds())
	}
	if t.WaitMode == "" && (len(t.WaitSet) > 0 || t.ParentTaskID != nil) {
		t.WaitMode = WaitAll
	}

	if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
		t.Status = StatusScheduled
	} else if len(t.EffectiveWaitSet()) > 0 {
		t.Status = StatusScheduled
	}

	return t
}

// EffectiveWaitSet folds ParentTaskID into the wait set as an implicit
// wait_for_all member (spec §3/§9 open question, resolved in SPEC_FULL.md:
// a parent relation is treated as a singleton wait_for_all predecessor).
func (t *Task) EffectiveWaitSet() []WaitEntry {
	set := t.WaitSet
	if t.ParentTaskID != nil {
		already := false
		for _, e := range set {
			if e.TaskID == *t.ParentTaskID {
				already = true
				break
			}
		}
		if !already {
			set = append(append([]WaitEntry{}, set...), WaitEntry{TaskID: *t.ParentTaskID})
		}
	}
	return set
}

// EffectiveWaitMode returns the combining mode to use, defaulting to
// wait_for_all when only ParentTaskID is set.
func (t *Task) EffectiveWaitMode() WaitMode {
	if t.WaitMode == "" {
		return WaitAll
	}
	return t.WaitMode
}

// Timeout returns the task's execution timeout as a time.Duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// CanRetry reports whether another attempt is within budget (invariant 3:
// retry_count <= max_retries + 1, the "+1" being the in-flight attempt).
func (t *Task) CanRetry() bool {
	return t.RetryCount <= t.MaxRetries
}

// Validate checks submission-time invariants the Coordinator must reject
// synchronously (spec §4.9, §7 "Validation").
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: task_name is required", ErrInvalidTaskData)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be in [%d,%d]", ErrInvalidTaskData, MinPriority, MaxPriority)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidTaskData)
	}
	return nil
}

// Clone returns a deep-enough copy of t for mutation without aliasing
// pointer fields the caller didn't ask to share.
func (t *Task) Clone() *Task {
	cp := *t
	if t.ScheduledAt != nil {
		ts := *t.ScheduledAt
		cp.ScheduledAt = &ts
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.ParentTaskID != nil {
		id := *t.ParentTaskID
		cp.ParentTaskID = &id
	}
	cp.WaitSet = append([]WaitEntry{}, t.WaitSet...)
	return &cp
}

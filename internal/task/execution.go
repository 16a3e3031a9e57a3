package task

import "time"

// Execution is one append-only attempt record (spec §3, TaskExecution):
// exactly one row per attempt, the largest AttemptNumber for a task equals
// its RetryCount while running (StateMachine.Start increments RetryCount
// before the attempt runs).
type Execution struct {
	TaskID         string     `json:"task_id"`
	AttemptNumber  int        `json:"attempt_number"`
	WorkerID       string     `json:"worker_id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMillis int64      `json:"duration_millis"`
	TerminalStatus string     `json:"terminal_status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// Outcome terminal status tags recorded on an Execution row. These are
// distinct from Status: "orphaned" has no corresponding task Status (an
// orphaned attempt's task goes back to PENDING, not a new terminal state).
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeOrphaned  = "orphaned"
)

// DLQEntry is a snapshot of a task at the moment of permanent failure
// (spec §3).
type DLQEntry struct {
	TaskID         string    `json:"task_id"`
	Snapshot       *Task     `json:"snapshot"`
	FailureReason  string    `json:"failure_reason"`
	TotalAttempts  int       `json:"total_attempts"`
	MovedAt        time.Time `json:"moved_at"`
	RequeuedAt     *time.Time `json:"requeued_at,omitempty"`
}

// DLQRetentionWindow is the default age after which DLQ entries are
// eligible for removal (spec §3: "entries older than 30 days").
const DLQRetentionWindow = 30 * 24 * time.Hour

// Reasons recorded on DLQEntry.FailureReason / Task.ErrorMessage for the
// non-retry failure modes spec.md names explicitly.
const (
	ReasonMaxRetriesExceeded  = "max_retries_exceeded"
	ReasonPersistentOrphaning = "persistent_orphaning"
	ReasonPredecessorFailed   = "predecessor_failed"
	ReasonCycleDetected       = "cycle_detected"
	ReasonInvariantViolation  = "invariant_violation"
)

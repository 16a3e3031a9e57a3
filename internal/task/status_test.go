package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusPending, "pending"},
		{StatusScheduled, "scheduled"},
		{StatusRunning, "running"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
		{StatusCancelled, "cancelled"},
		{StatusTimeout, "timeout"},
		{StatusDead, "dead"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusDead} {
		assert.Equal(t, s, ParseStatus(s.String()))
	}
	assert.Equal(t, StatusPending, ParseStatus("garbage"))
}

func TestStatus_IsFinal(t *testing.T) {
	final := []Status{StatusCompleted, StatusDead, StatusCancelled}
	nonFinal := []Status{StatusPending, StatusScheduled, StatusRunning, StatusFailed, StatusTimeout}

	for _, s := range final {
		assert.True(t, s.IsFinal(), s.String())
	}
	for _, s := range nonFinal {
		assert.False(t, s.IsFinal(), s.String())
	}
}

func TestStateMachine_FullLifecycle_HappyPath(t *testing.T) {
	tk := New(Spec{Name: "echo", Priority: 5})
	require.Equal(t, StatusPending, tk.Status)

	sm := NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	assert.Equal(t, StatusRunning, tk.Status)
	assert.Equal(t, "w1", tk.WorkerID)
	assert.NotNil(t, tk.StartedAt)
	assert.Equal(t, 1, tk.RetryCount)

	require.NoError(t, sm.Complete(nil))
	assert.Equal(t, StatusCompleted, tk.Status)
	assert.NotNil(t, tk.CompletedAt)
}

func TestStateMachine_RetryThenSucceed(t *testing.T) {
	tk := New(Spec{Name: "flaky", Priority: 5, MaxRetries: 3})
	sm := NewStateMachine(tk)

	require.NoError(t, sm.Start("w1"))
	require.NoError(t, sm.Fail("handler_error", "net"))
	assert.Equal(t, StatusFailed, tk.Status)
	assert.True(t, tk.CanRetry())

	readyAt := time.Now().Add(time.Second)
	require.NoError(t, sm.ReleaseForRetry(readyAt))
	assert.Equal(t, StatusScheduled, tk.Status)
	assert.Equal(t, "", tk.WorkerID)

	// Scheduler promotes back to pending, worker acquires again.
	require.NoError(t, sm.Transition(StatusPending))
	require.NoError(t, sm.Start("w2"))
	require.NoError(t, sm.Complete(nil))
	assert.Equal(t, StatusCompleted, tk.Status)
	assert.Equal(t, 2, tk.RetryCount)
}

func TestStateMachine_ExhaustRetries_GoesDead(t *testing.T) {
	tk := New(Spec{Name: "always_fails", Priority: 5, MaxRetries: 0})
	sm := NewStateMachine(tk)

	require.NoError(t, sm.Start("w1"))
	require.NoError(t, sm.Fail("handler_error", "boom"))
	assert.False(t, tk.CanRetry())

	require.NoError(t, sm.Dead(ReasonMaxRetriesExceeded))
	assert.Equal(t, StatusDead, tk.Status)
}

func TestStateMachine_WorkerDeath_Reassignment(t *testing.T) {
	tk := New(Spec{Name: "long", Priority: 5})
	sm := NewStateMachine(tk)

	require.NoError(t, sm.Start("w1"))
	require.NoError(t, sm.ReassignOrphan())

	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, "", tk.WorkerID)
	assert.Equal(t, 1, tk.RetryCount, "orphan reassignment must not count as a retry attempt")
	assert.Equal(t, 1, tk.OrphanReassignments)
}

func TestStateMachine_Cancel_LateCancelIgnored(t *testing.T) {
	// A RUNNING task that later completes records COMPLETED, not CANCELLED:
	// Cancel has no valid transition from RUNNING, so the cancel request
	// is simply rejected and the worker's eventual report is honored.
	tk := New(Spec{Name: "echo", Priority: 5})
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))

	err := sm.Cancel("user requested")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, sm.Complete(nil))
	assert.Equal(t, StatusCompleted, tk.Status)
}

func TestStateMachine_Cancel_Pending(t *testing.T) {
	tk := New(Spec{Name: "echo", Priority: 5})
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Cancel("user requested"))
	assert.Equal(t, StatusCancelled, tk.Status)
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	tk := New(Spec{Name: "echo", Priority: 5})
	sm := NewStateMachine(tk)
	err := sm.Transition(StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

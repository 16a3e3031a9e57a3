package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/core/internal/store/storetest"
	"github.com/taskqueue/core/internal/task"
)

func TestEngine_OnFailure_ReleasesForRetry_WhenBudgetRemains(t *testing.T) {
	fs := storetest.New()
	e := New(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "flaky", MaxRetries: 3})
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	fs.Put(tk)

	require.NoError(t, e.OnFailure(ctx, tk, "handler_error", "boom"))

	assert.Equal(t, task.StatusScheduled, tk.Status)
	assert.NotNil(t, tk.ScheduledAt)
}

func TestEngine_OnFailure_MovesToDLQ_WhenBudgetExhausted(t *testing.T) {
	fs := storetest.New()
	e := New(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "always_fails", MaxRetries: 0})
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	fs.Put(tk)

	require.NoError(t, e.OnFailure(ctx, tk, "handler_error", "boom"))

	assert.Equal(t, task.StatusDead, tk.Status)

	entries, err := fs.ListDLQ(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tk.ID, entries[0].TaskID)
}

func TestEngine_OnTimeout_TreatsLikeFailure(t *testing.T) {
	fs := storetest.New()
	e := New(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "slow", MaxRetries: 2})
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	fs.Put(tk)

	require.NoError(t, e.OnTimeout(ctx, tk))

	assert.Equal(t, task.StatusScheduled, tk.Status)
	assert.Equal(t, "timeout", tk.ErrorKind)
}

func TestEngine_Requeue_ResetsAttemptCount(t *testing.T) {
	fs := storetest.New()
	e := New(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "dead_task", MaxRetries: 0})
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	fs.Put(tk)
	require.NoError(t, e.OnFailure(ctx, tk, "handler_error", "boom"))

	requeued, err := e.Requeue(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)

	_, err = fs.GetDLQEntry(ctx, tk.ID)
	assert.Error(t, err)
}

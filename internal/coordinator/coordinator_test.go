package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/core/internal/dependency"
	"github.com/taskqueue/core/internal/retry"
	"github.com/taskqueue/core/internal/scheduler"
	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/store/storetest"
	"github.com/taskqueue/core/internal/task"
)

// newTestCoordinator wires a Coordinator over a FakeStore with every
// redis-backed component nil, for exercising the pure validation and
// CAS-dispatch logic that never touches the broker or registry.
func newTestCoordinator(fs *storetest.FakeStore) *Coordinator {
	return New(
		Config{
			LivenessTick:           time.Second,
			DeadAfter:              30 * time.Second,
			MaxOrphanReassignments: 3,
			DLQRetention:           task.DLQRetentionWindow,
			SessionTTL:             time.Hour,
			SessionSecret:          "test-secret",
			MaxWaitSetSize:         50,
		},
		fs,
		nil,
		nil,
		nil,
		retry.New(fs),
		dependency.New(fs),
		scheduler.New(nil, fs, nil),
		nil,
	)
}

func TestSubmit_RejectsInvalidCron(t *testing.T) {
	c := newTestCoordinator(storetest.New())
	_, err := c.Submit(context.Background(), task.Spec{Name: "job", CronExpression: "not a cron"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmit_RejectsOversizedWaitSet(t *testing.T) {
	c := newTestCoordinator(storetest.New())
	waitSet := make([]task.WaitEntry, 51)
	for i := range waitSet {
		waitSet[i] = task.WaitEntry{TaskID: "missing"}
	}
	_, err := c.Submit(context.Background(), task.Spec{Name: "job", WaitSet: waitSet})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmit_RejectsUnknownDependency(t *testing.T) {
	c := newTestCoordinator(storetest.New())
	_, err := c.Submit(context.Background(), task.Spec{
		Name:    "job",
		WaitSet: []task.WaitEntry{{TaskID: "does-not-exist"}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmit_RejectsInvalidPriority(t *testing.T) {
	c := newTestCoordinator(storetest.New())
	_, err := c.Submit(context.Background(), task.Spec{Name: "job", Priority: 99})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmit_FutureSchedule_InsertsWithoutEnqueue(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	future := time.Now().UTC().Add(time.Hour)

	id, err := c.Submit(context.Background(), task.Spec{Name: "job", ScheduledAt: &future})
	require.NoError(t, err)

	got, err := fs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusScheduled, got.Status)
}

func TestCancel_NoOpOnRunningTask(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "job"})
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	fs.Put(tk)

	require.NoError(t, c.Cancel(ctx, tk.ID))

	got, err := fs.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status, "a RUNNING task is left alone; the worker's report is honored")
}

func TestCancel_TransitionsPendingToCancelled(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "job"})
	fs.Put(tk)

	require.NoError(t, c.Cancel(ctx, tk.ID))

	got, err := fs.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestCancel_NoOpOnTerminalTask(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "job"})
	tk.Status = task.StatusCompleted
	fs.Put(tk)

	require.NoError(t, c.Cancel(ctx, tk.ID))

	got, err := fs.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestReplay_RejectsNonTerminalTask(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "job"})
	fs.Put(tk)

	_, err := c.Replay(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrNotTerminal)
}

func TestWorkerAdmin_RejectsUnknownOp(t *testing.T) {
	c := newTestCoordinator(storetest.New())
	err := c.WorkerAdmin(context.Background(), "w1", WorkerAdminOp("bogus"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestScheduledList_FiltersByStatus(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	scheduled := task.New(task.Spec{Name: "later", ScheduledAt: &future})
	fs.Put(scheduled)
	pending := task.New(task.Spec{Name: "now"})
	fs.Put(pending)

	got, err := c.ScheduledList(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scheduled.ID, got[0].ID)
}

func TestDLQList_ReturnsDeadLetteredEntries(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "dead_job", MaxRetries: 0})
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	fs.Put(tk)
	require.NoError(t, c.retry.OnFailure(ctx, tk, "handler_error", "boom"))

	entries, err := c.DLQList(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tk.ID, entries[0].TaskID)
}

func TestGet_PropagatesStoreNotFound(t *testing.T) {
	c := newTestCoordinator(storetest.New())
	_, err := c.Get(context.Background(), "missing")
	assert.Error(t, err)
}

func TestList_DelegatesToStoreFilter(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	running := task.New(task.Spec{Name: "job"})
	sm := task.NewStateMachine(running)
	require.NoError(t, sm.Start("w1"))
	fs.Put(running)
	fs.Put(task.New(task.Spec{Name: "other"}))

	got, err := c.List(ctx, store.ListFilter{Status: task.StatusRunning})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestDLQRequeue_ErrorsWhenTaskNotInDLQ(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	tk := task.New(task.Spec{Name: "job"})
	fs.Put(tk)

	_, err := c.DLQRequeue(context.Background(), tk.ID)
	assert.Error(t, err)
}

// reassignOrphan's DLQ branch (orphan budget exhausted) never reaches
// c.broker.Enqueue, so it's exercisable with a nil broker like the rest of
// this file's CAS-only tests.
func TestReassignOrphan_ExceedsBudget_MovesToDLQAndRecordsOrphanedExecution(t *testing.T) {
	fs := storetest.New()
	c := newTestCoordinator(fs)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "job"})
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Start("w1"))
	tk.OrphanReassignments = c.cfg.MaxOrphanReassignments
	fs.Put(tk)

	require.NoError(t, c.reassignOrphan(ctx, tk))

	got, err := fs.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDead, got.Status)

	entries, err := c.DLQList(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, task.ReasonPersistentOrphaning, entries[0].FailureReason)

	execs, err := fs.ListExecutions(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, task.OutcomeOrphaned, execs[0].TerminalStatus)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/store/storetest"
	"github.com/taskqueue/core/internal/task"
)

var listAll = store.ListFilter{HasAny: true}

func TestNew(t *testing.T) {
	// Nil redis client and broker: mirrors the constructor-only style the
	// rest of this codebase uses for redis-backed components.
	s := New(nil, storetest.New(), nil)

	assert.NotNil(t, s)
	assert.Equal(t, pollInterval, s.pollInterval)
	assert.NotNil(t, s.stopCh)
}

func TestScheduler_ValidateCron(t *testing.T) {
	s := New(nil, storetest.New(), nil)

	_, err := s.ValidateCron("*/5 * * * *")
	assert.NoError(t, err)

	_, err = s.ValidateCron("not a cron expression")
	assert.Error(t, err)
}

func TestScheduler_NextOccurrence(t *testing.T) {
	s := New(nil, storetest.New(), nil)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := s.NextOccurrence("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), next)
}

func TestScheduler_Promote_SkipsNonScheduledTask(t *testing.T) {
	fs := storetest.New()
	s := New(nil, fs, nil)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "already_running"})
	tk.Status = task.StatusRunning
	fs.Put(tk)

	// A broker call here would panic on the nil broker; reaching it at all
	// is the bug this test guards against.
	require.NoError(t, s.promote(ctx, tk))
}

func TestScheduler_Promote_SkipsWhenWaitSetUnresolved(t *testing.T) {
	fs := storetest.New()
	s := New(nil, fs, nil)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "blocked"})
	tk.Status = task.StatusScheduled
	tk.WaitSet = []task.WaitEntry{{TaskID: "pred-1"}}
	tk.WaitMode = task.WaitAll
	fs.Put(tk)

	require.NoError(t, s.promote(ctx, tk))

	got, err := fs.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusScheduled, got.Status)
}

func TestScheduler_Recur_NoCronExpression_NoOp(t *testing.T) {
	fs := storetest.New()
	s := New(nil, fs, nil)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "one_shot"})
	require.NoError(t, s.Recur(ctx, tk, time.Now()))

	all, err := fs.List(ctx, listAll)
	require.NoError(t, err)
	assert.Len(t, all, 0)
}

func TestScheduler_Recur_CancelledTask_DoesNotRecur(t *testing.T) {
	fs := storetest.New()
	s := New(nil, fs, nil)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "cron_job", CronExpression: "0 0 * * *"})
	tk.Status = task.StatusCancelled
	require.NoError(t, s.Recur(ctx, tk, time.Now()))

	all, err := fs.List(ctx, listAll)
	require.NoError(t, err)
	assert.Len(t, all, 0)
}

func TestScheduler_Recur_DeadTask_StillRecurs(t *testing.T) {
	fs := storetest.New()
	s := New(nil, fs, nil)
	ctx := context.Background()

	tk := task.New(task.Spec{Name: "cron_job", CronExpression: "0 0 * * *"})
	tk.Status = task.StatusDead
	require.NoError(t, s.Recur(ctx, tk, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	all, err := fs.List(ctx, listAll)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "cron_job", all[0].Name)
	require.NotNil(t, all[0].ScheduledAt)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), *all[0].ScheduledAt)
}

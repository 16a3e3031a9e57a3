package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsApplied(t *testing.T) {
	tk := New(Spec{Name: "echo"})

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, 5, tk.Priority)
	assert.Equal(t, DefaultMaxRetries, tk.MaxRetries)
	assert.Equal(t, DefaultRetryBase, tk.RetryBaseDelay)
	assert.Equal(t, int(DefaultTimeout.Seconds()), tk.TimeoutSeconds)
	assert.Equal(t, StatusPending, tk.Status)
}

func TestNew_InitialStatus(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)
	parentID := "parent-1"

	tests := []struct {
		name     string
		spec     Spec
		expected Status
	}{
		{"no schedule, no deps -> pending", Spec{Name: "a"}, StatusPending},
		{"future schedule -> scheduled", Spec{Name: "a", ScheduledAt: &future}, StatusScheduled},
		{"past schedule, no deps -> pending", Spec{Name: "a", ScheduledAt: &past}, StatusPending},
		{"has parent -> scheduled", Spec{Name: "a", ParentTaskID: &parentID}, StatusScheduled},
		{"has wait set -> scheduled", Spec{Name: "a", WaitSet: []WaitEntry{{TaskID: "x"}}}, StatusScheduled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New(tt.spec)
			assert.Equal(t, tt.expected, tk.Status)
		})
	}
}

func TestTask_EffectiveWaitSet_FoldsParent(t *testing.T) {
	parentID := "parent-1"
	tk := New(Spec{Name: "child", ParentTaskID: &parentID})

	set := tk.EffectiveWaitSet()
	require.Len(t, set, 1)
	assert.Equal(t, parentID, set[0].TaskID)
	assert.Equal(t, WaitAll, tk.EffectiveWaitMode())
}

func TestTask_EffectiveWaitSet_NoDoubleCounting(t *testing.T) {
	parentID := "parent-1"
	tk := New(Spec{
		Name:         "child",
		ParentTaskID: &parentID,
		WaitSet:      []WaitEntry{{TaskID: parentID}},
	})

	set := tk.EffectiveWaitSet()
	assert.Len(t, set, 1, "parent already present in wait_set must not be duplicated")
}

func TestTask_EffectiveWaitMode_DefaultsToAll(t *testing.T) {
	tk := &Task{}
	assert.Equal(t, WaitAll, tk.EffectiveWaitMode())

	tk.WaitMode = WaitAny
	assert.Equal(t, WaitAny, tk.EffectiveWaitMode())
}

func TestTask_CanRetry(t *testing.T) {
	tk := New(Spec{Name: "a", MaxRetries: 2})
	assert.True(t, tk.CanRetry())

	tk.RetryCount = 2
	assert.True(t, tk.CanRetry())

	tk.RetryCount = 3
	assert.False(t, tk.CanRetry())
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    *Task
		wantErr bool
	}{
		{"valid", &Task{Name: "echo", Priority: 5, MaxRetries: 3}, false},
		{"missing name", &Task{Priority: 5}, true},
		{"priority too low", &Task{Name: "echo", Priority: 0}, true},
		{"priority too high", &Task{Name: "echo", Priority: 11}, true},
		{"negative retries", &Task{Name: "echo", Priority: 5, MaxRetries: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTaskData)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTask_Clone_DoesNotAlias(t *testing.T) {
	parentID := "parent-1"
	scheduledAt := time.Now()
	tk := New(Spec{Name: "a", ParentTaskID: &parentID, ScheduledAt: &scheduledAt})
	tk.WaitSet = []WaitEntry{{TaskID: "x"}}

	cp := tk.Clone()
	cp.WaitSet[0].TaskID = "mutated"
	*cp.ParentTaskID = "mutated-parent"
	*cp.ScheduledAt = scheduledAt.Add(time.Hour)

	assert.Equal(t, "x", tk.WaitSet[0].TaskID)
	assert.Equal(t, parentID, *tk.ParentTaskID)
	assert.Equal(t, scheduledAt, *tk.ScheduledAt)
}

func TestTask_Timeout(t *testing.T) {
	tk := &Task{TimeoutSeconds: 30}
	assert.Equal(t, 30*time.Second, tk.Timeout())
}

//go:build integration
// +build integration

package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/core/internal/api"
	"github.com/taskqueue/core/internal/broker"
	"github.com/taskqueue/core/internal/config"
	"github.com/taskqueue/core/internal/coordinator"
	"github.com/taskqueue/core/internal/dependency"
	"github.com/taskqueue/core/internal/dispatcher"
	"github.com/taskqueue/core/internal/events"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/registry"
	"github.com/taskqueue/core/internal/retry"
	"github.com/taskqueue/core/internal/scheduler"
	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
	"github.com/taskqueue/core/pkg/client"
)

func init() {
	logger.Init("error", false)
}

// testStack wires the same components cmd/coordinator/main.go does, against
// a live Redis (DB 15, matching the teacher's integration convention) and a
// live Postgres. Both are required for this build-tagged suite to run.
type testStack struct {
	coord      *coordinator.Coordinator
	store      *store.PostgresStore
	broker     *broker.Broker
	httpServer *httptest.Server
}

func setupStack(t *testing.T, coordCfg coordinator.Config) *testStack {
	t.Helper()

	dsn := os.Getenv("TASKQUEUE_TEST_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/taskqueue_test?sslmode=disable"
	}

	cfg := &config.Config{
		Redis: config.RedisConfig{
			Addr:         "localhost:6379",
			DB:           15,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Queue: config.QueueConfig{
			StreamPrefix:    "test_tasks",
			ConsumerGroup:   "test_workers",
			MaxQueueSize:    10000,
			BlockTimeout:    1 * time.Second,
			ClaimMinIdle:    5 * time.Second,
			EnqueueDedupTTL: time.Minute,
		},
		Server: config.ServerConfig{
			Host:         "localhost",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	ctx := context.Background()

	taskStore, err := store.NewPostgresStore(ctx, store.Config{
		DSN:      dsn,
		MaxConns: 10,
		MinConns: 1,
	})
	require.NoError(t, err)

	b, err := broker.New(ctx, &cfg.Redis, &cfg.Queue)
	require.NoError(t, err)
	require.NoError(t, b.Client().FlushDB(ctx).Err())

	reg := registry.New(b.Client(), coordCfg.DeadAfter)
	disp := dispatcher.New(b, reg, taskStore)
	retryEngine := retry.New(taskStore)
	resolver := dependency.New(taskStore)
	sched := scheduler.New(b.Client(), taskStore, b)
	publisher := events.NewRedisPubSub(b.Client())

	coord := coordinator.New(coordCfg, taskStore, b, disp, reg, retryEngine, resolver, sched, publisher)
	coord.Start(ctx)

	server := api.NewServer(cfg, coord, publisher)
	server.Start(ctx)

	httpServer := httptest.NewServer(server)

	t.Cleanup(func() {
		httpServer.Close()
		coord.Stop()
		server.Stop()
		_ = b.Client().FlushDB(context.Background())
		_ = b.Close()
		taskStore.Close()
		_ = publisher.Close()
	})

	return &testStack{coord: coord, store: taskStore, broker: b, httpServer: httpServer}
}

func defaultCoordConfig() coordinator.Config {
	return coordinator.Config{
		LivenessTick:           200 * time.Millisecond,
		DeadAfter:              500 * time.Millisecond,
		MaxOrphanReassignments: 3,
		DLQRetention:           task.DLQRetentionWindow,
		SessionTTL:             time.Hour,
		SessionSecret:          "integration-test-secret",
		MaxWaitSetSize:         50,
	}
}

func waitForStatus(t *testing.T, c *client.TaskQueueClient, taskID string, want string, timeout time.Duration) *client.TaskResponse {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tr, err := c.GetTaskByID(context.Background(), taskID)
		require.NoError(t, err)
		if tr.Status == want {
			return tr
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %s", taskID, want, timeout)
	return nil
}

// Scenario 1: happy path. Submit, one worker acquires and reports success.
func TestScenario_HappyPath(t *testing.T) {
	stack := setupStack(t, defaultCoordConfig())

	c, err := client.New(stack.httpServer.URL)
	require.NoError(t, err)

	submitted, err := c.SubmitTask(context.Background(), client.CreateTaskRequest{
		TaskName: "echo",
		Priority: 5,
	})
	require.NoError(t, err)

	session, err := c.RegisterWorker(context.Background(), "w1", "host-1", 1)
	require.NoError(t, err)

	acquired, err := session.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, submitted.ID, acquired.ID)

	require.NoError(t, session.Report(context.Background(), client.ReportOutcome{
		TaskID:        acquired.ID,
		AttemptNumber: acquired.RetryCount,
		StartedAt:     time.Now(),
		Status:        task.OutcomeCompleted,
		Result:        "hi",
	}))

	final := waitForStatus(t, c, submitted.ID, "completed", 2*time.Second)
	assert.Equal(t, "completed", final.Status)
}

// Scenario 4: worker death mid-task. w1 acquires and stops heartbeating;
// after dead_after the task returns to PENDING and w2 completes it.
func TestScenario_WorkerDeathMidTask(t *testing.T) {
	coordCfg := defaultCoordConfig()
	stack := setupStack(t, coordCfg)

	c, err := client.New(stack.httpServer.URL)
	require.NoError(t, err)

	submitted, err := c.SubmitTask(context.Background(), client.CreateTaskRequest{
		TaskName:       "long",
		TimeoutSeconds: 60,
	})
	require.NoError(t, err)

	w1, err := c.RegisterWorker(context.Background(), "w1", "host-1", 1)
	require.NoError(t, err)

	acquired, err := w1.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, submitted.ID, acquired.ID)

	// w1 never heartbeats or reports again — simulate death. Wait past
	// dead_after plus three liveness ticks for the sweep to reassign it.
	time.Sleep(coordCfg.DeadAfter + 3*coordCfg.LivenessTick)

	waitForPending(t, c, submitted.ID, time.Second)

	w2, err := c.RegisterWorker(context.Background(), "w2", "host-2", 1)
	require.NoError(t, err)

	reacquired, err := w2.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, submitted.ID, reacquired.ID)

	require.NoError(t, w2.Report(context.Background(), client.ReportOutcome{
		TaskID:        reacquired.ID,
		AttemptNumber: reacquired.RetryCount,
		StartedAt:     time.Now(),
		Status:        task.OutcomeCompleted,
		Result:        "done",
	}))

	final := waitForStatus(t, c, submitted.ID, "completed", 2*time.Second)
	assert.Equal(t, "completed", final.Status)

	executions, err := stack.store.ListExecutions(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, task.OutcomeOrphaned, executions[0].TerminalStatus)
	assert.Equal(t, task.OutcomeCompleted, executions[1].TerminalStatus)
}

func waitForPending(t *testing.T, c *client.TaskQueueClient, taskID string, timeout time.Duration) *client.TaskResponse {
	t.Helper()
	return waitForStatus(t, c, taskID, "pending", timeout)
}

// Scenario 5: scheduled task. A task submitted with scheduled_at in the
// future only becomes acquirable once the scheduler activates it.
func TestScenario_ScheduledTask(t *testing.T) {
	stack := setupStack(t, defaultCoordConfig())

	c, err := client.New(stack.httpServer.URL)
	require.NoError(t, err)

	future := time.Now().UTC().Add(1 * time.Second)
	submitted, err := c.SubmitTask(context.Background(), client.CreateTaskRequest{
		TaskName:    "later",
		Priority:    7,
		ScheduledAt: &future,
	})
	require.NoError(t, err)

	initial, err := c.GetTaskByID(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", initial.Status)

	session, err := c.RegisterWorker(context.Background(), "w1", "host-1", 1)
	require.NoError(t, err)

	var acquired *client.TaskResponse
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		acquired, err = session.Acquire(context.Background())
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.NoError(t, err)
	require.NotNil(t, acquired)
	assert.True(t, time.Now().After(future) || time.Now().Equal(future))
	assert.Equal(t, submitted.ID, acquired.ID)
}

// Scenario 6: wait_for_all with a failing predecessor. C depends on A and B;
// A completes, B ends DEAD; C must be cancelled and never enqueued.
func TestScenario_WaitForAll_FailingPredecessor(t *testing.T) {
	stack := setupStack(t, defaultCoordConfig())

	c, err := client.New(stack.httpServer.URL)
	require.NoError(t, err)

	a, err := c.SubmitTask(context.Background(), client.CreateTaskRequest{TaskName: "a"})
	require.NoError(t, err)
	b, err := c.SubmitTask(context.Background(), client.CreateTaskRequest{TaskName: "b", MaxRetries: 0})
	require.NoError(t, err)

	cTask, err := c.SubmitTask(context.Background(), client.CreateTaskRequest{
		TaskName: "c",
		WaitSet:  []client.WaitEntry{{TaskID: a.ID}, {TaskID: b.ID}},
		WaitMode: string(task.WaitAll),
	})
	require.NoError(t, err)

	session, err := c.RegisterWorker(context.Background(), "w1", "host-1", 1)
	require.NoError(t, err)

	acquiredA, err := session.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, a.ID, acquiredA.ID)
	require.NoError(t, session.Report(context.Background(), client.ReportOutcome{
		TaskID:        acquiredA.ID,
		AttemptNumber: acquiredA.RetryCount,
		StartedAt:     time.Now(),
		Status:        task.OutcomeCompleted,
	}))

	acquiredB, err := session.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, b.ID, acquiredB.ID)
	require.NoError(t, session.Report(context.Background(), client.ReportOutcome{
		TaskID:        acquiredB.ID,
		AttemptNumber: acquiredB.RetryCount,
		StartedAt:     time.Now(),
		Status:        task.OutcomeFailed,
		ErrorMessage:  "permanent failure",
	}))

	waitForStatus(t, c, b.ID, "dead", 2*time.Second)
	final := waitForStatus(t, c, cTask.ID, "cancelled", 2*time.Second)
	assert.Equal(t, "cancelled", final.Status)

	_, err = session.Acquire(context.Background())
	assert.ErrorIs(t, err, client.ErrNoWork)
}

func TestAdminEndpoints_Health(t *testing.T) {
	stack := setupStack(t, defaultCoordConfig())
	c, err := client.New(stack.httpServer.URL)
	require.NoError(t, err)

	health, err := c.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])
}

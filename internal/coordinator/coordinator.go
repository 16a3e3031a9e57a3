// Package coordinator owns the top-level event loops and the
// transport-agnostic surface every other layer (HTTP API, tests, worker
// client) calls into: submission, cancellation, replay, DLQ admin,
// scheduled-task listing, worker administration, and the worker-facing
// register/heartbeat/acquire/report/deregister contract (spec §4.9, §6).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskqueue/core/internal/broker"
	"github.com/taskqueue/core/internal/dependency"
	"github.com/taskqueue/core/internal/dispatcher"
	"github.com/taskqueue/core/internal/events"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/registry"
	"github.com/taskqueue/core/internal/retry"
	"github.com/taskqueue/core/internal/scheduler"
	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
)

// ErrValidation wraps a submission-time rejection (spec §7: validation
// errors are rejected synchronously and never persisted).
var ErrValidation = errors.New("coordinator: validation failed")

// ErrNotTerminal is returned by Replay when asked to replay a task that
// hasn't reached a terminal status yet.
var ErrNotTerminal = errors.New("coordinator: task has not reached a terminal status")

// Config bounds the Coordinator's own loops and admin operations; the
// component configs it composes (store/broker/retry/...) are constructed
// by the caller and passed in already built.
type Config struct {
	LivenessTick           time.Duration
	DeadAfter              time.Duration
	MaxOrphanReassignments int
	DLQRetention           time.Duration
	SessionTTL             time.Duration
	SessionSecret          string
	MaxWaitSetSize         int
}

// Coordinator composes every coordinator-side component into the single
// object the API layer and the worker-facing surface call through.
type Coordinator struct {
	cfg        Config
	store      store.TaskStore
	broker     *broker.Broker
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	retry      *retry.Engine
	resolver   *dependency.Resolver
	scheduler  *scheduler.Scheduler
	sessions   *SessionIssuer
	publisher  *events.RedisPubSub

	mu       sync.Mutex
	inflight map[string]*broker.Message // taskID -> claim handle between Acquire and Report

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	cfg Config,
	s store.TaskStore,
	b *broker.Broker,
	d *dispatcher.Dispatcher,
	r *registry.Registry,
	re *retry.Engine,
	dep *dependency.Resolver,
	sch *scheduler.Scheduler,
	pub *events.RedisPubSub,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      s,
		broker:     b,
		dispatcher: d,
		registry:   r,
		retry:      re,
		resolver:   dep,
		scheduler:  sch,
		sessions:   NewSessionIssuer(cfg.SessionSecret, cfg.SessionTTL),
		publisher:  pub,
		inflight:   make(map[string]*broker.Message),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the scheduling loop (delegated to the Scheduler) and the
// liveness loop. The completion loop is not a separate goroutine: every
// worker report is handled synchronously inside Report, since a single
// coordinator process needs no queued completion stream (spec §5's
// function-call handoff model).
func (c *Coordinator) Start(ctx context.Context) {
	c.scheduler.Start(ctx)
	c.wg.Add(1)
	go c.livenessLoop(ctx)
	logger.Info().Msg("coordinator started")
}

func (c *Coordinator) Stop() {
	c.scheduler.Stop()
	close(c.stopCh)
	c.wg.Wait()
	logger.Info().Msg("coordinator stopped")
}

func (c *Coordinator) livenessLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.LivenessTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepDeadWorkers(ctx)
			if c.cfg.DLQRetention > 0 {
				if _, err := c.retry.Purge(ctx, time.Now().UTC().Add(-c.cfg.DLQRetention)); err != nil {
					logger.Error().Err(err).Msg("liveness: purging expired DLQ entries")
				}
			}
		}
	}
}

// sweepDeadWorkers implements spec §4.8 steps 1-4.
func (c *Coordinator) sweepDeadWorkers(ctx context.Context) {
	now := time.Now().UTC()
	dead, err := c.registry.ScanExpired(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("liveness: scanning for expired workers")
		return
	}

	for _, workerID := range dead {
		w, err := c.registry.Get(ctx, workerID)
		if err != nil || w.Status == registry.WorkerDead {
			continue
		}
		if err := c.registry.MarkDead(ctx, workerID); err != nil {
			logger.Error().Err(err).Str("worker_id", workerID).Msg("liveness: marking worker dead")
			continue
		}

		tasks, err := c.store.SelectDeadWorkerTasks(ctx, workerID)
		if err != nil {
			logger.Error().Err(err).Str("worker_id", workerID).Msg("liveness: selecting orphaned tasks")
			continue
		}

		for _, t := range tasks {
			if err := c.reassignOrphan(ctx, t); err != nil {
				logger.Error().Err(err).Str("task_id", t.ID).Msg("liveness: reassigning orphaned task")
			}
		}

		if c.publisher != nil {
			_ = c.publisher.PublishWorkerEvent(ctx, events.EventWorkerDied, workerID, string(registry.WorkerDead), nil)
		}
	}
}

// reassignOrphan sends t back to PENDING without counting an attempt, or
// to the DLQ with reason persistent_orphaning once its orphan budget is
// exhausted (spec §4.8 step 3).
func (c *Coordinator) reassignOrphan(ctx context.Context, t *task.Task) error {
	expected := t.Status

	now := time.Now().UTC()
	started := t.StartedAt
	if started == nil {
		started = &now
	}
	if err := c.store.AppendExecution(ctx, &task.Execution{
		TaskID:         t.ID,
		AttemptNumber:  t.RetryCount,
		WorkerID:       t.WorkerID,
		StartedAt:      *started,
		CompletedAt:    &now,
		DurationMillis: now.Sub(*started).Milliseconds(),
		TerminalStatus: task.OutcomeOrphaned,
	}); err != nil {
		logger.Error().Err(err).Str("task_id", t.ID).Msg("liveness: recording orphaned execution")
	}

	if t.OrphanReassignments >= c.cfg.MaxOrphanReassignments {
		sm := task.NewStateMachine(t)
		if err := sm.Dead(task.ReasonPersistentOrphaning); err != nil {
			return err
		}
		if err := c.store.UpdateStatus(ctx, t, expected); err != nil {
			return err
		}
		return c.store.InsertDLQEntry(ctx, &task.DLQEntry{
			TaskID:        t.ID,
			Snapshot:      t.Clone(),
			FailureReason: task.ReasonPersistentOrphaning,
			TotalAttempts: t.RetryCount,
			MovedAt:       time.Now().UTC(),
		})
	}

	sm := task.NewStateMachine(t)
	if err := sm.ReassignOrphan(); err != nil {
		return err
	}
	if _, err := c.store.IncrementOrphanReassignments(ctx, t.ID); err != nil {
		return err
	}
	if err := c.store.UpdateStatus(ctx, t, expected); err != nil {
		return err
	}
	return c.broker.Enqueue(ctx, t.ID, t.RetryCount, t.Priority)
}

// Submit validates spec, inserts the task, and enqueues it immediately if
// its initial status is PENDING (spec §4.9 submit).
func (c *Coordinator) Submit(ctx context.Context, spec task.Spec) (string, error) {
	if spec.CronExpression != "" {
		if _, err := c.scheduler.ValidateCron(spec.CronExpression); err != nil {
			return "", fmt.Errorf("%w: cron_expression: %v", ErrValidation, err)
		}
	}
	if c.cfg.MaxWaitSetSize > 0 && len(spec.WaitSet) > c.cfg.MaxWaitSetSize {
		return "", fmt.Errorf("%w: wait_set exceeds max_wait_set_size (%d)", ErrValidation, c.cfg.MaxWaitSetSize)
	}
	for _, entry := range spec.WaitSet {
		if _, err := c.store.Get(ctx, entry.TaskID); err != nil {
			return "", fmt.Errorf("%w: wait_set references unknown task %s", ErrValidation, entry.TaskID)
		}
	}

	t := task.New(spec)
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := c.store.Insert(ctx, t); err != nil {
		return "", fmt.Errorf("coordinator: submit: inserting task: %w", err)
	}

	for _, entry := range t.EffectiveWaitSet() {
		if err := c.resolver.AddEdge(ctx, entry.TaskID, t.ID, t.EffectiveWaitMode()); err != nil {
			logger.Warn().Err(err).Str("task_id", t.ID).Msg("submit: dependency edge rejected")
		}
	}

	if t.Status == task.StatusPending {
		if err := c.broker.Enqueue(ctx, t.ID, t.RetryCount, t.Priority); err != nil {
			return "", fmt.Errorf("coordinator: submit: enqueueing task: %w", err)
		}
	}

	if c.publisher != nil {
		_ = c.publisher.PublishTaskEvent(ctx, events.EventTaskSubmitted, t.ID, t.Name, fmt.Sprint(t.Priority), nil)
	}

	return t.ID, nil
}

// Cancel transitions a non-terminal, non-RUNNING task to CANCELLED via CAS.
// Cancelling an already-RUNNING task is a no-op here: the worker's eventual
// report is honored rather than interrupted (spec §4.9).
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsFinal() || t.Status == task.StatusRunning {
		return nil
	}

	expected := t.Status
	sm := task.NewStateMachine(t)
	if err := sm.Cancel("cancelled_by_request"); err != nil {
		return err
	}
	return c.store.UpdateStatus(ctx, t, expected)
}

func (c *Coordinator) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return c.store.Get(ctx, taskID)
}

func (c *Coordinator) List(ctx context.Context, filter store.ListFilter) ([]*task.Task, error) {
	return c.store.List(ctx, filter)
}

// Replay clones a terminal task's spec into a brand new task_id, PENDING,
// retry_count 0 — the original terminal record is retained for history.
func (c *Coordinator) Replay(ctx context.Context, taskID string) (string, error) {
	original, err := c.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !original.Status.IsFinal() {
		return "", ErrNotTerminal
	}

	clone := task.New(task.Spec{
		Name:           original.Name,
		Args:           original.Args,
		Kwargs:         original.Kwargs,
		Priority:       original.Priority,
		MaxRetries:     original.MaxRetries,
		RetryBaseDelay: original.RetryBaseDelay,
		TimeoutSeconds: original.TimeoutSeconds,
		CronExpression: original.CronExpression,
		CreatedBy:      original.CreatedBy,
	})
	if err := c.store.Insert(ctx, clone); err != nil {
		return "", fmt.Errorf("coordinator: replay: %w", err)
	}
	if clone.Status == task.StatusPending {
		if err := c.broker.Enqueue(ctx, clone.ID, clone.RetryCount, clone.Priority); err != nil {
			return "", fmt.Errorf("coordinator: replay: enqueueing clone: %w", err)
		}
	}
	return clone.ID, nil
}

func (c *Coordinator) DLQList(ctx context.Context, limit int) ([]*task.DLQEntry, error) {
	return c.retry.ListDLQ(ctx, limit)
}

// DLQRequeue resets a dead-lettered task and re-enqueues it immediately.
func (c *Coordinator) DLQRequeue(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := c.retry.Requeue(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := c.broker.Enqueue(ctx, t.ID, t.RetryCount, t.Priority); err != nil {
		return nil, fmt.Errorf("coordinator: dlq requeue: enqueueing: %w", err)
	}
	return t, nil
}

func (c *Coordinator) ScheduledList(ctx context.Context) ([]*task.Task, error) {
	return c.store.List(ctx, store.ListFilter{Status: task.StatusScheduled})
}

// Workers lists every worker currently known to the registry, for the
// admin surface's worker-visibility endpoints.
func (c *Coordinator) Workers(ctx context.Context) ([]*registry.Worker, error) {
	return c.registry.List(ctx)
}

// GetWorker returns one worker's registry record.
func (c *Coordinator) GetWorker(ctx context.Context, workerID string) (*registry.Worker, error) {
	return c.registry.Get(ctx, workerID)
}

// QueueDepth reports the pending-entry count per priority level, for
// admin visibility and submission-time backpressure checks.
func (c *Coordinator) QueueDepth(ctx context.Context) (map[int]int64, error) {
	return c.broker.QueueDepth(ctx)
}

// WorkerAdminOp is one of the worker_admin operations spec §6 enumerates.
type WorkerAdminOp string

const (
	WorkerOpPause      WorkerAdminOp = "pause"
	WorkerOpResume     WorkerAdminOp = "resume"
	WorkerOpDrain      WorkerAdminOp = "drain"
	WorkerOpDeregister WorkerAdminOp = "deregister"
)

func (c *Coordinator) WorkerAdmin(ctx context.Context, workerID string, op WorkerAdminOp) error {
	switch op {
	case WorkerOpPause:
		return c.registry.Pause(ctx, workerID)
	case WorkerOpResume:
		return c.registry.Resume(ctx, workerID)
	case WorkerOpDrain:
		return c.registry.Drain(ctx, workerID)
	case WorkerOpDeregister:
		return c.registry.Deregister(ctx, workerID)
	default:
		return fmt.Errorf("%w: unknown worker_admin op %q", ErrValidation, op)
	}
}

// Register enrolls a new worker and mints its session_token.
func (c *Coordinator) Register(ctx context.Context, workerID, hostname string, capacity int) (string, error) {
	w := &registry.Worker{
		ID:          workerID,
		Hostname:    hostname,
		Concurrency: capacity,
	}
	if err := c.registry.Register(ctx, w); err != nil {
		return "", fmt.Errorf("coordinator: register: %w", err)
	}
	return c.sessions.Issue(workerID)
}

func (c *Coordinator) Heartbeat(ctx context.Context, sessionToken string, load int) error {
	workerID, err := c.sessions.Verify(sessionToken)
	if err != nil {
		return err
	}
	return c.registry.Heartbeat(ctx, workerID, load)
}

// Acquire hands one ready task to the session's worker, remembering the
// broker claim handle so Report can Ack it.
func (c *Coordinator) Acquire(ctx context.Context, sessionToken string) (*task.Task, error) {
	workerID, err := c.sessions.Verify(sessionToken)
	if err != nil {
		return nil, err
	}

	t, msg, err := c.dispatcher.Acquire(ctx, workerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.inflight[t.ID] = msg
	c.mu.Unlock()

	return t, nil
}

// ReportInput is the worker's outcome payload for one attempt.
type ReportInput struct {
	TaskID        string
	AttemptNumber int
	Started       time.Time
	Status        string // task.OutcomeCompleted / OutcomeFailed / OutcomeTimeout
	Result        *task.Payload
	ErrorKind     string
	ErrorMessage  string
	CurrentLoad   int
}

// Report is the Coordinator's completion handling: record the attempt,
// transition the task, and synchronously route to the Retry Engine and
// the Dependency Resolver (the in-process completion loop — see Start).
func (c *Coordinator) Report(ctx context.Context, sessionToken string, in ReportInput) error {
	workerID, err := c.sessions.Verify(sessionToken)
	if err != nil {
		return err
	}

	c.mu.Lock()
	msg := c.inflight[in.TaskID]
	delete(c.inflight, in.TaskID)
	c.mu.Unlock()

	if err := c.dispatcher.Report(ctx, msg, dispatcher.Outcome{
		TaskID:        in.TaskID,
		AttemptNumber: in.AttemptNumber,
		WorkerID:      workerID,
		Started:       in.Started,
		Status:        in.Status,
		Result:        in.Result,
		ErrorKind:     in.ErrorKind,
		ErrorMessage:  in.ErrorMessage,
	}, in.CurrentLoad); err != nil {
		return fmt.Errorf("coordinator: report: %w", err)
	}

	t, err := c.store.Get(ctx, in.TaskID)
	if err != nil {
		return fmt.Errorf("coordinator: report: re-reading task: %w", err)
	}

	var terminal task.Status
	switch in.Status {
	case task.OutcomeCompleted:
		expected := t.Status
		sm := task.NewStateMachine(t)
		if err := sm.Complete(in.Result); err != nil {
			return err
		}
		if err := c.store.UpdateStatus(ctx, t, expected); err != nil {
			return err
		}
		terminal = task.StatusCompleted
		if c.publisher != nil {
			_ = c.publisher.PublishTaskEvent(ctx, events.EventTaskCompleted, t.ID, t.Name, fmt.Sprint(t.Priority), nil)
		}
	case task.OutcomeTimeout:
		if err := c.retry.OnTimeout(ctx, t); err != nil {
			return err
		}
		terminal = t.Status
	default: // OutcomeFailed
		if err := c.retry.OnFailure(ctx, t, in.ErrorKind, in.ErrorMessage); err != nil {
			return err
		}
		terminal = t.Status
		if c.publisher != nil {
			_ = c.publisher.PublishTaskEvent(ctx, events.EventTaskFailed, t.ID, t.Name, fmt.Sprint(t.Priority), nil)
		}
	}

	if terminal.IsFinal() {
		if err := c.resolver.OnCompletion(ctx, t.ID, terminal); err != nil {
			logger.Error().Err(err).Str("task_id", t.ID).Msg("report: resolving dependents")
		}
		if err := c.scheduler.Recur(ctx, t, time.Now().UTC()); err != nil {
			logger.Error().Err(err).Str("task_id", t.ID).Msg("report: scheduling recurrence")
		}
	}

	return nil
}

func (c *Coordinator) Deregister(ctx context.Context, sessionToken string) error {
	workerID, err := c.sessions.Verify(sessionToken)
	if err != nil {
		return err
	}
	return c.registry.Deregister(ctx, workerID)
}

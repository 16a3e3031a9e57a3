package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskqueue/core/internal/config"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/task"
	"github.com/taskqueue/core/pkg/client"
)

// State represents the worker pool's current operational state.
type State int

const (
	StateIdle         State = iota
	StateBusy
	StatePaused
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Pool manages a pool of concurrent goroutines pulling work from the
// coordinator's worker-facing HTTP surface (acquire/report), executing
// it locally, and heartbeating on an interval. Retry scheduling, DLQ
// routing, and orphan reassignment are the coordinator's job now (spec
// §4.5, §4.8) — the pool only executes and reports an outcome.
type Pool struct {
	id             string
	session        *client.WorkerSession
	executor       *Executor
	config         *config.WorkerConfig
	state          State
	stateMu        sync.RWMutex
	currentTasks   sync.Map
	wg             sync.WaitGroup
	stopCh         chan struct{}
	pauseCh        chan struct{}
	resumeCh       chan struct{}
	concurrencySem chan struct{}
}

// runningTask tracks a task currently being processed.
type runningTask struct {
	task      *client.TaskResponse
	startedAt time.Time
	cancel    context.CancelFunc
}

// NewPool creates a new worker pool bound to an already-registered
// session and a set of task-name handlers.
func NewPool(cfg *config.WorkerConfig, session *client.WorkerSession, handlers map[string]TaskHandler) *Pool {
	workerID := cfg.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}

	return &Pool{
		id:             workerID,
		session:        session,
		executor:       NewExecutor(handlers),
		config:         cfg,
		state:          StateIdle,
		stopCh:         make(chan struct{}),
		pauseCh:        make(chan struct{}),
		resumeCh:       make(chan struct{}),
		concurrencySem: make(chan struct{}, cfg.Concurrency),
	}
}

// Start begins the worker pool, spawning worker goroutines and the
// heartbeat loop.
func (p *Pool) Start(ctx context.Context) error {
	p.stateMu.Lock()
	p.state = StateBusy
	p.stateMu.Unlock()

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	logger.Info().
		Str("worker_id", p.id).
		Int("concurrency", p.config.Concurrency).
		Msg("worker pool started")

	return nil
}

// Stop gracefully stops the worker pool, waiting for in-flight tasks,
// then deregisters the session.
func (p *Pool) Stop(ctx context.Context) error {
	p.stateMu.Lock()
	p.state = StateShuttingDown
	p.stateMu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Str("worker_id", p.id).Msg("worker pool stopped gracefully")
	case <-time.After(p.config.ShutdownTimeout):
		logger.Warn().Str("worker_id", p.id).Msg("worker pool shutdown timed out")
	case <-ctx.Done():
		logger.Warn().Str("worker_id", p.id).Msg("worker pool shutdown canceled")
	}

	deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.session.Deregister(deregisterCtx); err != nil {
		logger.Error().Err(err).Str("worker_id", p.id).Msg("failed to deregister worker")
	}

	return nil
}

// Pause temporarily stops workers from acquiring new tasks.
func (p *Pool) Pause() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state == StateBusy {
		p.state = StatePaused
		close(p.pauseCh)
		p.pauseCh = make(chan struct{})
		logger.Info().Str("worker_id", p.id).Msg("worker pool paused")
	}
}

// Resume continues task processing after a pause.
func (p *Pool) Resume() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state == StatePaused {
		p.state = StateBusy
		close(p.resumeCh)
		p.resumeCh = make(chan struct{})
		logger.Info().Str("worker_id", p.id).Msg("worker pool resumed")
	}
}

// State returns the current worker pool state.
func (p *Pool) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// ID returns the worker pool's unique identifier.
func (p *Pool) ID() string {
	return p.id
}

// ActiveTasks returns the count of currently running tasks.
func (p *Pool) ActiveTasks() int {
	count := 0
	p.currentTasks.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.session.Heartbeat(ctx, p.ActiveTasks()); err != nil {
				logger.Error().Err(err).Str("worker_id", p.id).Msg("heartbeat failed")
			}
		}
	}
}

// worker is the main loop for each worker goroutine.
func (p *Pool) worker(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	log := logger.WithWorker(p.id)
	log.Info().Int("worker_num", workerNum).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if p.State() == StatePaused {
			select {
			case <-p.resumeCh:
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case p.concurrencySem <- struct{}{}:
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if err := p.processNextTask(ctx); err != nil {
			log.Error().Err(err).Msg("error processing task")
		}

		<-p.concurrencySem
	}
}

// processNextTask acquires, executes, and reports one task.
func (p *Pool) processNextTask(ctx context.Context) error {
	t, err := p.session.Acquire(ctx)
	if errors.Is(err, client.ErrNoWork) {
		select {
		case <-time.After(1 * time.Second):
		case <-p.stopCh:
		case <-ctx.Done():
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire task: %w", err)
	}

	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = task.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rt := &runningTask{task: t, startedAt: time.Now(), cancel: cancel}
	p.currentTasks.Store(t.ID, rt)
	defer p.currentTasks.Delete(t.ID)

	domainTask := &task.Task{
		ID:         t.ID,
		Name:       t.Name,
		Priority:   t.Priority,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
	}

	result, execErr := p.executor.Execute(taskCtx, domainTask)

	started := rt.startedAt.UTC()
	if execErr != nil {
		return p.reportFailure(ctx, t, started, execErr)
	}
	return p.reportSuccess(ctx, t, started, result)
}

func (p *Pool) reportSuccess(ctx context.Context, t *client.TaskResponse, started time.Time, result interface{}) error {
	err := p.session.Report(ctx, client.ReportOutcome{
		TaskID:        t.ID,
		AttemptNumber: t.RetryCount,
		StartedAt:     started,
		Status:        task.OutcomeCompleted,
		Result:        result,
		CurrentLoad:   p.ActiveTasks(),
	})
	if err != nil {
		return fmt.Errorf("failed to report success: %w", err)
	}
	logger.Info().Str("task_id", t.ID).Str("task_name", t.Name).Msg("task completed")
	return nil
}

func (p *Pool) reportFailure(ctx context.Context, t *client.TaskResponse, started time.Time, execErr error) error {
	status := task.OutcomeFailed
	if errors.Is(execErr, ErrTaskTimeout) {
		status = task.OutcomeTimeout
	}

	err := p.session.Report(ctx, client.ReportOutcome{
		TaskID:        t.ID,
		AttemptNumber: t.RetryCount,
		StartedAt:     started,
		Status:        status,
		ErrorMessage:  execErr.Error(),
		CurrentLoad:   p.ActiveTasks(),
	})
	if err != nil {
		return fmt.Errorf("failed to report failure: %w", err)
	}
	logger.Warn().Str("task_id", t.ID).Str("task_name", t.Name).Err(execErr).Msg("task failed")
	return nil
}

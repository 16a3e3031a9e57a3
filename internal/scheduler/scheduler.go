// Package scheduler implements the Scheduler (spec §4.5): promotion of due
// SCHEDULED tasks to PENDING, and cron-driven recurrence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/taskqueue/core/internal/broker"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
)

const (
	lockKey         = "scheduler:lock"
	lockTTL         = 5 * time.Second
	pollInterval    = 1 * time.Second
	dueScanLimit    = 500
)

// Scheduler polls the Task Store for due SCHEDULED tasks and promotes them
// to PENDING, CAS-only, then hands them to the Broker for dispatch. A
// Redis SetNX lock keeps only one Scheduler instance active across a
// coordinator fleet at a time (matching the teacher's single-poller design).
type Scheduler struct {
	lockClient   *redis.Client
	store        store.TaskStore
	broker       *broker.Broker
	cronParser   cron.Parser
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

func New(lockClient *redis.Client, s store.TaskStore, b *broker.Broker) *Scheduler {
	return &Scheduler{
		lockClient:   lockClient,
		store:        s,
		broker:       b,
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	logger.Info().Dur("poll_interval", s.pollInterval).Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	locked, err := s.lockClient.SetNX(ctx, lockKey, "1", lockTTL).Result()
	if err != nil || !locked {
		return
	}
	defer s.lockClient.Del(ctx, lockKey)

	now := time.Now().UTC()
	due, err := s.store.SelectDueScheduled(ctx, now, dueScanLimit)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: selecting due tasks")
		return
	}

	for _, t := range due {
		if err := s.promote(ctx, t); err != nil {
			logger.Error().Err(err).Str("task_id", t.ID).Msg("scheduler: promoting task")
		}
	}
}

// promote moves a single due task SCHEDULED -> PENDING and enqueues it on
// the Broker, CAS-guarded so a concurrent scheduler tick (or a dependency
// resolver release racing the same task) cannot double-enqueue it.
func (s *Scheduler) promote(ctx context.Context, t *task.Task) error {
	if t.Status != task.StatusScheduled {
		return nil
	}
	if len(t.EffectiveWaitSet()) > 0 {
		// Still blocked on predecessors; the dependency resolver owns
		// releasing this task once they resolve.
		return nil
	}

	expected := t.Status
	sm := task.NewStateMachine(t)
	if err := sm.Transition(task.StatusPending); err != nil {
		return fmt.Errorf("transition: %w", err)
	}

	if err := s.store.UpdateStatus(ctx, t, expected); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return fmt.Errorf("update status: %w", err)
	}

	if err := s.broker.Enqueue(ctx, t.ID, t.RetryCount, t.Priority); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	logger.Info().Str("task_id", t.ID).Str("name", t.Name).Msg("scheduled task promoted")
	return nil
}

// ValidateCron parses expr with the standard five-field cron grammar,
// returning an error the Coordinator's Submit can reject synchronously.
func (s *Scheduler) ValidateCron(expr string) (cron.Schedule, error) {
	return s.cronParser.Parse(expr)
}

// NextOccurrence computes a cron-recurring task's next scheduled_at from
// its CronExpression, relative to from.
func (s *Scheduler) NextOccurrence(expr string, from time.Time) (time.Time, error) {
	sched, err := s.cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched.Next(from), nil
}

// Recur re-inserts a cron task's next occurrence after completion or
// failure (spec §4.5: a DEAD task still recurs, a CANCELLED one does not).
func (s *Scheduler) Recur(ctx context.Context, t *task.Task, from time.Time) error {
	if t.CronExpression == "" {
		return nil
	}
	if t.Status == task.StatusCancelled {
		return nil
	}

	next, err := s.NextOccurrence(t.CronExpression, from)
	if err != nil {
		return err
	}

	recurrence := task.New(task.Spec{
		Name:           t.Name,
		Args:           t.Args,
		Kwargs:         t.Kwargs,
		Priority:       t.Priority,
		MaxRetries:     t.MaxRetries,
		RetryBaseDelay: t.RetryBaseDelay,
		TimeoutSeconds: t.TimeoutSeconds,
		ScheduledAt:    &next,
		CronExpression: t.CronExpression,
		CreatedBy:      t.CreatedBy,
	})
	return s.store.Insert(ctx, recurrence)
}

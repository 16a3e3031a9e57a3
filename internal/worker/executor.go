package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/task"
)

// TaskHandler is a function that processes a task and returns a
// JSON-marshalable result.
type TaskHandler func(ctx context.Context, t *task.Task) (interface{}, error)

// Executor runs a task's registered handler with panic recovery and
// timeout/cancellation translation.
type Executor struct {
	handlers map[string]TaskHandler
}

// NewExecutor creates a new task executor.
func NewExecutor(handlers map[string]TaskHandler) *Executor {
	if handlers == nil {
		handlers = make(map[string]TaskHandler)
	}
	return &Executor{handlers: handlers}
}

// RegisterHandler registers a handler for a task name.
func (e *Executor) RegisterHandler(taskName string, handler TaskHandler) {
	e.handlers[taskName] = handler
}

// Execute runs the appropriate handler for a task.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.Error().
				Str("task_id", t.ID).
				Str("task_name", t.Name).
				Interface("panic", r).
				Str("stack", string(stack)).
				Msg("task handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	handler, ok := e.handlers[t.Name]
	if !ok {
		return nil, ErrHandlerNotFound
	}

	log := logger.WithTask(t.ID)
	log.Debug().
		Str("task_name", t.Name).
		Int("attempt", t.RetryCount).
		Msg("executing task")

	start := time.Now()
	result, err = handler(ctx, t)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Dur("duration", duration).Msg("task timed out")
			return nil, ErrTaskTimeout
		}
		if errors.Is(err, context.Canceled) {
			log.Warn().Dur("duration", duration).Msg("task canceled")
			return nil, ErrTaskCanceled
		}
		log.Error().Err(err).Dur("duration", duration).Msg("task failed")
		return nil, err
	}

	log.Debug().Dur("duration", duration).Msg("task executed successfully")
	return result, nil
}

// HasHandler checks if a handler exists for a task name.
func (e *Executor) HasHandler(taskName string) bool {
	_, ok := e.handlers[taskName]
	return ok
}

// HandlerNames returns all registered handler names.
func (e *Executor) HandlerNames() []string {
	names := make([]string, 0, len(e.handlers))
	for n := range e.handlers {
		names = append(names, n)
	}
	return names
}

var (
	ErrHandlerNotFound = errors.New("handler not found for task name")
	ErrTaskTimeout     = errors.New("task execution timed out")
	ErrTaskCanceled    = errors.New("task execution canceled")
)

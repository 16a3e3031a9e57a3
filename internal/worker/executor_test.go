package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue/core/internal/serializer"
	"github.com/taskqueue/core/internal/task"
)

func newTestTask(name string) *task.Task {
	return task.New(task.Spec{Name: name})
}

func TestNewExecutor(t *testing.T) {
	executor := NewExecutor(nil)
	assert.NotNil(t, executor)
	assert.NotNil(t, executor.handlers)

	handlers := map[string]TaskHandler{
		"test": func(ctx context.Context, t *task.Task) (interface{}, error) {
			return nil, nil
		},
	}
	executor = NewExecutor(handlers)
	assert.Len(t, executor.handlers, 1)
}

func TestExecutor_RegisterHandler(t *testing.T) {
	executor := NewExecutor(nil)

	handler := func(ctx context.Context, t *task.Task) (interface{}, error) {
		return map[string]interface{}{"result": "ok"}, nil
	}

	executor.RegisterHandler("my-type", handler)
	assert.True(t, executor.HasHandler("my-type"))
	assert.False(t, executor.HasHandler("other-type"))
}

func TestExecutor_HandlerNames(t *testing.T) {
	handlers := map[string]TaskHandler{
		"email":   func(ctx context.Context, t *task.Task) (interface{}, error) { return nil, nil },
		"compute": func(ctx context.Context, t *task.Task) (interface{}, error) { return nil, nil },
		"notify":  func(ctx context.Context, t *task.Task) (interface{}, error) { return nil, nil },
	}

	executor := NewExecutor(handlers)
	names := executor.HandlerNames()

	assert.Len(t, names, 3)
	assert.Contains(t, names, "email")
	assert.Contains(t, names, "compute")
	assert.Contains(t, names, "notify")
}

func TestExecutor_Execute_Success(t *testing.T) {
	handlers := map[string]TaskHandler{
		"test": func(ctx context.Context, t *task.Task) (interface{}, error) {
			return map[string]interface{}{"echoed": t.Name}, nil
		},
	}

	executor := NewExecutor(handlers)
	testTask := newTestTask("test")

	result, err := executor.Execute(context.Background(), testTask)

	require.NoError(t, err)
	require.NotNil(t, result)
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, testTask.Name, m["echoed"])
}

func TestExecutor_Execute_WithArgs(t *testing.T) {
	payload, err := serializer.EncodeJSON(map[string]interface{}{"key": "value"})
	require.NoError(t, err)

	handlers := map[string]TaskHandler{
		"test": func(ctx context.Context, t *task.Task) (interface{}, error) {
			return t.Args, nil
		},
	}

	executor := NewExecutor(handlers)
	testTask := task.New(task.Spec{Name: "test", Args: payload})

	result, err := executor.Execute(context.Background(), testTask)
	require.NoError(t, err)
	assert.Equal(t, payload, result)
}

func TestExecutor_Execute_Error(t *testing.T) {
	expectedErr := errors.New("task failed")
	handlers := map[string]TaskHandler{
		"fail": func(ctx context.Context, t *task.Task) (interface{}, error) {
			return nil, expectedErr
		},
	}

	executor := NewExecutor(handlers)
	testTask := newTestTask("fail")

	result, err := executor.Execute(context.Background(), testTask)

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestExecutor_Execute_HandlerNotFound(t *testing.T) {
	executor := NewExecutor(nil)
	testTask := newTestTask("unknown")

	result, err := executor.Execute(context.Background(), testTask)

	assert.Equal(t, ErrHandlerNotFound, err)
	assert.Nil(t, result)
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	handlers := map[string]TaskHandler{
		"slow": func(ctx context.Context, t *task.Task) (interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]interface{}{"done": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	executor := NewExecutor(handlers)
	testTask := newTestTask("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := executor.Execute(ctx, testTask)

	assert.Equal(t, ErrTaskTimeout, err)
	assert.Nil(t, result)
}

func TestExecutor_Execute_Canceled(t *testing.T) {
	handlers := map[string]TaskHandler{
		"slow": func(ctx context.Context, t *task.Task) (interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]interface{}{"done": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	executor := NewExecutor(handlers)
	testTask := newTestTask("slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := executor.Execute(ctx, testTask)

	assert.Equal(t, ErrTaskCanceled, err)
	assert.Nil(t, result)
}

func TestExecutor_Execute_Panic(t *testing.T) {
	handlers := map[string]TaskHandler{
		"panic": func(ctx context.Context, t *task.Task) (interface{}, error) {
			panic("something went wrong!")
		},
	}

	executor := NewExecutor(handlers)
	testTask := newTestTask("panic")

	result, err := executor.Execute(context.Background(), testTask)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "handler panicked")
	assert.Nil(t, result)
}

func TestExecutor_HasHandler(t *testing.T) {
	handlers := map[string]TaskHandler{
		"exists": func(ctx context.Context, t *task.Task) (interface{}, error) {
			return nil, nil
		},
	}

	executor := NewExecutor(handlers)

	assert.True(t, executor.HasHandler("exists"))
	assert.False(t, executor.HasHandler("not-exists"))
}

func TestErrorDefinitions(t *testing.T) {
	assert.Equal(t, "handler not found for task name", ErrHandlerNotFound.Error())
	assert.Equal(t, "task execution timed out", ErrTaskTimeout.Error())
	assert.Equal(t, "task execution canceled", ErrTaskCanceled.Error())
}

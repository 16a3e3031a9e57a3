package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskqueue/core/internal/config"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/task"
	"github.com/taskqueue/core/internal/worker"
	"github.com/taskqueue/core/pkg/client"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Str("coordinator_url", cfg.Worker.CoordinatorURL).Msg("starting worker")

	c, err := client.New(cfg.Worker.CoordinatorURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build coordinator client")
	}

	registerCtx, registerCancel := context.WithTimeout(context.Background(), 30*time.Second)
	session, err := c.RegisterWorker(registerCtx, cfg.Worker.ID, cfg.Worker.Hostname, cfg.Worker.Capacity)
	registerCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register worker")
	}

	handlers := map[string]worker.TaskHandler{
		"echo":    echoHandler,
		"sleep":   sleepHandler,
		"compute": computeHandler,
		"fail":    failHandler,
	}

	pool := worker.NewPool(&cfg.Worker, session, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker pool")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker shutdown error")
	}

	log.Info().Msg("worker stopped")
}

// Example task handlers

func echoHandler(ctx context.Context, t *task.Task) (interface{}, error) {
	logger.Info().Str("task_id", t.ID).Msg("echo handler processing task")
	return map[string]interface{}{
		"args":   t.Args,
		"kwargs": t.Kwargs,
	}, nil
}

func sleepHandler(ctx context.Context, t *task.Task) (interface{}, error) {
	var params struct {
		DurationMs float64 `json:"duration_ms"`
	}
	if t.Args != nil {
		_ = t.Args.Decode(&params)
	}
	duration := 1 * time.Second
	if params.DurationMs > 0 {
		duration = time.Duration(params.DurationMs) * time.Millisecond
	}

	logger.Info().Str("task_id", t.ID).Dur("duration", duration).Msg("sleep handler processing task")

	select {
	case <-time.After(duration):
		return map[string]interface{}{"slept_for": duration.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func computeHandler(ctx context.Context, t *task.Task) (interface{}, error) {
	var params struct {
		Iterations int `json:"iterations"`
	}
	if t.Args != nil {
		_ = t.Args.Decode(&params)
	}
	iterations := params.Iterations
	if iterations <= 0 {
		iterations = 1000000
	}

	logger.Info().Str("task_id", t.ID).Int("iterations", iterations).Msg("compute handler processing task")

	sum := 0
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			sum += i
		}
	}

	return map[string]interface{}{"result": sum}, nil
}

func failHandler(ctx context.Context, t *task.Task) (interface{}, error) {
	logger.Info().Str("task_id", t.ID).Msg("fail handler processing task")
	return nil, fmt.Errorf("intentional failure for testing")
}

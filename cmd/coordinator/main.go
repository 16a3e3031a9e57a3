// Command coordinator boots the durable Task Store, the Broker, the
// worker registry, and every coordinator-side loop (scheduling,
// liveness, submission), then blocks until told to shut down.
//
// Exit codes (spec §6): 0 graceful shutdown; 64 configuration error;
// 65 store unavailable after startup_grace; 66 broker unavailable
// after startup_grace; 70 any other fatal boot error.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskqueue/core/internal/api"
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

	"github.com/taskqueue/core/internal/broker"
)

const (
	exitOK         = 0
	exitConfig     = 64
	exitStoreDown  = 65
	exitBrokerDown = 66
	exitFatal      = 70
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: loading config: %v\n", err)
		os.Exit(exitConfig)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskStore, err := dialStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("store unavailable after startup grace")
		os.Exit(exitStoreDown)
	}
	defer taskStore.Close()

	b, err := dialBroker(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("broker unavailable after startup grace")
		os.Exit(exitBrokerDown)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("closing broker")
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("fatal error during coordinator boot")
			os.Exit(exitFatal)
		}
	}()

	reg := registry.New(b.Client(), cfg.Coordinator.DeadAfter)
	disp := dispatcher.New(b, reg, taskStore)
	retryEngine := retry.New(taskStore)
	resolver := dependency.New(taskStore)
	sched := scheduler.New(b.Client(), taskStore, b)
	publisher := events.NewRedisPubSub(b.Client())
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("closing event publisher")
		}
	}()

	coordCfg := coordinator.Config{
		LivenessTick:           cfg.Coordinator.LivenessTick,
		DeadAfter:              cfg.Coordinator.DeadAfter,
		MaxOrphanReassignments: cfg.Coordinator.MaxOrphanReassignments,
		DLQRetention:           time.Duration(cfg.Coordinator.DLQRetentionDays) * 24 * time.Hour,
		SessionTTL:             cfg.Coordinator.SessionTTL,
		SessionSecret:          cfg.Auth.JWTSecret,
		MaxWaitSetSize:         cfg.Dependency.MaxWaitSetSize,
	}
	coord := coordinator.New(coordCfg, taskStore, b, disp, reg, retryEngine, resolver, sched, publisher)
	coord.Start(ctx)

	server := api.NewServer(cfg, coord, publisher)
	server.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down coordinator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	coord.Stop()
	server.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("coordinator stopped")
	os.Exit(exitOK)
}

// dialStore retries NewPostgresStore with exponential backoff until
// startup_grace elapses.
func dialStore(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	deadline := time.Now().Add(cfg.Coordinator.StartupGrace)
	backoff := 500 * time.Millisecond
	for {
		s, err := store.NewPostgresStore(ctx, store.Config{
			DSN:         cfg.Store.DSN,
			MaxConns:    cfg.Store.MaxConns,
			MinConns:    cfg.Store.MinConns,
			ConnMaxLife: cfg.Store.ConnMaxLifetime,
		})
		if err == nil {
			return s, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(backoff)
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// dialBroker retries broker.New with exponential backoff until
// startup_grace elapses.
func dialBroker(ctx context.Context, cfg *config.Config) (*broker.Broker, error) {
	deadline := time.Now().Add(cfg.Coordinator.StartupGrace)
	backoff := 500 * time.Millisecond
	for {
		b, err := broker.New(ctx, &cfg.Redis, &cfg.Queue)
		if err == nil {
			return b, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(backoff)
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// Package registry implements the Worker Registry and Liveness Monitor
// (spec §4.8): worker records stored as JSON strings in Redis with a TTL
// refreshed on every heartbeat, and dead-worker detection (ScanExpired).
// Reassigning a dead worker's tasks is done by the coordinator.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerStatus is the admin-visible lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerPaused  WorkerStatus = "paused"
	WorkerDrained WorkerStatus = "drained"
	WorkerDead    WorkerStatus = "dead"
)

// Worker is the registry's record of one worker process (spec §3).
type Worker struct {
	ID              string       `json:"id"`
	Hostname        string       `json:"hostname,omitempty"`
	Status          WorkerStatus `json:"status"`
	Concurrency     int          `json:"concurrency"`
	CurrentLoad     int          `json:"current_load"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	Version         string       `json:"version,omitempty"`
}

var ErrNotFound = errors.New("registry: worker not found")

const (
	workerSetKey    = "registry:workers"
	workerKeyPrefix = "registry:worker:"
)

// Registry is the Broker-backed worker registry: one JSON-encoded Redis
// string per worker with a TTL of twice deadAfter, plus a set tracking all known
// worker IDs for liveness scans.
type Registry struct {
	client     *redis.Client
	deadAfter  time.Duration
}

// New builds a Registry over an existing Redis client (shared with the
// Broker — the registry is part of the Broker's storage surface per
// spec §4.8, not a separate connection pool).
func New(client *redis.Client, deadAfter time.Duration) *Registry {
	return &Registry{client: client, deadAfter: deadAfter}
}

func workerKey(id string) string {
	return workerKeyPrefix + id
}

// Register adds or replaces a worker's record and starts its heartbeat TTL.
func (r *Registry) Register(ctx context.Context, w *Worker) error {
	w.RegisteredAt = time.Now().UTC()
	w.LastHeartbeatAt = w.RegisteredAt
	if w.Status == "" {
		w.Status = WorkerActive
	}

	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, workerKey(w.ID), data, r.deadAfter*2)
	pipe.SAdd(ctx, workerSetKey, w.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes a worker's last_heartbeat_at and TTL, optionally
// updating its current load.
func (r *Registry) Heartbeat(ctx context.Context, id string, currentLoad int) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.LastHeartbeatAt = time.Now().UTC()
	w.CurrentLoad = currentLoad

	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, workerKey(id), data, r.deadAfter*2).Err()
}

// Get returns a worker's current record.
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	data, err := r.client.Get(ctx, workerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", id, err)
	}
	var w Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("registry: decoding worker %s: %w", id, err)
	}
	return &w, nil
}

// List returns every worker currently known to the registry (including
// ones whose TTL has lapsed but whose set membership hasn't been swept yet).
func (r *Registry) List(ctx context.Context) ([]*Worker, error) {
	ids, err := r.client.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: listing workers: %w", err)
	}

	workers := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.client.SRem(ctx, workerSetKey, id)
			continue
		}
		if err != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ScanExpired returns the IDs of workers whose last heartbeat is older than
// deadAfter — the Liveness Monitor's dead-worker detection step.
func (r *Registry) ScanExpired(ctx context.Context, now time.Time) ([]string, error) {
	workers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var dead []string
	for _, w := range workers {
		if now.Sub(w.LastHeartbeatAt) > r.deadAfter {
			dead = append(dead, w.ID)
		}
	}
	return dead, nil
}

func (r *Registry) setStatus(ctx context.Context, id string, status WorkerStatus) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.Status = status
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, workerKey(id), data, r.deadAfter*2).Err()
}

// Pause marks a worker as paused: the Dispatcher must stop handing it new
// tasks, but in-flight tasks continue.
func (r *Registry) Pause(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, WorkerPaused)
}

// Resume reverses Pause.
func (r *Registry) Resume(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, WorkerActive)
}

// Drain marks a worker for graceful removal: like Pause, the Dispatcher
// stops handing it new tasks. Only the status is set; the record is not
// removed when its load reaches zero.
func (r *Registry) Drain(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, WorkerDrained)
}

// MarkDead flags a worker DEAD in place, for the Liveness Monitor's
// dead-worker sweep (spec §4.8 step 1). The record is left in the
// registry (not deregistered). ScanExpired does not look at status and
// keeps returning the worker; the coordinator's sweep skips workers that
// are already dead.
func (r *Registry) MarkDead(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, WorkerDead)
}

// Deregister removes a worker's record entirely.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, workerKey(id))
	pipe.SRem(ctx, workerSetKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

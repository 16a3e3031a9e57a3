// Package broker holds the Broker (spec §4.2): the transient dispatch
// surface layered over Redis Streams. It never persists task state beyond
// what is needed to hand a task to a worker and claim it back if the
// worker dies; the Task Store (internal/store) is the durable record.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue/core/internal/config"
	"github.com/taskqueue/core/internal/task"
)

// ErrEmpty is returned by Dequeue/DequeueBlocking when no message was
// available within the call's scope.
var ErrEmpty = errors.New("broker: no task available")

// Message is a claim handle on one dispatched task: the ID plus whatever
// the broker needs to Ack or reclaim it later.
type Message struct {
	TaskID    string
	Priority  int
	StreamKey string
	ID        string
}

// Broker is the ten-priority-stream dispatch surface (spec §4.2).
type Broker struct {
	client        *redis.Client
	streamPrefix  string
	consumerGroup string
	blockTimeout  time.Duration
	claimMinIdle  time.Duration
	dedupTTL      time.Duration
}

// enqueueDedupKey namespaces the idempotency marker for one (task_id,
// attempt) pair so a retried Enqueue call never creates a duplicate
// stream entry (spec §4.2).
func enqueueDedupKey(prefix, taskID string, attempt int) string {
	return fmt.Sprintf("%s:enqueued:%s:%d", prefix, taskID, attempt)
}

func streamKey(prefix string, priority int) string {
	return fmt.Sprintf("%s:%d", prefix, priority)
}

// priorityLevels lists stream priorities highest-first (10 down to 1), the
// scan order every dequeue path uses.
func priorityLevels() []int {
	levels := make([]int, 0, task.MaxPriority)
	for p := task.MaxPriority; p >= task.MinPriority; p-- {
		levels = append(levels, p)
	}
	return levels
}

// New opens a Redis client and ensures a consumer group exists on each of
// the ten priority streams.
func New(ctx context.Context, cfg *config.RedisConfig, queueCfg *config.QueueConfig) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("broker: connecting to redis: %w", err)
	}

	b := &Broker{
		client:        client,
		streamPrefix:  queueCfg.StreamPrefix,
		consumerGroup: queueCfg.ConsumerGroup,
		blockTimeout:  queueCfg.BlockTimeout,
		claimMinIdle:  queueCfg.ClaimMinIdle,
		dedupTTL:      queueCfg.EnqueueDedupTTL,
	}

	if err := b.initStreams(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) initStreams(ctx context.Context) error {
	for _, p := range priorityLevels() {
		key := streamKey(b.streamPrefix, p)
		err := b.client.XGroupCreateMkStream(ctx, key, b.consumerGroup, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("broker: creating consumer group for %s: %w", key, err)
		}
	}
	return nil
}

// Enqueue signals that taskID is ready for dispatch at the given priority.
// The Task Store, not the stream payload, is the source of truth for the
// task's data — the message only carries the ID.
//
// Enqueue is idempotent with respect to (taskID, attempt) (spec §4.2): a
// SetNX marker claims the pair before the XAdd, so a caller that retries
// after a transient error (coordinator.Submit, reassignOrphan, DLQRequeue)
// never produces a second stream entry for the same attempt.
func (b *Broker) Enqueue(ctx context.Context, taskID string, attempt, priority int) error {
	dedupKey := enqueueDedupKey(b.streamPrefix, taskID, attempt)
	claimed, err := b.client.SetNX(ctx, dedupKey, 1, b.dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("broker: enqueue dedup check: %w", err)
	}
	if !claimed {
		return nil
	}

	key := streamKey(b.streamPrefix, priority)
	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"task_id": taskID},
	}).Result()
	if err != nil {
		b.client.Del(ctx, dedupKey)
		return fmt.Errorf("broker: enqueue: %w", err)
	}
	return nil
}

// Dequeue performs a single non-blocking scan across priority streams,
// highest first, returning the first available message.
func (b *Broker) Dequeue(ctx context.Context, consumerID string) (*Message, error) {
	for _, p := range priorityLevels() {
		key := streamKey(b.streamPrefix, p)

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: consumerID,
			Streams:  []string{key, ">"},
			Count:    1,
			Block:    -1,
		}).Result()

		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("broker: reading stream %s: %w", key, err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}

		msg := streams[0].Messages[0]
		taskID, ok := msg.Values["task_id"].(string)
		if !ok {
			b.client.XAck(ctx, key, b.consumerGroup, msg.ID)
			continue
		}

		return &Message{TaskID: taskID, Priority: p, StreamKey: key, ID: msg.ID}, nil
	}
	return nil, ErrEmpty
}

// DequeueBlocking listens on all ten streams at once, blocking up to the
// broker's configured timeout, and returns the highest-priority message
// among whatever arrived.
func (b *Broker) DequeueBlocking(ctx context.Context, consumerID string) (*Message, error) {
	levels := priorityLevels()
	streams := make([]string, 0, len(levels)*2)
	for _, p := range levels {
		streams = append(streams, streamKey(b.streamPrefix, p))
	}
	for range levels {
		streams = append(streams, ">")
	}

	result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.consumerGroup,
		Consumer: consumerID,
		Streams:  streams,
		Count:    1,
		Block:    b.blockTimeout,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("broker: blocking read: %w", err)
	}
	if len(result) == 0 || len(result[0].Messages) == 0 {
		return nil, ErrEmpty
	}

	msg := result[0].Messages[0]
	key := result[0].Stream
	taskID, ok := msg.Values["task_id"].(string)
	if !ok {
		b.client.XAck(ctx, key, b.consumerGroup, msg.ID)
		return nil, ErrEmpty
	}

	var priority int
	fmt.Sscanf(key, b.streamPrefix+":%d", &priority)

	return &Message{TaskID: taskID, Priority: priority, StreamKey: key, ID: msg.ID}, nil
}

// Ack marks a dispatched message as handled, removing it from the
// consumer group's pending entries list.
func (b *Broker) Ack(ctx context.Context, m *Message) error {
	return b.client.XAck(ctx, m.StreamKey, b.consumerGroup, m.ID).Err()
}

// ClaimOrphaned reclaims messages idle longer than claimMinIdle across all
// priority streams, for the Liveness Monitor's dead-worker reassignment
// sweep (spec §4.8).
func (b *Broker) ClaimOrphaned(ctx context.Context, consumerID string) ([]*Message, error) {
	var claimed []*Message

	for _, p := range priorityLevels() {
		key := streamKey(b.streamPrefix, p)

		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: key,
			Group:  b.consumerGroup,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			continue
		}

		for _, entry := range pending {
			if entry.Idle < b.claimMinIdle {
				continue
			}

			msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   key,
				Group:    b.consumerGroup,
				Consumer: consumerID,
				MinIdle:  b.claimMinIdle,
				Messages: []string{entry.ID},
			}).Result()
			if err != nil || len(msgs) == 0 {
				continue
			}

			msg := msgs[0]
			taskID, ok := msg.Values["task_id"].(string)
			if !ok {
				continue
			}
			claimed = append(claimed, &Message{TaskID: taskID, Priority: p, StreamKey: key, ID: msg.ID})
		}
	}

	return claimed, nil
}

// QueueDepth reports the pending-entry count per priority level.
func (b *Broker) QueueDepth(ctx context.Context) (map[int]int64, error) {
	depths := make(map[int]int64)
	for _, p := range priorityLevels() {
		key := streamKey(b.streamPrefix, p)
		groups, err := b.client.XInfoGroups(ctx, key).Result()
		if err != nil {
			continue
		}
		for _, g := range groups {
			if g.Name == b.consumerGroup {
				depths[p] = g.Pending
			}
		}
	}
	return depths, nil
}

// Schedule and PollDue are thin pass-throughs kept for API compatibility
// with spec §6's Broker surface. The Task Store's scheduled_at column and
// SelectDueScheduled own the actual scheduled set; the Scheduler talks to
// the Store directly and never needs to call these.
func (b *Broker) Schedule(ctx context.Context, taskID string, readyAt time.Time) error {
	return nil
}

func (b *Broker) PollDue(ctx context.Context, now time.Time) ([]string, error) {
	return nil, nil
}

// Close releases the underlying Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Client exposes the underlying Redis client for components that need it
// directly (worker registry, completion stream, rate limiting).
func (b *Broker) Client() *redis.Client {
	return b.client
}

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskqueue/core/internal/task"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements TaskStore on PostgreSQL via pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Config bounds the pool; zero values fall back to sane defaults.
type Config struct {
	DSN         string
	MaxConns    int32
	MinConns    int32
	ConnMaxLife time.Duration
}

// NewPostgresStore opens a pool, pings it, and applies schema.sql
// idempotently.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	} else {
		pcfg.MaxConns = 20
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	} else {
		pcfg.MinConns = 2
	}
	if cfg.ConnMaxLife > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLife
	} else {
		pcfg.MaxConnLifetime = time.Hour
	}
	pcfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *PostgresStore) Insert(ctx context.Context, t *task.Task) error {
	args, err := marshalJSON(t.Args)
	if err != nil {
		return err
	}
	kwargs, err := marshalJSON(t.Kwargs)
	if err != nil {
		return err
	}
	waitSet, err := marshalJSON(t.WaitSet)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (
			id, task_name, args, kwargs, priority, status, retry_count, max_retries,
			retry_base_delay_ms, timeout_seconds, scheduled_at, cron_expression,
			parent_task_id, wait_set, wait_mode, worker_id, orphan_reassignments,
			created_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Name, args, kwargs, t.Priority, t.Status.String(), t.RetryCount, t.MaxRetries,
		t.RetryBaseDelay.Milliseconds(), t.TimeoutSeconds, t.ScheduledAt, t.CronExpression,
		t.ParentTaskID, waitSet, string(t.EffectiveWaitMode()), t.WorkerID, t.OrphanReassignments,
		t.CreatedBy, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

const selectTaskColumns = `
	id, task_name, args, kwargs, priority, status, retry_count, max_retries,
	retry_base_delay_ms, timeout_seconds, result, error_kind, error_message, traceback,
	scheduled_at, cron_expression, parent_task_id, wait_set, wait_mode, worker_id,
	orphan_reassignments, created_by, created_at, updated_at, started_at, completed_at
`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var args, kwargs, result, waitSet []byte
	var statusStr, waitMode string
	var retryBaseMs int64

	err := row.Scan(
		&t.ID, &t.Name, &args, &kwargs, &t.Priority, &statusStr, &t.RetryCount, &t.MaxRetries,
		&retryBaseMs, &t.TimeoutSeconds, &result, &t.ErrorKind, &t.ErrorMessage, &t.Traceback,
		&t.ScheduledAt, &t.CronExpression, &t.ParentTaskID, &waitSet, &waitMode, &t.WorkerID,
		&t.OrphanReassignments, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	t.Status = task.ParseStatus(statusStr)
	t.WaitMode = task.WaitMode(waitMode)
	t.RetryBaseDelay = time.Duration(retryBaseMs) * time.Millisecond

	if len(args) > 0 {
		if err := json.Unmarshal(args, &t.Args); err != nil {
			return nil, fmt.Errorf("store: decoding args: %w", err)
		}
	}
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &t.Kwargs); err != nil {
			return nil, fmt.Errorf("store: decoding kwargs: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("store: decoding result: %w", err)
		}
	}
	if len(waitSet) > 0 {
		if err := json.Unmarshal(waitSet, &t.WaitSet); err != nil {
			return nil, fmt.Errorf("store: decoding wait_set: %w", err)
		}
	}

	return &t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*task.Task, error) {
	query := "SELECT " + selectTaskColumns + " FROM tasks WHERE id = $1"
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

// UpdateStatus performs the single CAS statement spec §4.1 calls for:
// the row is only mutated if its current status still equals
// expectedCurrent, surfacing ErrConflict on a lost race.
func (s *PostgresStore) UpdateStatus(ctx context.Context, t *task.Task, expectedCurrent task.Status) error {
	result, err := marshalJSON(t.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks SET
			status = $1, retry_count = $2, result = $3, error_kind = $4, error_message = $5,
			traceback = $6, scheduled_at = $7, worker_id = $8, orphan_reassignments = $9,
			updated_at = $10, started_at = $11, completed_at = $12
		WHERE id = $13 AND status = $14
	`
	tag, err := s.pool.Exec(ctx, query,
		t.Status.String(), t.RetryCount, result, t.ErrorKind, t.ErrorMessage,
		t.Traceback, t.ScheduledAt, t.WorkerID, t.OrphanReassignments,
		t.UpdatedAt, t.StartedAt, t.CompletedAt,
		t.ID, expectedCurrent.String(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) AppendExecution(ctx context.Context, e *task.Execution) error {
	query := `
		INSERT INTO task_executions (
			task_id, attempt_number, worker_id, started_at, completed_at,
			duration_millis, terminal_status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id, attempt_number) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			duration_millis = EXCLUDED.duration_millis,
			terminal_status = EXCLUDED.terminal_status,
			error_message = EXCLUDED.error_message
	`
	_, err := s.pool.Exec(ctx, query,
		e.TaskID, e.AttemptNumber, e.WorkerID, e.StartedAt, e.CompletedAt,
		e.DurationMillis, e.TerminalStatus, e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ListExecutions returns every recorded attempt for a task, ordered by
// attempt_number (spec §8 scenario assertions: one row per attempt).
func (s *PostgresStore) ListExecutions(ctx context.Context, taskID string) ([]*task.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, attempt_number, worker_id, started_at, completed_at,
		       duration_millis, terminal_status, error_message
		FROM task_executions
		WHERE task_id = $1
		ORDER BY attempt_number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var executions []*task.Execution
	for rows.Next() {
		var e task.Execution
		if err := rows.Scan(
			&e.TaskID, &e.AttemptNumber, &e.WorkerID, &e.StartedAt, &e.CompletedAt,
			&e.DurationMillis, &e.TerminalStatus, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*task.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var query string
	var args []interface{}
	switch {
	case !f.HasAny && f.WorkerID != "":
		query = "SELECT " + selectTaskColumns + " FROM tasks WHERE status = $1 AND worker_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4"
		args = []interface{}{f.Status.String(), f.WorkerID, limit, f.Offset}
	case !f.HasAny:
		query = "SELECT " + selectTaskColumns + " FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3"
		args = []interface{}{f.Status.String(), limit, f.Offset}
	case f.WorkerID != "":
		query = "SELECT " + selectTaskColumns + " FROM tasks WHERE worker_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3"
		args = []interface{}{f.WorkerID, limit, f.Offset}
	default:
		query = "SELECT " + selectTaskColumns + " FROM tasks ORDER BY created_at DESC LIMIT $1 OFFSET $2"
		args = []interface{}{limit, f.Offset}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SelectDueScheduled returns SCHEDULED tasks whose scheduled_at has passed
// and whose wait set (if any) has fully resolved. The wait-set check is
// folded into the Dependency Resolver's own CAS on completion (spec
// §4.7), so this query only filters on scheduled_at; a task still blocked
// on predecessors simply has a nil or future scheduled_at until the
// resolver clears it.
func (s *PostgresStore) SelectDueScheduled(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 500
	}
	query := "SELECT " + selectTaskColumns + ` FROM tasks
		WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC LIMIT $3`
	rows, err := s.pool.Query(ctx, query, task.StatusScheduled.String(), now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) SelectDeadWorkerTasks(ctx context.Context, workerID string) ([]*task.Task, error) {
	query := "SELECT " + selectTaskColumns + " FROM tasks WHERE status = $1 AND worker_id = $2"
	rows, err := s.pool.Query(ctx, query, task.StatusRunning.String(), workerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) InsertEdge(ctx context.Context, e Edge) error {
	query := `
		INSERT INTO task_edges (predecessor_id, successor_id, mode)
		VALUES ($1, $2, $3)
		ON CONFLICT (predecessor_id, successor_id) DO UPDATE SET mode = EXCLUDED.mode
	`
	_, err := s.pool.Exec(ctx, query, e.PredecessorID, e.SuccessorID, string(e.Mode))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ReverseDependents(ctx context.Context, predecessorID string) ([]Edge, error) {
	query := "SELECT predecessor_id, successor_id, mode FROM task_edges WHERE predecessor_id = $1"
	rows, err := s.pool.Query(ctx, query, predecessorID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var mode string
		if err := rows.Scan(&e.PredecessorID, &e.SuccessorID, &mode); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		e.Mode = task.WaitMode(mode)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertDLQEntry(ctx context.Context, d *task.DLQEntry) error {
	snapshot, err := json.Marshal(d.Snapshot)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO dlq_entries (task_id, snapshot, failure_reason, total_attempts, moved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot, failure_reason = EXCLUDED.failure_reason,
			total_attempts = EXCLUDED.total_attempts, moved_at = EXCLUDED.moved_at,
			requeued_at = NULL
	`
	_, err = s.pool.Exec(ctx, query, d.TaskID, snapshot, d.FailureReason, d.TotalAttempts, d.MovedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func scanDLQEntry(row pgx.Row) (*task.DLQEntry, error) {
	var d task.DLQEntry
	var snapshot []byte
	err := row.Scan(&d.TaskID, &snapshot, &d.FailureReason, &d.TotalAttempts, &d.MovedAt, &d.RequeuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &d.Snapshot); err != nil {
			return nil, fmt.Errorf("store: decoding dlq snapshot: %w", err)
		}
	}
	return &d, nil
}

func (s *PostgresStore) ListDLQ(ctx context.Context, limit int) ([]*task.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT task_id, snapshot, failure_reason, total_attempts, moved_at, requeued_at FROM dlq_entries ORDER BY moved_at DESC LIMIT $1"
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*task.DLQEntry
	for rows.Next() {
		d, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDLQEntry(ctx context.Context, taskID string) (*task.DLQEntry, error) {
	query := "SELECT task_id, snapshot, failure_reason, total_attempts, moved_at, requeued_at FROM dlq_entries WHERE task_id = $1"
	return scanDLQEntry(s.pool.QueryRow(ctx, query, taskID))
}

func (s *PostgresStore) RemoveDLQEntry(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM dlq_entries WHERE task_id = $1", taskID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PurgeDLQ deletes entries older than olderThan (spec §3: 30-day retention),
// core-enforced rather than relying on an external janitor: the
// coordinator's liveness loop calls it on every tick with its DLQRetention.
func (s *PostgresStore) PurgeDLQ(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM dlq_entries WHERE moved_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) IncrementOrphanReassignments(ctx context.Context, taskID string) (int, error) {
	query := `UPDATE tasks SET orphan_reassignments = orphan_reassignments + 1 WHERE id = $1 RETURNING orphan_reassignments`
	var count int
	err := s.pool.QueryRow(ctx, query, taskID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

var _ TaskStore = (*PostgresStore)(nil)

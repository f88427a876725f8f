package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

const taskColumns = `
	id, name, group_key, payload, owner_key, retry_key, retry_max, retry_count,
	schedule_id, state, starts_after, created_to_started_timeout_ms,
	started_to_completed_timeout_ms, heartbeat_timeout_ms, created_at,
	last_state_transition_at, last_heartbeat_at, output, error`

// InsertTask создаёт новый task.
func (q *Queries) InsertTask(ctx context.Context, task *domain.Task) error {
	errJSON, err := marshalTaskError(task.Error)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = q.db.Exec(ctx, query,
		task.ID,
		task.Name,
		task.GroupKey,
		nullJSON(task.Payload),
		nullString(task.OwnerKey),
		task.RetryKey,
		task.RetryMax,
		task.RetryCount,
		nullUUID(task.ScheduleID),
		task.State,
		task.StartsAfter,
		task.CreatedToStartedTimeout.Milliseconds(),
		task.StartedToCompletedTimeout.Milliseconds(),
		task.HeartbeatTimeout.Milliseconds(),
		task.CreatedAt,
		task.LastStateTransitionAt,
		task.LastHeartbeatAt,
		nullJSON(task.Output),
		errJSON,
	)
	return mapErr("insert task", err)
}

// GetTask возвращает task по ID.
func (q *Queries) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(q.db.QueryRow(ctx, query, id))
}

// LockTask возвращает task, заблокировав строку без ожидания.
func (q *Queries) LockTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE NOWAIT`
	return scanTask(q.db.QueryRow(ctx, query, id))
}

// FindActiveTaskByOwnerKey ищет CREATED или STARTED task с owner key.
func (q *Queries) FindActiveTaskByOwnerKey(ctx context.Context, ownerKey string) (*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE owner_key = $1 AND state IN ('CREATED', 'STARTED')
		LIMIT 1
	`
	return scanTask(q.db.QueryRow(ctx, query, ownerKey))
}

// UpdateTaskState сохраняет изменяемые поля task.
func (q *Queries) UpdateTaskState(ctx context.Context, task *domain.Task) error {
	errJSON, err := marshalTaskError(task.Error)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET state = $2, last_state_transition_at = $3, last_heartbeat_at = $4,
		    output = $5, error = $6
		WHERE id = $1
	`
	result, err := q.db.Exec(ctx, query,
		task.ID,
		task.State,
		task.LastStateTransitionAt,
		task.LastHeartbeatAt,
		nullJSON(task.Output),
		errJSON,
	)
	if err != nil {
		return mapErr("update task", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchHeartbeat обновляет heartbeat STARTED task.
func (q *Queries) TouchHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error {
	var state domain.TaskState
	query := `
		WITH target AS (
			SELECT id, state FROM tasks WHERE id = $1
		), touched AS (
			UPDATE tasks SET last_heartbeat_at = $2
			WHERE id = $1 AND state = 'STARTED'
			RETURNING id
		)
		SELECT state FROM target
	`
	if err := q.db.QueryRow(ctx, query, id, now).Scan(&state); err != nil {
		return mapErr("touch heartbeat", err)
	}
	if state != domain.TaskStateStarted {
		return fmt.Errorf("task %s is %s: %w", id, state, ErrInvalidState)
	}
	return nil
}

// SearchTasks возвращает tasks по фильтру, новые первыми.
func (q *Queries) SearchTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1::uuid[] IS NULL OR id = ANY($1))
		  AND ($2::text IS NULL OR group_key = $2)
		  AND ($3::text[] IS NULL OR state = ANY($3))
		  AND ($4::text IS NULL OR name = $4)
		  AND ($5::text IS NULL OR owner_key = $5)
		  AND ($6::text IS NULL OR retry_key = $6)
		  AND ($7::uuid IS NULL OR schedule_id = $7)
		  AND ($8::timestamptz IS NULL OR created_at >= $8)
		  AND ($9::timestamptz IS NULL OR created_at < $9)
		ORDER BY created_at DESC
		LIMIT $10
	`
	rows, err := q.db.Query(ctx, query,
		uuidStrings(filter.IDs),
		nullString(filter.GroupKey),
		taskStateStrings(filter.States),
		nullString(filter.Name),
		nullString(filter.OwnerKey),
		nullString(filter.RetryKey),
		nullUUID(filter.ScheduleID),
		filter.CreatedAfter,
		filter.CreatedBefore,
		limitOrDefault(filter.Limit),
	)
	if err != nil {
		return nil, mapErr("search tasks", err)
	}
	return collect(rows, scanTask)
}

// CountTasksInState считает tasks группы в состоянии.
func (q *Queries) CountTasksInState(ctx context.Context, groupKey string, state domain.TaskState) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM tasks WHERE group_key = $1 AND state = $2`
	if err := q.db.QueryRow(ctx, query, groupKey, state).Scan(&n); err != nil {
		return 0, mapErr("count tasks", err)
	}
	return n, nil
}

// CountActiveTasks считает CREATED и STARTED tasks.
func (q *Queries) CountActiveTasks(ctx context.Context, groupKey string) (int, error) {
	var n int
	query := `
		SELECT COUNT(*) FROM tasks
		WHERE state IN ('CREATED', 'STARTED')
		  AND ($1::text IS NULL OR group_key = $1)
	`
	if err := q.db.QueryRow(ctx, query, nullString(groupKey)).Scan(&n); err != nil {
		return 0, mapErr("count active tasks", err)
	}
	return n, nil
}

// LockReadyTasks блокирует CREATED tasks, у которых наступил starts_after.
func (q *Queries) LockReadyTasks(ctx context.Context, groupKey string, now time.Time, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE group_key = $1 AND state = 'CREATED' AND starts_after <= $2
		ORDER BY starts_after ASC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	rows, err := q.db.Query(ctx, query, groupKey, now, limit)
	if err != nil {
		return nil, mapErr("lock ready tasks", err)
	}
	return collect(rows, scanTask)
}

// ListExpiredCreatedTasks возвращает CREATED tasks, не стартовавшие вовремя.
func (q *Queries) ListExpiredCreatedTasks(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM tasks
		WHERE state = 'CREATED'
		  AND starts_after + created_to_started_timeout_ms * interval '1 millisecond' < $1
		ORDER BY starts_after ASC
		LIMIT $2
	`
	rows, err := q.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, mapErr("list expired tasks", err)
	}
	return collectIDs(rows)
}

// ListTimedOutStartedTasks возвращает STARTED tasks с просроченным
// heartbeat или превысившие время выполнения.
func (q *Queries) ListTimedOutStartedTasks(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM tasks
		WHERE state = 'STARTED'
		  AND (
		    COALESCE(last_heartbeat_at, last_state_transition_at)
		        + heartbeat_timeout_ms * interval '1 millisecond' < $1
		    OR last_state_transition_at
		        + started_to_completed_timeout_ms * interval '1 millisecond' < $1
		  )
		ORDER BY last_state_transition_at ASC
		LIMIT $2
	`
	rows, err := q.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, mapErr("list timed out tasks", err)
	}
	return collectIDs(rows)
}

// ListRetryableFailedTasks возвращает FAILED tasks, которым положен повтор
// и у которых ещё нет преемника в цепочке.
func (q *Queries) ListRetryableFailedTasks(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT t.id FROM tasks t
		WHERE t.state = 'FAILED'
		  AND t.retry_count < t.retry_max
		  AND COALESCE((t.error->>'retryable')::boolean, false)
		  AND NOT EXISTS (
		    SELECT 1 FROM tasks s
		    WHERE s.retry_key = t.retry_key AND s.retry_count > t.retry_count
		  )
		ORDER BY t.last_state_transition_at ASC
		LIMIT $1
	`
	rows, err := q.db.Query(ctx, query, limit)
	if err != nil {
		return nil, mapErr("list retryable tasks", err)
	}
	return collectIDs(rows)
}

// HasRetrySuccessor проверяет наличие следующей попытки.
func (q *Queries) HasRetrySuccessor(ctx context.Context, retryKey string, retryCount int) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM tasks WHERE retry_key = $1 AND retry_count > $2)`
	if err := q.db.QueryRow(ctx, query, retryKey, retryCount).Scan(&exists); err != nil {
		return false, mapErr("check retry successor", err)
	}
	return exists, nil
}

// DeleteTerminalTasks удаляет пачку финальных tasks.
func (q *Queries) DeleteTerminalTasks(ctx context.Context, before time.Time, limit int) (int, error) {
	query := `
		DELETE FROM tasks
		WHERE id IN (
			SELECT t.id FROM tasks t
			WHERE t.state IN ('SUCCEEDED', 'FAILED', 'EXPIRED', 'CANCELLED')
			  AND t.last_state_transition_at < $1
			  AND NOT EXISTS (
			    SELECT 1 FROM schedules s WHERE s.last_scheduled_task_id = t.id
			  )
			ORDER BY t.last_state_transition_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`
	result, err := q.db.Exec(ctx, query, before, limit)
	if err != nil {
		return 0, mapErr("delete tasks", err)
	}
	return int(result.RowsAffected()), nil
}

// --- Helpers ---

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var payloadJSON, outputJSON, errJSON []byte
	var ownerKey *string
	var startTimeoutMs, completeTimeoutMs, heartbeatTimeoutMs int64

	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.GroupKey,
		&payloadJSON,
		&ownerKey,
		&task.RetryKey,
		&task.RetryMax,
		&task.RetryCount,
		&task.ScheduleID,
		&task.State,
		&task.StartsAfter,
		&startTimeoutMs,
		&completeTimeoutMs,
		&heartbeatTimeoutMs,
		&task.CreatedAt,
		&task.LastStateTransitionAt,
		&task.LastHeartbeatAt,
		&outputJSON,
		&errJSON,
	)
	if err != nil {
		return nil, mapErr("scan task", err)
	}

	if ownerKey != nil {
		task.OwnerKey = *ownerKey
	}
	task.Payload = payloadJSON
	task.Output = outputJSON
	task.CreatedToStartedTimeout = time.Duration(startTimeoutMs) * time.Millisecond
	task.StartedToCompletedTimeout = time.Duration(completeTimeoutMs) * time.Millisecond
	task.HeartbeatTimeout = time.Duration(heartbeatTimeoutMs) * time.Millisecond

	if errJSON != nil {
		var taskErr domain.TaskError
		if err := json.Unmarshal(errJSON, &taskErr); err != nil {
			return nil, fmt.Errorf("unmarshal task error: %w", err)
		}
		task.Error = &taskErr
	}

	return &task, nil
}

func marshalTaskError(e *domain.TaskError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal task error: %w", err)
	}
	return b, nil
}

func taskStateStrings(states []domain.TaskState) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

package repo

import (
	"context"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

const scheduleColumns = `
	id, name, group_key, frequency, state, starts_at, next_execution_at,
	last_scheduled_task_id, last_scheduled_task_state, payload, retry_max,
	created_to_started_timeout_ms, started_to_completed_timeout_ms,
	heartbeat_timeout_ms, created_at, updated_at, deleted_at`

// InsertSchedule создаёт новый schedule.
func (q *Queries) InsertSchedule(ctx context.Context, s *domain.Schedule) error {
	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := q.db.Exec(ctx, query,
		s.ID,
		s.Name,
		s.GroupKey,
		s.Frequency,
		s.State,
		s.StartsAt,
		s.NextExecutionAt,
		nullUUID(s.LastScheduledTaskID),
		s.LastScheduledTaskState,
		nullJSON(s.Payload),
		s.RetryMax,
		s.CreatedToStartedTimeout.Milliseconds(),
		s.StartedToCompletedTimeout.Milliseconds(),
		s.HeartbeatTimeout.Milliseconds(),
		s.CreatedAt,
		s.UpdatedAt,
		s.DeletedAt,
	)
	return mapErr("insert schedule", err)
}

// GetSchedule возвращает schedule по ID.
func (q *Queries) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	return scanSchedule(q.db.QueryRow(ctx, query, id))
}

// GetScheduleByName возвращает неудалённый schedule по имени.
func (q *Queries) GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE name = $1 AND state <> 'DELETED'`
	return scanSchedule(q.db.QueryRow(ctx, query, name))
}

// LockSchedule возвращает schedule, заблокировав строку.
func (q *Queries) LockSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1 FOR UPDATE`
	return scanSchedule(q.db.QueryRow(ctx, query, id))
}

// UpdateSchedule сохраняет изменяемые поля schedule.
func (q *Queries) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	query := `
		UPDATE schedules
		SET group_key = $2, frequency = $3, state = $4, starts_at = $5,
		    next_execution_at = $6, last_scheduled_task_id = $7,
		    last_scheduled_task_state = $8, payload = $9, retry_max = $10,
		    created_to_started_timeout_ms = $11, started_to_completed_timeout_ms = $12,
		    heartbeat_timeout_ms = $13, updated_at = $14, deleted_at = $15
		WHERE id = $1
	`
	result, err := q.db.Exec(ctx, query,
		s.ID,
		s.GroupKey,
		s.Frequency,
		s.State,
		s.StartsAt,
		s.NextExecutionAt,
		nullUUID(s.LastScheduledTaskID),
		s.LastScheduledTaskState,
		nullJSON(s.Payload),
		s.RetryMax,
		s.CreatedToStartedTimeout.Milliseconds(),
		s.StartedToCompletedTimeout.Milliseconds(),
		s.HeartbeatTimeout.Milliseconds(),
		s.UpdatedAt,
		s.DeletedAt,
	)
	if err != nil {
		return mapErr("update schedule", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchSchedules возвращает schedules по фильтру.
func (q *Queries) SearchSchedules(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE ($1::text[] IS NULL OR name = ANY($1))
		  AND ($2::text IS NULL OR group_key = $2)
		  AND ($3::text[] IS NULL OR state = ANY($3))
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := q.db.Query(ctx, query,
		nullStrings(filter.Names),
		nullString(filter.GroupKey),
		scheduleStateStrings(filter.States),
		limitOrDefault(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, mapErr("search schedules", err)
	}
	return collect(rows, scanSchedule)
}

// dueCondition — условие готовности schedule к срабатыванию.
const dueCondition = `
	state = 'STARTED'
	AND starts_at <= $1
	AND next_execution_at <= $1
	AND (last_scheduled_task_state IS NULL
	     OR last_scheduled_task_state IN ('SUCCEEDED', 'FAILED', 'EXPIRED', 'CANCELLED'))`

// ListDueScheduleIDs возвращает schedules, готовые к срабатыванию.
func (q *Queries) ListDueScheduleIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM schedules
		WHERE ` + dueCondition + `
		ORDER BY next_execution_at ASC
		LIMIT $2
	`
	rows, err := q.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, mapErr("list due schedules", err)
	}
	return collectIDs(rows)
}

// LockDueSchedule блокирует schedule, если он всё ещё готов к срабатыванию.
func (q *Queries) LockDueSchedule(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE id = $2 AND ` + dueCondition + `
		FOR UPDATE SKIP LOCKED
	`
	return scanSchedule(q.db.QueryRow(ctx, query, now, id))
}

// SetLastScheduledTaskState обновляет состояние последнего task schedule.
func (q *Queries) SetLastScheduledTaskState(ctx context.Context, scheduleID, taskID uuid.UUID, state domain.TaskState) error {
	query := `
		UPDATE schedules
		SET last_scheduled_task_state = $3
		WHERE id = $1 AND last_scheduled_task_id = $2
	`
	_, err := q.db.Exec(ctx, query, scheduleID, taskID, state)
	return mapErr("set last scheduled task state", err)
}

// DeleteSchedulesBefore удаляет пачку DELETED schedules.
func (q *Queries) DeleteSchedulesBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	query := `
		DELETE FROM schedules
		WHERE id IN (
			SELECT id FROM schedules
			WHERE state = 'DELETED' AND deleted_at < $1
			ORDER BY deleted_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`
	result, err := q.db.Exec(ctx, query, before, limit)
	if err != nil {
		return 0, mapErr("delete schedules", err)
	}
	return int(result.RowsAffected()), nil
}

func scanSchedule(row scanner) (*domain.Schedule, error) {
	var s domain.Schedule
	var payloadJSON []byte
	var startTimeoutMs, completeTimeoutMs, heartbeatTimeoutMs int64

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.GroupKey,
		&s.Frequency,
		&s.State,
		&s.StartsAt,
		&s.NextExecutionAt,
		&s.LastScheduledTaskID,
		&s.LastScheduledTaskState,
		&payloadJSON,
		&s.RetryMax,
		&startTimeoutMs,
		&completeTimeoutMs,
		&heartbeatTimeoutMs,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.DeletedAt,
	)
	if err != nil {
		return nil, mapErr("scan schedule", err)
	}

	s.Payload = payloadJSON
	s.CreatedToStartedTimeout = time.Duration(startTimeoutMs) * time.Millisecond
	s.StartedToCompletedTimeout = time.Duration(completeTimeoutMs) * time.Millisecond
	s.HeartbeatTimeout = time.Duration(heartbeatTimeoutMs) * time.Millisecond
	return &s, nil
}

func scheduleStateStrings(states []domain.ScheduleState) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func nullStrings(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	return ss
}

package repo

import (
	"context"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

const groupColumns = `key, max_concurrency, created_at, last_modified_at, last_task_added_at, deleted_at`

// GetGroup возвращает группу по ключу.
func (q *Queries) GetGroup(ctx context.Context, key string) (*domain.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE key = $1`
	return scanGroup(q.db.QueryRow(ctx, query, key))
}

// LockGroup возвращает группу, заблокировав строку.
func (q *Queries) LockGroup(ctx context.Context, key string) (*domain.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE key = $1 FOR UPDATE`
	return scanGroup(q.db.QueryRow(ctx, query, key))
}

// TouchGroup создаёт группу или отмечает добавление task.
// Мягко удалённая группа восстанавливается.
func (q *Queries) TouchGroup(ctx context.Context, key string, maxConcurrency *int, now time.Time) (*domain.Group, error) {
	query := `
		INSERT INTO groups (key, max_concurrency, created_at, last_modified_at, last_task_added_at)
		VALUES ($1, $2, $3, $3, $3)
		ON CONFLICT (key) DO UPDATE
		SET last_task_added_at = EXCLUDED.last_task_added_at,
		    deleted_at = NULL,
		    max_concurrency = CASE WHEN $4 THEN EXCLUDED.max_concurrency ELSE groups.max_concurrency END,
		    last_modified_at = CASE WHEN $4 THEN EXCLUDED.last_modified_at ELSE groups.last_modified_at END
		RETURNING ` + groupColumns
	return scanGroup(q.db.QueryRow(ctx, query, key, maxConcurrency, now, maxConcurrency != nil))
}

// SetGroupMaxConcurrency задаёт лимит группы, создавая её при необходимости.
// nil снимает ограничение.
func (q *Queries) SetGroupMaxConcurrency(ctx context.Context, key string, maxConcurrency *int, now time.Time) (*domain.Group, error) {
	query := `
		INSERT INTO groups (key, max_concurrency, created_at, last_modified_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (key) DO UPDATE
		SET max_concurrency = EXCLUDED.max_concurrency,
		    last_modified_at = EXCLUDED.last_modified_at,
		    deleted_at = NULL
		RETURNING ` + groupColumns
	return scanGroup(q.db.QueryRow(ctx, query, key, maxConcurrency, now))
}

// SoftDeleteIdleGroups помечает удалёнными группы без tasks.
func (q *Queries) SoftDeleteIdleGroups(ctx context.Context, before, now time.Time) (int, error) {
	query := `
		UPDATE groups g
		SET deleted_at = $2
		WHERE g.deleted_at IS NULL
		  AND COALESCE(g.last_task_added_at, g.created_at) < $1
		  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.group_key = g.key)
	`
	result, err := q.db.Exec(ctx, query, before, now)
	if err != nil {
		return 0, mapErr("soft delete groups", err)
	}
	return int(result.RowsAffected()), nil
}

func scanGroup(row scanner) (*domain.Group, error) {
	var g domain.Group
	err := row.Scan(
		&g.Key,
		&g.MaxConcurrency,
		&g.CreatedAt,
		&g.LastModifiedAt,
		&g.LastTaskAddedAt,
		&g.DeletedAt,
	)
	if err != nil {
		return nil, mapErr("scan group", err)
	}
	return &g, nil
}

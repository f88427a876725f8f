package domain

import "time"

// Group — concurrency group: ограничивает число одновременно STARTED tasks.
//
// MaxConcurrency == nil — без ограничения (группа создана неявно).
// MaxConcurrency == 0 — группа заблокирована, ни один task не стартует.
type Group struct {
	Key             string     `json:"key"`
	MaxConcurrency  *int       `json:"max_concurrency"`
	CreatedAt       time.Time  `json:"created_at"`
	LastModifiedAt  time.Time  `json:"last_modified_at"`
	LastTaskAddedAt *time.Time `json:"last_task_added_at,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// Admits проверяет, можно ли стартовать ещё один task при started уже запущенных.
func (g *Group) Admits(started int) bool {
	if g == nil || g.DeletedAt != nil || g.MaxConcurrency == nil {
		return true
	}
	return started < *g.MaxConcurrency
}

// Capacity возвращает, сколько ещё tasks можно стартовать.
// Для группы без ограничения возвращает limit.
func (g *Group) Capacity(started, limit int) int {
	if g == nil || g.DeletedAt != nil || g.MaxConcurrency == nil {
		return limit
	}
	free := *g.MaxConcurrency - started
	if free < 0 {
		return 0
	}
	return min(free, limit)
}

package repo

import (
	"context"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

// Store — транзакционное хранилище.
//
// Все чтения и изменения выполняются внутри WithTx: fn получает Querier,
// привязанный к одной транзакции. Если fn возвращает ошибку, транзакция
// откатывается целиком.
type Store interface {
	WithTx(ctx context.Context, fn func(q Querier) error) error

	// WithLock выполняет fn под advisory lock key, который держится
	// между транзакциями. Возвращает false без вызова fn, если lock
	// держит другой процесс.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error)
}

// Querier — набор запросов к хранилищу в рамках одной транзакции.
type Querier interface {
	TaskQueries
	GroupQueries
	ScheduleQueries
	NodeQueries
	DeploymentQueries
	OverrideQueries
}

// TaskQueries — запросы к tasks.
type TaskQueries interface {
	InsertTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// LockTask блокирует строку (FOR UPDATE NOWAIT).
	// Если строка уже заблокирована, возвращает ErrConflict.
	LockTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// FindActiveTaskByOwnerKey ищет нефинальный task с owner key.
	FindActiveTaskByOwnerKey(ctx context.Context, ownerKey string) (*domain.Task, error)

	// UpdateTaskState сохраняет состояние, timestamps, output и error.
	UpdateTaskState(ctx context.Context, task *domain.Task) error

	// TouchHeartbeat обновляет last_heartbeat_at у STARTED task.
	// ErrNotFound — task нет; ErrInvalidState — task не в STARTED.
	TouchHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error

	SearchTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
	CountTasksInState(ctx context.Context, groupKey string, state domain.TaskState) (int, error)

	// CountActiveTasks считает CREATED и STARTED tasks группы.
	// Пустой groupKey — по всем группам.
	CountActiveTasks(ctx context.Context, groupKey string) (int, error)

	// LockReadyTasks блокирует готовые к старту CREATED tasks группы
	// (FOR UPDATE SKIP LOCKED), в порядке starts_after.
	LockReadyTasks(ctx context.Context, groupKey string, now time.Time, limit int) ([]domain.Task, error)

	ListExpiredCreatedTasks(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListTimedOutStartedTasks(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListRetryableFailedTasks(ctx context.Context, limit int) ([]uuid.UUID, error)

	// HasRetrySuccessor проверяет, есть ли в цепочке повторов task
	// с большим retry_count.
	HasRetrySuccessor(ctx context.Context, retryKey string, retryCount int) (bool, error)

	// DeleteTerminalTasks удаляет финальные tasks старше before.
	// Tasks, на которые ссылается schedule как на последний, не удаляются.
	DeleteTerminalTasks(ctx context.Context, before time.Time, limit int) (int, error)
}

// GroupQueries — запросы к concurrency groups.
type GroupQueries interface {
	GetGroup(ctx context.Context, key string) (*domain.Group, error)

	// LockGroup блокирует строку группы (FOR UPDATE).
	LockGroup(ctx context.Context, key string) (*domain.Group, error)

	// TouchGroup создаёт группу или обновляет last_task_added_at.
	// Если maxConcurrency != nil, лимит перезаписывается.
	TouchGroup(ctx context.Context, key string, maxConcurrency *int, now time.Time) (*domain.Group, error)

	SetGroupMaxConcurrency(ctx context.Context, key string, maxConcurrency *int, now time.Time) (*domain.Group, error)

	// SoftDeleteIdleGroups помечает удалёнными группы без tasks,
	// в которые ничего не добавляли с before.
	SoftDeleteIdleGroups(ctx context.Context, before, now time.Time) (int, error)
}

// ScheduleQueries — запросы к schedules.
type ScheduleQueries interface {
	// InsertSchedule создаёт schedule. Занятое имя — ErrAlreadyExists.
	InsertSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error)
	LockSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	SearchSchedules(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error)

	ListDueScheduleIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// LockDueSchedule блокирует schedule (FOR UPDATE SKIP LOCKED) и
	// повторно проверяет, что он всё ещё due. Иначе — ErrNotFound.
	LockDueSchedule(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Schedule, error)

	// SetLastScheduledTaskState синхронизирует денормализованное состояние
	// последнего task, если schedule всё ещё ссылается на taskID.
	SetLastScheduledTaskState(ctx context.Context, scheduleID, taskID uuid.UUID, state domain.TaskState) error

	// DeleteSchedulesBefore физически удаляет DELETED schedules.
	DeleteSchedulesBefore(ctx context.Context, before time.Time, limit int) (int, error)
}

// NodeQueries — запросы к nodes.
type NodeQueries interface {
	InsertNode(ctx context.Context, n *domain.Node) error
	GetNode(ctx context.Context, id uuid.UUID) (*domain.Node, error)
	LockNode(ctx context.Context, id uuid.UUID) (*domain.Node, error)
	UpdateNode(ctx context.Context, n *domain.Node) error
	SearchNodes(ctx context.Context, filter NodeFilter) ([]domain.Node, error)
	DeleteNode(ctx context.Context, id uuid.UUID) error
}

// DeploymentQueries — запросы к deployments.
type DeploymentQueries interface {
	InsertDeployment(ctx context.Context, d *domain.Deployment) error

	// ActivateDeployment делает deployment активным, снимая флаг
	// с предыдущего.
	ActivateDeployment(ctx context.Context, id uuid.UUID, now time.Time) error
	GetActiveDeployment(ctx context.Context) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error)
}

// OverrideQueries — запросы к node config overrides.
type OverrideQueries interface {
	UpsertNodeConfigOverride(ctx context.Context, o *domain.NodeConfigOverride) error
	DeleteNodeConfigOverride(ctx context.Context, routingID string) error

	// ListNodeConfigOverrides возвращает overrides; пустой routingIDs — все.
	ListNodeConfigOverrides(ctx context.Context, routingIDs []string) ([]domain.NodeConfigOverride, error)
}

// TaskFilter — параметры поиска tasks.
type TaskFilter struct {
	IDs           []uuid.UUID
	GroupKey      string
	States        []domain.TaskState
	Name          string
	OwnerKey      string
	RetryKey      string
	ScheduleID    *uuid.UUID
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// ScheduleFilter — параметры поиска schedules.
type ScheduleFilter struct {
	Names    []string
	GroupKey string
	States   []domain.ScheduleState
	Limit    int
	Offset   int
}

// NodeFilter — параметры поиска nodes.
type NodeFilter struct {
	RoutingID string
	States    []domain.NodeState
	Limit     int
}

// DefaultSearchLimit применяется, когда фильтр не задаёт Limit.
const DefaultSearchLimit = 100

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	return limit
}

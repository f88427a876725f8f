package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

// TaskProps — параметры нового task.
type TaskProps struct {
	Name     string
	GroupKey string

	// GroupMaxConcurrency, если задан, перезаписывает лимит группы.
	GroupMaxConcurrency *int

	Payload  json.RawMessage
	OwnerKey string

	// RetryKey по умолчанию равен ID нового task.
	RetryKey string
	RetryMax int

	// StartsAfter по умолчанию — момент создания.
	StartsAfter time.Time

	// Нулевые таймауты заменяются значениями по умолчанию.
	CreatedToStartedTimeout   time.Duration
	StartedToCompletedTimeout time.Duration
	HeartbeatTimeout          time.Duration

	scheduleID *uuid.UUID
}

func (p TaskProps) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if p.GroupKey == "" {
		return fmt.Errorf("%w: group_key is required", ErrInvalidArgument)
	}
	if p.RetryMax < 0 {
		return fmt.Errorf("%w: retry_max must be >= 0", ErrInvalidArgument)
	}
	if p.GroupMaxConcurrency != nil && *p.GroupMaxConcurrency < 0 {
		return fmt.Errorf("%w: group max_concurrency must be >= 0", ErrInvalidArgument)
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}
	return nil
}

// Enqueue создаёт task в состоянии CREATED.
//
// Если задан OwnerKey и уже есть нефинальный task с этим ключом,
// возвращается существующий task, новый не создаётся.
func (s *Scheduler) Enqueue(ctx context.Context, props TaskProps) (*domain.Task, error) {
	if err := props.validate(); err != nil {
		return nil, err
	}

	var task *domain.Task
	err := s.inTx(ctx, func(q repo.Querier, emit func(domain.Task)) error {
		t, created, err := s.createTask(ctx, q, props, s.clock())
		if err != nil {
			return err
		}
		if created {
			emit(*t)
		}
		task = t
		return nil
	})

	// Гонка на уникальном индексе owner_key: другой producer успел создать
	// task между проверкой и вставкой. Перечитываем победителя.
	if errors.Is(err, repo.ErrAlreadyExists) && props.OwnerKey != "" {
		err = s.store.WithTx(ctx, func(q repo.Querier) error {
			t, err := q.FindActiveTaskByOwnerKey(ctx, props.OwnerKey)
			task = t
			return err
		})
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// createTask создаёт task внутри транзакции.
// Возвращает created=false, если найден активный task с тем же owner key.
func (s *Scheduler) createTask(ctx context.Context, q repo.Querier, props TaskProps, now time.Time) (*domain.Task, bool, error) {
	if props.OwnerKey != "" {
		existing, err := q.FindActiveTaskByOwnerKey(ctx, props.OwnerKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, false, fmt.Errorf("find task by owner key: %w", err)
		}
	}

	if _, err := q.TouchGroup(ctx, props.GroupKey, props.GroupMaxConcurrency, now); err != nil {
		return nil, false, fmt.Errorf("touch group: %w", err)
	}

	id := uuid.New()
	retryKey := props.RetryKey
	if retryKey == "" {
		retryKey = id.String()
	}
	startsAfter := props.StartsAfter.UTC()
	if props.StartsAfter.IsZero() {
		startsAfter = now
	}

	task := &domain.Task{
		ID:                        id,
		Name:                      props.Name,
		GroupKey:                  props.GroupKey,
		Payload:                   props.Payload,
		OwnerKey:                  props.OwnerKey,
		RetryKey:                  retryKey,
		RetryMax:                  props.RetryMax,
		ScheduleID:                props.scheduleID,
		State:                     domain.TaskStateCreated,
		StartsAfter:               startsAfter,
		CreatedToStartedTimeout:   orDefault(props.CreatedToStartedTimeout, s.defaults.CreatedToStartedTimeout),
		StartedToCompletedTimeout: orDefault(props.StartedToCompletedTimeout, s.defaults.StartedToCompletedTimeout),
		HeartbeatTimeout:          orDefault(props.HeartbeatTimeout, s.defaults.HeartbeatTimeout),
		CreatedAt:                 now,
		LastStateTransitionAt:     now,
	}
	if err := q.InsertTask(ctx, task); err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	return task, true, nil
}

// Start переводит task в STARTED, если группа допускает ещё один
// одновременно выполняющийся task.
func (s *Scheduler) Start(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var task *domain.Task
	err := s.inTx(ctx, func(q repo.Querier, emit func(domain.Task)) error {
		current, err := q.GetTask(ctx, id)
		if err != nil {
			return err
		}

		// Группа блокируется до task: все стартующие в группе
		// сериализуются на этой строке.
		group, err := q.LockGroup(ctx, current.GroupKey)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("lock group: %w", err)
		}

		t, err := q.LockTask(ctx, id)
		if err != nil {
			return err
		}
		if t.State != domain.TaskStateCreated {
			return fmt.Errorf("start task %s in state %s: %w", id, t.State, ErrInvalidStateTransition)
		}

		if err := s.admit(ctx, q, group, t.GroupKey); err != nil {
			return fmt.Errorf("start task %s: %w", id, err)
		}

		if err := s.applyTransition(ctx, q, t, func(t *domain.Task, now time.Time) error {
			return t.TransitionTo(domain.TaskStateStarted, now)
		}); err != nil {
			return err
		}
		emit(*t)
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Dequeue атомарно стартует до limit готовых tasks группы,
// но не больше свободной ёмкости группы.
func (s *Scheduler) Dequeue(ctx context.Context, groupKey string, limit int) ([]domain.Task, error) {
	if groupKey == "" {
		return nil, fmt.Errorf("%w: group_key is required", ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidArgument)
	}

	var tasks []domain.Task
	err := s.inTx(ctx, func(q repo.Querier, emit func(domain.Task)) error {
		tasks = nil
		group, err := q.LockGroup(ctx, groupKey)
		if errors.Is(err, repo.ErrNotFound) {
			// Группа создаётся при первом Enqueue: tasks в ней ещё нет.
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock group: %w", err)
		}

		capacity, err := s.capacity(ctx, q, group, groupKey, limit)
		if err != nil || capacity == 0 {
			return err
		}

		now := s.clock()
		ready, err := q.LockReadyTasks(ctx, groupKey, now, capacity)
		if err != nil {
			return fmt.Errorf("lock ready tasks: %w", err)
		}

		for i := range ready {
			t := &ready[i]
			if err := s.applyTransition(ctx, q, t, func(t *domain.Task, now time.Time) error {
				return t.TransitionTo(domain.TaskStateStarted, now)
			}); err != nil {
				return err
			}
			emit(*t)
			tasks = append(tasks, *t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return tasks, nil
}

// Heartbeat продлевает жизнь STARTED task.
func (s *Scheduler) Heartbeat(ctx context.Context, id uuid.UUID) error {
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		return q.TouchHeartbeat(ctx, id, s.clock())
	})
	if errors.Is(err, repo.ErrInvalidState) {
		return fmt.Errorf("heartbeat task %s: %w", id, ErrInvalidStateTransition)
	}
	return err
}

// Succeed завершает task успешно.
func (s *Scheduler) Succeed(ctx context.Context, id uuid.UUID, output json.RawMessage) (*domain.Task, error) {
	if len(output) > 0 && !json.Valid(output) {
		return nil, fmt.Errorf("%w: output is not valid JSON", ErrInvalidArgument)
	}
	return s.transition(ctx, id, func(t *domain.Task, now time.Time) error {
		return t.MarkSucceeded(output, now)
	})
}

// Fail завершает task с ошибкой. Если ошибка retryable и retry_max
// не исчерпан, в той же транзакции создаётся следующая попытка
// с starts_after = now + backoff.
func (s *Scheduler) Fail(ctx context.Context, id uuid.UUID, taskErr domain.TaskError) (*domain.Task, error) {
	return s.transition(ctx, id, func(t *domain.Task, now time.Time) error {
		return t.MarkFailed(taskErr, now)
	})
}

// Cancel отменяет CREATED или STARTED task. Событие CANCELLED —
// сигнал runner'у прекратить выполнение.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID, reason string) (*domain.Task, error) {
	return s.transition(ctx, id, func(t *domain.Task, now time.Time) error {
		if err := t.TransitionTo(domain.TaskStateCancelled, now); err != nil {
			return err
		}
		t.Error = &domain.TaskError{Type: domain.ErrorTypeCancelled, Message: reason}
		return nil
	})
}

// Get возвращает task по ID.
func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var task *domain.Task
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		t, err := q.GetTask(ctx, id)
		task = t
		return err
	})
	return task, err
}

// Search ищет tasks по фильтру.
func (s *Scheduler) Search(ctx context.Context, filter repo.TaskFilter) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		t, err := q.SearchTasks(ctx, filter)
		tasks = t
		return err
	})
	return tasks, err
}

// transition блокирует task, применяет apply и сохраняет результат.
func (s *Scheduler) transition(ctx context.Context, id uuid.UUID, apply func(t *domain.Task, now time.Time) error) (*domain.Task, error) {
	var task *domain.Task
	err := s.inTx(ctx, func(q repo.Querier, emit func(domain.Task)) error {
		t, err := q.LockTask(ctx, id)
		if err != nil {
			return err
		}
		if err := s.applyTransition(ctx, q, t, apply); err != nil {
			return err
		}
		emit(*t)
		if _, err := s.retryFailed(ctx, q, t, emit); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// applyTransition применяет переход к уже заблокированному task, сохраняет
// его и синхронизирует состояние последнего task у schedule.
func (s *Scheduler) applyTransition(ctx context.Context, q repo.Querier, t *domain.Task, apply func(t *domain.Task, now time.Time) error) error {
	if err := apply(t, s.clock()); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if err := q.UpdateTaskState(ctx, t); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if t.ScheduleID != nil {
		if err := q.SetLastScheduledTaskState(ctx, *t.ScheduleID, t.ID, t.State); err != nil {
			return fmt.Errorf("sync schedule state: %w", err)
		}
	}
	return nil
}

// GetGroup возвращает concurrency group.
func (s *Scheduler) GetGroup(ctx context.Context, key string) (*domain.Group, error) {
	var group *domain.Group
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		g, err := q.GetGroup(ctx, key)
		group = g
		return err
	})
	return group, err
}

// SetGroupConcurrency задаёт лимит группы. nil снимает ограничение.
func (s *Scheduler) SetGroupConcurrency(ctx context.Context, key string, maxConcurrency *int) (*domain.Group, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: group key is required", ErrInvalidArgument)
	}
	if maxConcurrency != nil && *maxConcurrency < 0 {
		return nil, fmt.Errorf("%w: max_concurrency must be >= 0", ErrInvalidArgument)
	}

	var group *domain.Group
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		g, err := q.SetGroupMaxConcurrency(ctx, key, maxConcurrency, s.clock())
		group = g
		return err
	})
	return group, err
}

// CountActive считает CREATED и STARTED tasks. Пустой groupKey — все группы.
func (s *Scheduler) CountActive(ctx context.Context, groupKey string) (int, error) {
	var n int
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		var err error
		n, err = q.CountActiveTasks(ctx, groupKey)
		return err
	})
	return n, err
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

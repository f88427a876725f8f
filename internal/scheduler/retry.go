package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

// BackoffPolicy — экспоненциальная задержка между попытками.
type BackoffPolicy struct {
	Initial time.Duration // задержка перед первым повтором (default: 1s)
	Max     time.Duration // потолок задержки (default: 5m)
}

// Delay возвращает задержку перед повтором номер retryCount+1.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	delay := initial
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// retryTask создаёт следующую попытку для FAILED task, если она не была
// создана вместе с переходом в FAILED.
func (m *Monitor) retryTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var retry *domain.Task
	err := m.sched.inTx(ctx, func(q repo.Querier, emit func(domain.Task)) error {
		failed, err := q.LockTask(ctx, id)
		if err != nil {
			return err
		}
		next, err := m.sched.scheduleRetry(ctx, q, failed)
		if err != nil || next == nil {
			return err
		}
		emit(*next)
		retry = next
		return nil
	})
	return retry, err
}

// retryFailed создаёт повтор для task, только что переведённого
// в FAILED, в той же транзакции.
func (s *Scheduler) retryFailed(ctx context.Context, q repo.Querier, t *domain.Task, emit func(domain.Task)) (*domain.Task, error) {
	if t.State != domain.TaskStateFailed {
		return nil, nil
	}
	next, err := s.scheduleRetry(ctx, q, t)
	if err != nil {
		return nil, fmt.Errorf("retry task %s: %w", t.ID, err)
	}
	if next != nil {
		emit(*next)
	}
	return next, nil
}

// scheduleRetry вставляет следующую попытку для заблокированного FAILED
// task. Возвращает nil, если повтор не положен или уже существует.
//
// Schedule переводится на повтор в той же транзакции: пока цепочка
// повторов жива, у schedule есть task в полёте и следующий слот
// не создаётся.
func (s *Scheduler) scheduleRetry(ctx context.Context, q repo.Querier, failed *domain.Task) (*domain.Task, error) {
	if !failed.CanRetry() {
		return nil, nil
	}

	exists, err := q.HasRetrySuccessor(ctx, failed.RetryKey, failed.RetryCount)
	if err != nil {
		return nil, fmt.Errorf("check retry successor: %w", err)
	}
	if exists {
		return nil, nil
	}

	// Пока активен task с тем же owner key, повтор не создаётся:
	// следующий тик Monitor проверит снова.
	if failed.OwnerKey != "" {
		_, err := q.FindActiveTaskByOwnerKey(ctx, failed.OwnerKey)
		if err == nil {
			s.logger.Debug("retry deferred, owner key is busy",
				"task_id", failed.ID,
				"owner_key", failed.OwnerKey,
			)
			return nil, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("find task by owner key: %w", err)
		}
	}

	var sched *domain.Schedule
	if failed.ScheduleID != nil {
		sched, err = q.LockSchedule(ctx, *failed.ScheduleID)
		if errors.Is(err, repo.ErrNotFound) {
			sched = nil
		} else if err != nil {
			return nil, fmt.Errorf("lock schedule: %w", err)
		}
		// Schedule уже запустил следующий слот: второй task в полёте
		// для одного schedule недопустим.
		if sched != nil && !pointsAt(sched, failed.ID) && sched.HasTaskInFlight() {
			s.logger.Debug("retry dropped, schedule has a task in flight",
				"task_id", failed.ID,
				"schedule_id", sched.ID,
			)
			return nil, nil
		}
	}

	now := s.clock()
	if _, err := q.TouchGroup(ctx, failed.GroupKey, nil, now); err != nil {
		return nil, fmt.Errorf("touch group: %w", err)
	}

	next := failed.NewRetry(now, now.Add(s.backoff.Delay(failed.RetryCount)))
	if err := q.InsertTask(ctx, next); err != nil {
		return nil, fmt.Errorf("insert retry: %w", err)
	}

	if sched != nil && pointsAt(sched, failed.ID) {
		id, state := next.ID, next.State
		sched.LastScheduledTaskID = &id
		sched.LastScheduledTaskState = &state
		sched.UpdatedAt = now
		if err := q.UpdateSchedule(ctx, sched); err != nil {
			return nil, fmt.Errorf("update schedule: %w", err)
		}
	}

	s.logger.Info("retry scheduled",
		"task_id", failed.ID,
		"retry_id", next.ID,
		"retry_count", next.RetryCount,
		"starts_after", next.StartsAfter,
	)
	return next, nil
}

func pointsAt(s *domain.Schedule, taskID uuid.UUID) bool {
	return s.LastScheduledTaskID != nil && *s.LastScheduledTaskID == taskID
}

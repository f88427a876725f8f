package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

// MonitorConfig — параметры Monitoring Worker.
type MonitorConfig struct {
	BatchSize int
}

// Monitor — Monitoring Worker: истекает невзятые tasks и валит зависшие.
// Повторы создаются вместе с переходом в FAILED; проход по FAILED tasks
// добирает те, что были отложены из-за занятого owner key.
type Monitor struct {
	sched     *Scheduler
	logger    *slog.Logger
	batchSize int
}

// NewMonitor создаёт Monitor.
func NewMonitor(sched *Scheduler, cfg MonitorConfig) *Monitor {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Monitor{
		sched:     sched,
		logger:    sched.logger.With("component", "monitor"),
		batchSize: batchSize,
	}
}

// MonitorResult — итог одного тика.
type MonitorResult struct {
	Expired  int
	TimedOut int
	Retried  int
}

// Tick выполняет один проход Monitoring Worker'а.
func (m *Monitor) Tick(ctx context.Context) error {
	_, err := m.Run(ctx)
	return err
}

// Run выполняет один проход и возвращает счётчики.
//
// Каждый task обрабатывается в своей транзакции. Task, заблокированный
// другой транзакцией, пропускается до следующего тика.
func (m *Monitor) Run(ctx context.Context) (MonitorResult, error) {
	var res MonitorResult
	now := m.sched.clock()

	expired, err := m.listIDs(ctx, func(q repo.Querier) ([]uuid.UUID, error) {
		return q.ListExpiredCreatedTasks(ctx, now, m.batchSize)
	})
	if err != nil {
		return res, fmt.Errorf("list expired tasks: %w", err)
	}
	for _, id := range expired {
		if ok := m.handle(ctx, id, "expire", m.expireTask); ok {
			res.Expired++
		}
	}

	timedOut, err := m.listIDs(ctx, func(q repo.Querier) ([]uuid.UUID, error) {
		return q.ListTimedOutStartedTasks(ctx, now, m.batchSize)
	})
	if err != nil {
		return res, fmt.Errorf("list timed out tasks: %w", err)
	}
	for _, id := range timedOut {
		var retry *domain.Task
		ok := m.handle(ctx, id, "timeout", func(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
			t, next, err := m.failTimedOutTask(ctx, id)
			retry = next
			return t, err
		})
		if ok {
			res.TimedOut++
			if retry != nil {
				res.Retried++
			}
		}
	}

	retryable, err := m.listIDs(ctx, func(q repo.Querier) ([]uuid.UUID, error) {
		return q.ListRetryableFailedTasks(ctx, m.batchSize)
	})
	if err != nil {
		return res, fmt.Errorf("list retryable tasks: %w", err)
	}
	for _, id := range retryable {
		if ok := m.handle(ctx, id, "retry", m.retryTask); ok {
			res.Retried++
		}
	}

	if res != (MonitorResult{}) {
		m.logger.Info("monitor tick completed",
			"expired", res.Expired,
			"timed_out", res.TimedOut,
			"retried", res.Retried,
		)
	}
	return res, nil
}

func (m *Monitor) listIDs(ctx context.Context, list func(q repo.Querier) ([]uuid.UUID, error)) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := m.sched.store.WithTx(ctx, func(q repo.Querier) error {
		v, err := list(q)
		ids = v
		return err
	})
	return ids, err
}

// handle выполняет действие над одним task и логирует ошибку.
// Возвращает true, если действие что-то изменило.
func (m *Monitor) handle(ctx context.Context, id uuid.UUID, action string, fn func(context.Context, uuid.UUID) (*domain.Task, error)) bool {
	t, err := fn(ctx, id)
	switch {
	case errors.Is(err, ErrConflict):
		m.logger.Debug("task locked, skipping", "task_id", id, "action", action)
		return false
	case err != nil:
		m.logger.Error("monitor action failed", "task_id", id, "action", action, "error", err)
		return false
	}
	return t != nil
}

// expireTask переводит CREATED task с истёкшим сроком старта в EXPIRED.
func (m *Monitor) expireTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, _, err := m.transitionIf(ctx, id, func(t *domain.Task, now time.Time) (bool, error) {
		if t.State != domain.TaskStateCreated || !now.After(t.StartDeadline()) {
			return false, nil
		}
		if err := t.TransitionTo(domain.TaskStateExpired, now); err != nil {
			return false, err
		}
		t.Error = &domain.TaskError{
			Type:    domain.ErrorTypeStartDeadlineExceeded,
			Message: fmt.Sprintf("not started within %s", t.CreatedToStartedTimeout),
		}
		return true, nil
	})
	return t, err
}

// failTimedOutTask валит STARTED task без heartbeat или превысивший
// время выполнения. Превышение времени выполнения проверяется первым
// и повтор для него не положен. Второй результат — созданный повтор.
func (m *Monitor) failTimedOutTask(ctx context.Context, id uuid.UUID) (*domain.Task, *domain.Task, error) {
	return m.transitionIf(ctx, id, func(t *domain.Task, now time.Time) (bool, error) {
		if t.State != domain.TaskStateStarted {
			return false, nil
		}

		var taskErr domain.TaskError
		switch {
		case now.After(t.CompletionDeadline()):
			taskErr = domain.TaskError{
				Type:    domain.ErrorTypeCompletionTimeout,
				Message: fmt.Sprintf("not completed within %s", t.StartedToCompletedTimeout),
			}
		case now.After(t.HeartbeatDeadline()):
			taskErr = domain.TaskError{
				Type:      domain.ErrorTypeHeartbeatTimeout,
				Message:   fmt.Sprintf("no heartbeat for %s", t.HeartbeatTimeout),
				Retryable: true,
			}
		default:
			return false, nil
		}
		return true, t.MarkFailed(taskErr, now)
	})
}

// transitionIf блокирует task и применяет apply, если условие всё ещё
// выполняется. Возвращает nil, если task не изменился. Для task,
// упавшего с retryable ошибкой, вторым результатом возвращается повтор.
func (m *Monitor) transitionIf(ctx context.Context, id uuid.UUID, apply func(t *domain.Task, now time.Time) (bool, error)) (*domain.Task, *domain.Task, error) {
	var changed, retry *domain.Task
	err := m.sched.inTx(ctx, func(q repo.Querier, emit func(domain.Task)) error {
		changed, retry = nil, nil
		t, err := q.LockTask(ctx, id)
		if err != nil {
			return err
		}

		var ok bool
		err = m.sched.applyTransition(ctx, q, t, func(t *domain.Task, now time.Time) error {
			var err error
			ok, err = apply(t, now)
			if err == nil && !ok {
				return errSkip
			}
			return err
		})
		if errors.Is(err, errSkip) {
			return nil
		}
		if err != nil {
			return err
		}

		emit(*t)
		next, err := m.sched.retryFailed(ctx, q, t, emit)
		if err != nil {
			return err
		}
		changed, retry = t, next
		m.logger.Info("monitor moved task",
			"task_id", t.ID,
			"state", t.State,
			"error_type", t.Error.Type,
		)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return changed, retry, nil
}

// errSkip прерывает applyTransition без изменения task.
var errSkip = errors.New("skip")

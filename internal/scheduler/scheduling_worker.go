package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	"github.com/google/uuid"
)

const defaultBatchSize = 100

// ScheduleWorker — Scheduling Worker: превращает due schedules в tasks.
type ScheduleWorker struct {
	sched     *Scheduler
	logger    *slog.Logger
	batchSize int
}

// NewScheduleWorker создаёт ScheduleWorker. batchSize <= 0 — 100.
func NewScheduleWorker(sched *Scheduler, batchSize int) *ScheduleWorker {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ScheduleWorker{
		sched:     sched,
		logger:    sched.logger.With("component", "scheduling"),
		batchSize: batchSize,
	}
}

// Tick выполняет один проход:
//
//  1. Находит due schedules (STARTED, next_execution_at <= now,
//     предыдущий task завершён).
//  2. Для каждого в отдельной транзакции создаёт task и сдвигает
//     next_execution_at.
//
// Ошибка одного schedule не останавливает обработку остальных.
func (w *ScheduleWorker) Tick(ctx context.Context) error {
	now := w.sched.clock()

	var ids []uuid.UUID
	err := w.sched.store.WithTx(ctx, func(q repo.Querier) error {
		v, err := q.ListDueScheduleIDs(ctx, now, w.batchSize)
		ids = v
		return err
	})
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	var created int
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, err := w.processSchedule(ctx, id)
		if err != nil {
			w.logger.Error("failed to process schedule", "schedule_id", id, "error", err)
			continue
		}
		if ok {
			created++
		}
	}

	w.logger.Info("scheduling tick completed", "due", len(ids), "tasks_created", created)
	return nil
}

// processSchedule создаёт task для одного schedule.
// Возвращает false, если schedule перестал быть due или его держит
// другой экземпляр воркера.
func (w *ScheduleWorker) processSchedule(ctx context.Context, id uuid.UUID) (bool, error) {
	var created bool
	err := w.sched.inTx(ctx, func(q repo.Querier, emit func(domain.Task)) error {
		now := w.sched.clock()

		sched, err := q.LockDueSchedule(ctx, id, now)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock schedule: %w", err)
		}

		freq, err := ParseFrequency(sched.Frequency)
		if err != nil {
			return err
		}

		scheduleID := sched.ID
		slot := sched.NextExecutionAt
		task, isNew, err := w.sched.createTask(ctx, q, TaskProps{
			Name:                      fmt.Sprintf("%s:%s", sched.Name, slot.Format(time.RFC3339)),
			GroupKey:                  sched.GroupKey,
			Payload:                   sched.Payload,
			OwnerKey:                  fmt.Sprintf("schedule:%s:%d", sched.ID, slot.Unix()),
			RetryMax:                  sched.RetryMax,
			StartsAfter:               now,
			CreatedToStartedTimeout:   sched.CreatedToStartedTimeout,
			StartedToCompletedTimeout: sched.StartedToCompletedTimeout,
			HeartbeatTimeout:          sched.HeartbeatTimeout,
			scheduleID:                &scheduleID,
		}, now)
		if err != nil {
			return err
		}

		sched.RecordTask(task, freq.Next(slot, now), now)
		if err := q.UpdateSchedule(ctx, sched); err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}

		if isNew {
			emit(*task)
		}
		created = isNew

		telemetry.WithScheduleID(w.logger, sched.ID.String()).Debug("scheduled task created",
			"task_id", task.ID,
			"slot", slot,
			"next_execution_at", sched.NextExecutionAt,
		)
		return nil
	})
	return created, err
}

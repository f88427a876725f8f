package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/repo"
)

// CleanerConfig — параметры Cleanup Worker.
type CleanerConfig struct {
	// Retention — сколько хранятся финальные tasks и удалённые schedules.
	Retention time.Duration

	// Budget — максимальная длительность одного тика.
	Budget time.Duration

	BatchSize int
}

// CleanupResult — итог одного тика очистки.
type CleanupResult struct {
	Tasks     int
	Schedules int
	Groups    int
}

// Cleaner — Cleanup Worker.
type Cleaner struct {
	sched     *Scheduler
	logger    *slog.Logger
	retention time.Duration
	budget    time.Duration
	batchSize int
}

// NewCleaner создаёт Cleaner. Retention по умолчанию — 30 дней,
// Budget — 30 секунд.
func NewCleaner(sched *Scheduler, cfg CleanerConfig) *Cleaner {
	c := &Cleaner{
		sched:     sched,
		logger:    sched.logger.With("component", "cleanup"),
		retention: cfg.Retention,
		budget:    cfg.Budget,
		batchSize: cfg.BatchSize,
	}
	if c.retention <= 0 {
		c.retention = 30 * 24 * time.Hour
	}
	if c.budget <= 0 {
		c.budget = 30 * time.Second
	}
	if c.batchSize <= 0 {
		c.batchSize = 1000
	}
	return c
}

// Tick выполняет один проход очистки.
func (c *Cleaner) Tick(ctx context.Context) error {
	_, err := c.Run(ctx)
	return err
}

// Run удаляет пачками финальные tasks и DELETED schedules старше
// retention, затем помечает удалёнными пустые группы.
//
// Между пачками проверяется бюджет времени. Если он исчерпан,
// возвращается ErrCleanupBudgetExceeded; следующий тик продолжит.
func (c *Cleaner) Run(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	now := c.sched.clock()
	before := now.Add(-c.retention)
	deadline := time.Now().Add(c.budget)

	n, err := c.drain(ctx, deadline, func(q repo.Querier) (int, error) {
		return q.DeleteTerminalTasks(ctx, before, c.batchSize)
	})
	res.Tasks = n
	if err != nil {
		return res, fmt.Errorf("delete tasks: %w", err)
	}

	n, err = c.drain(ctx, deadline, func(q repo.Querier) (int, error) {
		return q.DeleteSchedulesBefore(ctx, before, c.batchSize)
	})
	res.Schedules = n
	if err != nil {
		return res, fmt.Errorf("delete schedules: %w", err)
	}

	err = c.sched.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.SoftDeleteIdleGroups(ctx, before, now)
		res.Groups = n
		return err
	})
	if err != nil {
		return res, fmt.Errorf("delete groups: %w", err)
	}

	if res != (CleanupResult{}) {
		c.logger.Info("cleanup tick completed",
			"tasks", res.Tasks,
			"schedules", res.Schedules,
			"groups", res.Groups,
		)
	}
	return res, nil
}

// drain вызывает batch, пока тот удаляет полную пачку.
func (c *Cleaner) drain(ctx context.Context, deadline time.Time, batch func(q repo.Querier) (int, error)) (int, error) {
	var total int
	for {
		var n int
		err := c.sched.store.WithTx(ctx, func(q repo.Querier) error {
			var err error
			n, err = batch(q)
			return err
		})
		total += n
		if err != nil {
			return total, err
		}
		if n < c.batchSize {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		if time.Now().After(deadline) {
			return total, ErrCleanupBudgetExceeded
		}
	}
}

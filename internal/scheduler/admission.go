package scheduler

import (
	"context"
	"fmt"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

// admit проверяет, что группа допускает ещё один STARTED task.
//
// Вызывается под блокировкой строки группы, поэтому подсчёт и
// последующий переход атомарны относительно других стартов в группе.
// group == nil означает группу без ограничения.
func (s *Scheduler) admit(ctx context.Context, q repo.Querier, group *domain.Group, groupKey string) error {
	if group == nil || group.MaxConcurrency == nil || group.DeletedAt != nil {
		return nil
	}

	started, err := q.CountTasksInState(ctx, groupKey, domain.TaskStateStarted)
	if err != nil {
		return fmt.Errorf("count started tasks: %w", err)
	}
	if !group.Admits(started) {
		telemetry.AdmissionDenials.Inc()
		s.logger.Debug("admission denied",
			"group_key", groupKey,
			"started", started,
			"max_concurrency", *group.MaxConcurrency,
		)
		return fmt.Errorf("group %s: %w", groupKey, ErrAdmissionDenied)
	}
	return nil
}

// capacity возвращает, сколько tasks группы можно стартовать сейчас,
// но не больше limit.
func (s *Scheduler) capacity(ctx context.Context, q repo.Querier, group *domain.Group, groupKey string, limit int) (int, error) {
	if group == nil || group.MaxConcurrency == nil || group.DeletedAt != nil {
		return limit, nil
	}

	started, err := q.CountTasksInState(ctx, groupKey, domain.TaskStateStarted)
	if err != nil {
		return 0, fmt.Errorf("count started tasks: %w", err)
	}
	return group.Capacity(started, limit), nil
}

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

// ScheduleProps — параметры нового schedule.
type ScheduleProps struct {
	Name      string
	GroupKey  string
	Frequency string

	// StartsAt по умолчанию — момент создания.
	StartsAt time.Time

	Payload  json.RawMessage
	RetryMax int

	CreatedToStartedTimeout   time.Duration
	StartedToCompletedTimeout time.Duration
	HeartbeatTimeout          time.Duration
}

func (p ScheduleProps) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if p.GroupKey == "" {
		return fmt.Errorf("%w: group_key is required", ErrInvalidArgument)
	}
	if p.RetryMax < 0 {
		return fmt.Errorf("%w: retry_max must be >= 0", ErrInvalidArgument)
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}
	return ValidateFrequency(p.Frequency)
}

// ScheduleUpdate — изменяемые поля schedule. nil — поле не меняется.
type ScheduleUpdate struct {
	Frequency *string
	GroupKey  *string
	Payload   *json.RawMessage
	RetryMax  *int
}

// CreateSchedule создаёт schedule в состоянии STARTED.
// Первое срабатывание — в StartsAt.
func (s *Scheduler) CreateSchedule(ctx context.Context, props ScheduleProps) (*domain.Schedule, error) {
	if err := props.validate(); err != nil {
		return nil, err
	}

	now := s.clock()
	startsAt := props.StartsAt.UTC().Truncate(time.Microsecond)
	if props.StartsAt.IsZero() {
		startsAt = now
	}

	sched := &domain.Schedule{
		ID:                        uuid.New(),
		Name:                      props.Name,
		GroupKey:                  props.GroupKey,
		Frequency:                 props.Frequency,
		State:                     domain.ScheduleStateStarted,
		StartsAt:                  startsAt,
		NextExecutionAt:           startsAt,
		Payload:                   props.Payload,
		RetryMax:                  props.RetryMax,
		CreatedToStartedTimeout:   orDefault(props.CreatedToStartedTimeout, s.defaults.CreatedToStartedTimeout),
		StartedToCompletedTimeout: orDefault(props.StartedToCompletedTimeout, s.defaults.StartedToCompletedTimeout),
		HeartbeatTimeout:          orDefault(props.HeartbeatTimeout, s.defaults.HeartbeatTimeout),
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		return q.InsertSchedule(ctx, sched)
	})
	if err != nil {
		return nil, fmt.Errorf("create schedule %q: %w", props.Name, err)
	}

	s.logger.Info("schedule created",
		"schedule_id", sched.ID,
		"name", sched.Name,
		"frequency", sched.Frequency,
		"starts_at", sched.StartsAt,
	)
	return sched, nil
}

// GetSchedule возвращает schedule по ID.
func (s *Scheduler) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	var sched *domain.Schedule
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		v, err := q.GetSchedule(ctx, id)
		sched = v
		return err
	})
	return sched, err
}

// GetScheduleByName возвращает не удалённый schedule по имени.
func (s *Scheduler) GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error) {
	var sched *domain.Schedule
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		v, err := q.GetScheduleByName(ctx, name)
		sched = v
		return err
	})
	return sched, err
}

// SearchSchedules ищет schedules по фильтру.
func (s *Scheduler) SearchSchedules(ctx context.Context, filter repo.ScheduleFilter) ([]domain.Schedule, error) {
	var out []domain.Schedule
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		v, err := q.SearchSchedules(ctx, filter)
		out = v
		return err
	})
	return out, err
}

// PauseSchedule приостанавливает schedule. Task в работе не отменяется.
func (s *Scheduler) PauseSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return s.setScheduleState(ctx, id, domain.ScheduleStatePaused)
}

// ResumeSchedule возобновляет schedule. Пропущенные за паузу слоты
// не догоняются: next_execution_at сдвигается к первому слоту после now.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return s.mutateSchedule(ctx, id, func(sched *domain.Schedule, now time.Time) error {
		if err := sched.TransitionTo(domain.ScheduleStateStarted, now); err != nil {
			return err
		}
		if sched.NextExecutionAt.Before(now) {
			freq, err := ParseFrequency(sched.Frequency)
			if err != nil {
				return err
			}
			sched.NextExecutionAt = freq.Next(sched.NextExecutionAt, now)
		}
		return nil
	})
}

// DeleteSchedule мягко удаляет schedule. Физически строка удаляется
// Cleanup Worker'ом после retention.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return s.setScheduleState(ctx, id, domain.ScheduleStateDeleted)
}

// UpdateSchedule меняет frequency, группу, payload или retry_max.
// Новая frequency применяется со следующего срабатывания.
func (s *Scheduler) UpdateSchedule(ctx context.Context, id uuid.UUID, upd ScheduleUpdate) (*domain.Schedule, error) {
	if upd.Frequency != nil {
		if err := ValidateFrequency(*upd.Frequency); err != nil {
			return nil, err
		}
	}
	if upd.GroupKey != nil && *upd.GroupKey == "" {
		return nil, fmt.Errorf("%w: group_key must not be empty", ErrInvalidArgument)
	}
	if upd.RetryMax != nil && *upd.RetryMax < 0 {
		return nil, fmt.Errorf("%w: retry_max must be >= 0", ErrInvalidArgument)
	}
	if upd.Payload != nil && len(*upd.Payload) > 0 && !json.Valid(*upd.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}

	return s.mutateSchedule(ctx, id, func(sched *domain.Schedule, now time.Time) error {
		if sched.State == domain.ScheduleStateDeleted {
			return fmt.Errorf("update deleted schedule: %w", ErrInvalidStateTransition)
		}
		if upd.Frequency != nil && *upd.Frequency != sched.Frequency {
			freq, err := ParseFrequency(*upd.Frequency)
			if err != nil {
				return err
			}
			sched.Frequency = *upd.Frequency
			// Уже назначенное срабатывание сохраняется, если оно в будущем.
			if !sched.NextExecutionAt.After(now) {
				sched.NextExecutionAt = freq.Next(sched.NextExecutionAt, now)
			}
		}
		if upd.GroupKey != nil {
			sched.GroupKey = *upd.GroupKey
		}
		if upd.Payload != nil {
			sched.Payload = *upd.Payload
		}
		if upd.RetryMax != nil {
			sched.RetryMax = *upd.RetryMax
		}
		sched.UpdatedAt = now
		return nil
	})
}

func (s *Scheduler) setScheduleState(ctx context.Context, id uuid.UUID, to domain.ScheduleState) (*domain.Schedule, error) {
	return s.mutateSchedule(ctx, id, func(sched *domain.Schedule, now time.Time) error {
		return sched.TransitionTo(to, now)
	})
}

// mutateSchedule блокирует schedule, применяет apply и сохраняет его.
func (s *Scheduler) mutateSchedule(ctx context.Context, id uuid.UUID, apply func(sched *domain.Schedule, now time.Time) error) (*domain.Schedule, error) {
	var sched *domain.Schedule
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		v, err := q.LockSchedule(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(v, s.clock()); err != nil {
			return fmt.Errorf("schedule %s: %w", id, err)
		}
		if err := q.UpdateSchedule(ctx, v); err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		sched = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("schedule updated", "schedule_id", sched.ID, "state", sched.State)
	return sched, nil
}

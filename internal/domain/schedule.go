package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Schedule — периодическое определение, порождающее tasks.
//
// Frequency задаётся интервалом ("every 5m", "30s") или
// cron-выражением ("*/5 * * * *"). Scheduling Worker создаёт task,
// когда next_execution_at <= now и предыдущий task уже завершён.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID uuid.UUID `json:"id"`

	// Name — глобально уникальное имя.
	Name string `json:"name"`

	// GroupKey — concurrency group для создаваемых tasks.
	GroupKey string `json:"group_key"`

	// Frequency — описание периода.
	Frequency string `json:"frequency"`

	// State — STARTED, PAUSED или DELETED.
	State ScheduleState `json:"state"`

	// StartsAt — раньше этого времени schedule не срабатывает.
	StartsAt time.Time `json:"starts_at"`

	// NextExecutionAt — время следующего срабатывания.
	// Сдвигается от предыдущего значения, а не от момента срабатывания.
	NextExecutionAt time.Time `json:"next_execution_at"`

	// LastScheduledTaskID / LastScheduledTaskState — последний созданный task.
	// Состояние денормализовано, чтобы проверять отсутствие наложений без join.
	LastScheduledTaskID    *uuid.UUID `json:"last_scheduled_task_id,omitempty"`
	LastScheduledTaskState *TaskState `json:"last_scheduled_task_state,omitempty"`

	// Payload и параметры повторов копируются в каждый task.
	Payload  json.RawMessage `json:"payload,omitempty"`
	RetryMax int             `json:"retry_max"`

	CreatedToStartedTimeout   time.Duration `json:"created_to_started_timeout"`
	StartedToCompletedTimeout time.Duration `json:"started_to_completed_timeout"`
	HeartbeatTimeout          time.Duration `json:"heartbeat_timeout"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// HasTaskInFlight возвращает true, если последний task ещё не завершён.
func (s *Schedule) HasTaskInFlight() bool {
	return s.LastScheduledTaskState != nil && !s.LastScheduledTaskState.IsTerminal()
}

// IsDue проверяет, пора ли создавать task.
func (s *Schedule) IsDue(now time.Time) bool {
	if s.State != ScheduleStateStarted {
		return false
	}
	if now.Before(s.StartsAt) || now.Before(s.NextExecutionAt) {
		return false
	}
	return !s.HasTaskInFlight()
}

// TransitionTo меняет состояние schedule.
func (s *Schedule) TransitionTo(to ScheduleState, now time.Time) error {
	if !s.State.CanTransitionTo(to) {
		return transitionError("schedule", string(s.State), string(to))
	}
	s.State = to
	s.UpdatedAt = now
	if to == ScheduleStateDeleted {
		s.DeletedAt = &now
	}
	return nil
}

// RecordTask запоминает созданный task и следующее время срабатывания.
func (s *Schedule) RecordTask(task *Task, next time.Time, now time.Time) {
	id := task.ID
	state := task.State
	s.LastScheduledTaskID = &id
	s.LastScheduledTaskState = &state
	s.NextExecutionAt = next
	s.UpdatedAt = now
}

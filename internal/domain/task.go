package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Типы синтетических ошибок, которые проставляет сам scheduler.
const (
	ErrorTypeHeartbeatTimeout      = "heartbeat_timeout"
	ErrorTypeStartDeadlineExceeded = "start_deadline_exceeded"
	ErrorTypeCompletionTimeout     = "completion_timeout"
	ErrorTypeCancelled             = "cancelled"
)

// Task — единица работы (sync, action, доставка webhook).
//
// Task создаётся producer'ом через Enqueue или Scheduling Worker'ом
// из schedule. Runner забирает task (Start/Dequeue), шлёт heartbeat
// и сообщает результат. Monitoring Worker следит за зависшими tasks.
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// Name — человекочитаемое имя, уникальность не требуется.
	Name string `json:"name"`

	// GroupKey — concurrency group, в которой выполняется task.
	GroupKey string `json:"group_key"`

	// Payload — непрозрачные для scheduler'а входные данные.
	Payload json.RawMessage `json:"payload,omitempty"`

	// OwnerKey — ключ идемпотентности: пока есть нефинальный task
	// с этим ключом, второй не создаётся.
	OwnerKey string `json:"owner_key,omitempty"`

	// RetryKey — связывает task с цепочкой его повторов.
	// По умолчанию равен ID первого task цепочки.
	RetryKey string `json:"retry_key"`

	// RetryMax — сколько повторов разрешено.
	RetryMax int `json:"retry_max"`

	// RetryCount — номер попытки в цепочке (0 для первой).
	RetryCount int `json:"retry_count"`

	// ScheduleID — schedule, создавший task (nil для ручного enqueue).
	ScheduleID *uuid.UUID `json:"schedule_id,omitempty"`

	// State — текущее состояние.
	State TaskState `json:"state"`

	// StartsAfter — раньше этого времени task не может стартовать.
	StartsAfter time.Time `json:"starts_after"`

	// Таймауты, из которых Monitoring Worker вычисляет дедлайны.
	CreatedToStartedTimeout   time.Duration `json:"created_to_started_timeout"`
	StartedToCompletedTimeout time.Duration `json:"started_to_completed_timeout"`
	HeartbeatTimeout          time.Duration `json:"heartbeat_timeout"`

	CreatedAt             time.Time  `json:"created_at"`
	LastStateTransitionAt time.Time  `json:"last_state_transition_at"`
	LastHeartbeatAt       *time.Time `json:"last_heartbeat_at,omitempty"`

	// Output — результат успешного выполнения.
	Output json.RawMessage `json:"output,omitempty"`

	// Error — причина неуспешного завершения.
	Error *TaskError `json:"error,omitempty"`
}

// TaskError — структурированная ошибка task.
type TaskError struct {
	Type      string `json:"type,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *TaskError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// IsFinished возвращает true, если task в финальном состоянии.
func (t *Task) IsFinished() bool {
	return t.State.IsTerminal()
}

// TransitionTo переводит task в новое состояние.
// При недопустимом переходе task не меняется.
func (t *Task) TransitionTo(to TaskState, now time.Time) error {
	if !t.State.CanTransitionTo(to) {
		return transitionError("task", string(t.State), string(to))
	}
	t.State = to
	t.LastStateTransitionAt = now
	if to == TaskStateStarted {
		t.LastHeartbeatAt = &now
	}
	return nil
}

// MarkSucceeded завершает task с результатом.
func (t *Task) MarkSucceeded(output json.RawMessage, now time.Time) error {
	if err := t.TransitionTo(TaskStateSucceeded, now); err != nil {
		return err
	}
	t.Output = output
	return nil
}

// MarkFailed завершает task с ошибкой.
func (t *Task) MarkFailed(taskErr TaskError, now time.Time) error {
	if err := t.TransitionTo(TaskStateFailed, now); err != nil {
		return err
	}
	t.Error = &taskErr
	return nil
}

// StartDeadline — момент, после которого CREATED task истекает.
func (t *Task) StartDeadline() time.Time {
	return t.StartsAfter.Add(t.CreatedToStartedTimeout)
}

// HeartbeatDeadline — момент, после которого STARTED task считается зависшим.
func (t *Task) HeartbeatDeadline() time.Time {
	last := t.LastStateTransitionAt
	if t.LastHeartbeatAt != nil {
		last = *t.LastHeartbeatAt
	}
	return last.Add(t.HeartbeatTimeout)
}

// CompletionDeadline — момент, к которому STARTED task должен завершиться.
func (t *Task) CompletionDeadline() time.Time {
	return t.LastStateTransitionAt.Add(t.StartedToCompletedTimeout)
}

// CanRetry проверяет, положен ли task'у ещё один повтор.
func (t *Task) CanRetry() bool {
	return t.State == TaskStateFailed &&
		t.Error != nil && t.Error.Retryable &&
		t.RetryCount < t.RetryMax
}

// NewRetry создаёт следующую попытку в цепочке.
// Новый task начинает жизнь в CREATED и наследует всё, кроме состояния.
func (t *Task) NewRetry(now, startsAfter time.Time) *Task {
	return &Task{
		ID:                        uuid.New(),
		Name:                      t.Name,
		GroupKey:                  t.GroupKey,
		Payload:                   t.Payload,
		OwnerKey:                  t.OwnerKey,
		RetryKey:                  t.RetryKey,
		RetryMax:                  t.RetryMax,
		RetryCount:                t.RetryCount + 1,
		ScheduleID:                t.ScheduleID,
		State:                     TaskStateCreated,
		StartsAfter:               startsAfter,
		CreatedToStartedTimeout:   t.CreatedToStartedTimeout,
		StartedToCompletedTimeout: t.StartedToCompletedTimeout,
		HeartbeatTimeout:          t.HeartbeatTimeout,
		CreatedAt:                 now,
		LastStateTransitionAt:     now,
	}
}

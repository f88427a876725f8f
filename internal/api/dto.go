package api

import (
	"encoding/json"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

// Task DTOs

// EnqueueTaskRequest — запрос на создание task.
type EnqueueTaskRequest struct {
	Name                string          `json:"name"`
	GroupKey            string          `json:"group_key"`
	GroupMaxConcurrency *int            `json:"group_max_concurrency,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	OwnerKey            string          `json:"owner_key,omitempty"`
	RetryKey            string          `json:"retry_key,omitempty"`
	RetryMax            int             `json:"retry_max,omitempty"`
	StartsAfter         *time.Time      `json:"starts_after,omitempty"`

	CreatedToStartedTimeoutMs   int64 `json:"created_to_started_timeout_ms,omitempty"`
	StartedToCompletedTimeoutMs int64 `json:"started_to_completed_timeout_ms,omitempty"`
	HeartbeatTimeoutMs          int64 `json:"heartbeat_timeout_ms,omitempty"`
}

// SucceedTaskRequest — успешное завершение task.
type SucceedTaskRequest struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// FailTaskRequest — неуспешное завершение task.
type FailTaskRequest struct {
	Error TaskErrorDTO `json:"error"`
}

// CancelTaskRequest — отмена task.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TaskErrorDTO — структурированная ошибка task.
type TaskErrorDTO struct {
	Type      string `json:"type,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskResponse — ответ с task.
type TaskResponse struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	GroupKey    string          `json:"group_key"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OwnerKey    string          `json:"owner_key,omitempty"`
	RetryKey    string          `json:"retry_key"`
	RetryMax    int             `json:"retry_max"`
	RetryCount  int             `json:"retry_count"`
	ScheduleID  *uuid.UUID      `json:"schedule_id,omitempty"`
	State       string          `json:"state"`
	StartsAfter time.Time       `json:"starts_after"`

	CreatedToStartedTimeoutMs   int64 `json:"created_to_started_timeout_ms"`
	StartedToCompletedTimeoutMs int64 `json:"started_to_completed_timeout_ms"`
	HeartbeatTimeoutMs          int64 `json:"heartbeat_timeout_ms"`

	CreatedAt             time.Time       `json:"created_at"`
	LastStateTransitionAt time.Time       `json:"last_state_transition_at"`
	LastHeartbeatAt       *time.Time      `json:"last_heartbeat_at,omitempty"`
	Output                json.RawMessage `json:"output,omitempty"`
	Error                 *TaskErrorDTO   `json:"error,omitempty"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                          t.ID,
		Name:                        t.Name,
		GroupKey:                    t.GroupKey,
		Payload:                     t.Payload,
		OwnerKey:                    t.OwnerKey,
		RetryKey:                    t.RetryKey,
		RetryMax:                    t.RetryMax,
		RetryCount:                  t.RetryCount,
		ScheduleID:                  t.ScheduleID,
		State:                       string(t.State),
		StartsAfter:                 t.StartsAfter,
		CreatedToStartedTimeoutMs:   t.CreatedToStartedTimeout.Milliseconds(),
		StartedToCompletedTimeoutMs: t.StartedToCompletedTimeout.Milliseconds(),
		HeartbeatTimeoutMs:          t.HeartbeatTimeout.Milliseconds(),
		CreatedAt:                   t.CreatedAt,
		LastStateTransitionAt:       t.LastStateTransitionAt,
		LastHeartbeatAt:             t.LastHeartbeatAt,
		Output:                      t.Output,
	}
	if t.Error != nil {
		resp.Error = &TaskErrorDTO{Type: t.Error.Type, Message: t.Error.Message, Retryable: t.Error.Retryable}
	}
	return resp
}

func tasksFromDomain(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, len(tasks))
	for i := range tasks {
		out[i] = TaskFromDomain(&tasks[i])
	}
	return out
}

// Group DTOs

// DequeueRequest — запрос на захват tasks группы.
type DequeueRequest struct {
	Limit  int   `json:"limit"`
	WaitMs int64 `json:"wait_ms,omitempty"`
}

// SetGroupRequest — изменение лимита группы. null снимает лимит.
type SetGroupRequest struct {
	MaxConcurrency *int `json:"max_concurrency"`
}

// GroupResponse — ответ с группой.
type GroupResponse struct {
	Key             string     `json:"key"`
	MaxConcurrency  *int       `json:"max_concurrency"`
	Active          int        `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastModifiedAt  time.Time  `json:"last_modified_at"`
	LastTaskAddedAt *time.Time `json:"last_task_added_at,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// GroupFromDomain конвертирует domain.Group в GroupResponse.
func GroupFromDomain(g *domain.Group, active int) GroupResponse {
	return GroupResponse{
		Key:             g.Key,
		MaxConcurrency:  g.MaxConcurrency,
		Active:          active,
		CreatedAt:       g.CreatedAt,
		LastModifiedAt:  g.LastModifiedAt,
		LastTaskAddedAt: g.LastTaskAddedAt,
		DeletedAt:       g.DeletedAt,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name      string          `json:"name"`
	GroupKey  string          `json:"group_key"`
	Frequency string          `json:"frequency"`
	StartsAt  *time.Time      `json:"starts_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RetryMax  int             `json:"retry_max,omitempty"`

	CreatedToStartedTimeoutMs   int64 `json:"created_to_started_timeout_ms,omitempty"`
	StartedToCompletedTimeoutMs int64 `json:"started_to_completed_timeout_ms,omitempty"`
	HeartbeatTimeoutMs          int64 `json:"heartbeat_timeout_ms,omitempty"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	Frequency *string          `json:"frequency,omitempty"`
	GroupKey  *string          `json:"group_key,omitempty"`
	Payload   *json.RawMessage `json:"payload,omitempty"`
	RetryMax  *int             `json:"retry_max,omitempty"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID                     uuid.UUID       `json:"id"`
	Name                   string          `json:"name"`
	GroupKey               string          `json:"group_key"`
	Frequency              string          `json:"frequency"`
	State                  string          `json:"state"`
	StartsAt               time.Time       `json:"starts_at"`
	NextExecutionAt        time.Time       `json:"next_execution_at"`
	LastScheduledTaskID    *uuid.UUID      `json:"last_scheduled_task_id,omitempty"`
	LastScheduledTaskState string          `json:"last_scheduled_task_state,omitempty"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	RetryMax               int             `json:"retry_max"`

	CreatedToStartedTimeoutMs   int64 `json:"created_to_started_timeout_ms"`
	StartedToCompletedTimeoutMs int64 `json:"started_to_completed_timeout_ms"`
	HeartbeatTimeoutMs          int64 `json:"heartbeat_timeout_ms"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:                          s.ID,
		Name:                        s.Name,
		GroupKey:                    s.GroupKey,
		Frequency:                   s.Frequency,
		State:                       string(s.State),
		StartsAt:                    s.StartsAt,
		NextExecutionAt:             s.NextExecutionAt,
		LastScheduledTaskID:         s.LastScheduledTaskID,
		Payload:                     s.Payload,
		RetryMax:                    s.RetryMax,
		CreatedToStartedTimeoutMs:   s.CreatedToStartedTimeout.Milliseconds(),
		StartedToCompletedTimeoutMs: s.StartedToCompletedTimeout.Milliseconds(),
		HeartbeatTimeoutMs:          s.HeartbeatTimeout.Milliseconds(),
		CreatedAt:                   s.CreatedAt,
		UpdatedAt:                   s.UpdatedAt,
		DeletedAt:                   s.DeletedAt,
	}
	if s.LastScheduledTaskState != nil {
		resp.LastScheduledTaskState = string(*s.LastScheduledTaskState)
	}
	return resp
}

// Fleet DTOs

// RegisterNodeRequest — node сообщает свой адрес.
type RegisterNodeRequest struct {
	URL string `json:"url"`
}

// NodeIdleRequest — node сообщает, сколько простаивает.
type NodeIdleRequest struct {
	IdleForMs int64 `json:"idle_for_ms"`
}

// DeployRequest — новый образ runner'ов.
type DeployRequest struct {
	Image string `json:"image"`
}

// OverrideRequest — форма node для routing id.
type OverrideRequest struct {
	Image     *string `json:"image,omitempty"`
	CPUMilli  *int    `json:"cpu_milli,omitempty"`
	MemoryMb  *int    `json:"memory_mb,omitempty"`
	StorageMb *int    `json:"storage_mb,omitempty"`
}

// NodeResponse — ответ с node.
type NodeResponse struct {
	ID                    uuid.UUID  `json:"id"`
	RoutingID             string     `json:"routing_id"`
	DeploymentID          uuid.UUID  `json:"deployment_id"`
	Image                 string     `json:"image"`
	CPUMilli              int        `json:"cpu_milli"`
	MemoryMb              int        `json:"memory_mb"`
	StorageMb             int        `json:"storage_mb"`
	State                 string     `json:"state"`
	URL                   string     `json:"url,omitempty"`
	ProviderRef           string     `json:"provider_ref,omitempty"`
	Error                 string     `json:"error,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	LastStateTransitionAt time.Time  `json:"last_state_transition_at"`
	RegisteredAt          *time.Time `json:"registered_at,omitempty"`
}

// NodeFromDomain конвертирует domain.Node в NodeResponse.
func NodeFromDomain(n *domain.Node) NodeResponse {
	return NodeResponse{
		ID:                    n.ID,
		RoutingID:             n.RoutingID,
		DeploymentID:          n.DeploymentID,
		Image:                 n.Image,
		CPUMilli:              n.CPUMilli,
		MemoryMb:              n.MemoryMb,
		StorageMb:             n.StorageMb,
		State:                 string(n.State),
		URL:                   n.URL,
		ProviderRef:           n.ProviderRef,
		Error:                 n.Error,
		CreatedAt:             n.CreatedAt,
		LastStateTransitionAt: n.LastStateTransitionAt,
		RegisteredAt:          n.RegisteredAt,
	}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

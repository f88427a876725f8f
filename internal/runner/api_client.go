package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/client"
	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

// APIClient реализует Client и FleetClient поверх HTTP API.
type APIClient struct {
	c *client.Client
}

// NewAPIClient создаёт APIClient.
func NewAPIClient(c *client.Client) *APIClient {
	return &APIClient{c: c}
}

var (
	_ Client      = (*APIClient)(nil)
	_ FleetClient = (*APIClient)(nil)
)

func (a *APIClient) Dequeue(ctx context.Context, groupKey string, limit int, wait time.Duration) ([]domain.Task, error) {
	resp, err := a.c.Dequeue(ctx, groupKey, limit, wait)
	if err != nil {
		return nil, err
	}
	return tasksToDomain(resp), nil
}

func (a *APIClient) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return notRunning(a.c.Heartbeat(ctx, id.String()))
}

func (a *APIClient) Succeed(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	_, err := a.c.Succeed(ctx, id.String(), output)
	return notRunning(err)
}

func (a *APIClient) Fail(ctx context.Context, id uuid.UUID, taskErr domain.TaskError) error {
	_, err := a.c.Fail(ctx, id.String(), api.TaskErrorDTO{
		Type:      taskErr.Type,
		Message:   taskErr.Message,
		Retryable: taskErr.Retryable,
	})
	return notRunning(err)
}

func (a *APIClient) SearchTasks(ctx context.Context, ids []uuid.UUID) ([]domain.Task, error) {
	q := client.TaskQuery{IDs: make([]string, len(ids)), Limit: len(ids)}
	for i, id := range ids {
		q.IDs[i] = id.String()
	}
	resp, err := a.c.SearchTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	return tasksToDomain(resp), nil
}

func (a *APIClient) Register(ctx context.Context, nodeID, url string) error {
	_, err := a.c.RegisterNode(ctx, nodeID, url)
	return err
}

func (a *APIClient) ReportIdle(ctx context.Context, nodeID string, idleFor time.Duration) error {
	_, err := a.c.ReportIdle(ctx, nodeID, idleFor)
	return err
}

// notRunning переводит 404/422 в ErrTaskNotRunning.
func notRunning(err error) error {
	if errors.Is(err, client.ErrNotFound) || errors.Is(err, client.ErrInvalidState) {
		return fmt.Errorf("%w: %v", ErrTaskNotRunning, err)
	}
	return err
}

func tasksToDomain(list []api.TaskResponse) []domain.Task {
	out := make([]domain.Task, len(list))
	for i := range list {
		out[i] = taskToDomain(list[i])
	}
	return out
}

func taskToDomain(t api.TaskResponse) domain.Task {
	task := domain.Task{
		ID:                        t.ID,
		Name:                      t.Name,
		GroupKey:                  t.GroupKey,
		Payload:                   t.Payload,
		OwnerKey:                  t.OwnerKey,
		RetryKey:                  t.RetryKey,
		RetryMax:                  t.RetryMax,
		RetryCount:                t.RetryCount,
		ScheduleID:                t.ScheduleID,
		State:                     domain.TaskState(t.State),
		StartsAfter:               t.StartsAfter,
		CreatedToStartedTimeout:   time.Duration(t.CreatedToStartedTimeoutMs) * time.Millisecond,
		StartedToCompletedTimeout: time.Duration(t.StartedToCompletedTimeoutMs) * time.Millisecond,
		HeartbeatTimeout:          time.Duration(t.HeartbeatTimeoutMs) * time.Millisecond,
		CreatedAt:                 t.CreatedAt,
		LastStateTransitionAt:     t.LastStateTransitionAt,
		LastHeartbeatAt:           t.LastHeartbeatAt,
		Output:                    t.Output,
	}
	if t.Error != nil {
		task.Error = &domain.TaskError{Type: t.Error.Type, Message: t.Error.Message, Retryable: t.Error.Retryable}
	}
	return task
}

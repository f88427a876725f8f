package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/api"
)

// TaskQuery — параметры поиска tasks.
type TaskQuery struct {
	IDs      []string
	GroupKey string
	States   []string
	Name     string
	OwnerKey string
	RetryKey string
	Limit    int
}

func (q TaskQuery) params() map[string]string {
	p := map[string]string{}
	setIf(p, "ids", joinList(q.IDs))
	setIf(p, "group_key", q.GroupKey)
	setIf(p, "state", joinList(q.States))
	setIf(p, "name", q.Name)
	setIf(p, "owner_key", q.OwnerKey)
	setIf(p, "retry_key", q.RetryKey)
	if q.Limit > 0 {
		p["limit"] = strconv.Itoa(q.Limit)
	}
	return p
}

// Enqueue создаёт task.
func (c *Client) Enqueue(ctx context.Context, req api.EnqueueTaskRequest) (*api.TaskResponse, error) {
	var task api.TaskResponse
	if err := c.post(ctx, "/api/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SearchTasks ищет tasks.
func (c *Client) SearchTasks(ctx context.Context, q TaskQuery) ([]api.TaskResponse, error) {
	var tasks []api.TaskResponse
	err := c.list(ctx, http.MethodGet, "/api/v1/tasks", q.params(), nil, &tasks)
	return tasks, err
}

// GetTask возвращает task по ID.
func (c *Client) GetTask(ctx context.Context, id string) (*api.TaskResponse, error) {
	var task api.TaskResponse
	if err := c.get(ctx, "/api/v1/tasks/"+id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StartTask переводит task в STARTED.
func (c *Client) StartTask(ctx context.Context, id string) (*api.TaskResponse, error) {
	return c.taskAction(ctx, id, "start", nil)
}

// Heartbeat продлевает жизнь STARTED task.
func (c *Client) Heartbeat(ctx context.Context, id string) error {
	return c.post(ctx, "/api/v1/tasks/"+id+"/heartbeat", nil, nil)
}

// Succeed завершает task успешно.
func (c *Client) Succeed(ctx context.Context, id string, output json.RawMessage) (*api.TaskResponse, error) {
	return c.taskAction(ctx, id, "succeed", api.SucceedTaskRequest{Output: output})
}

// Fail завершает task с ошибкой.
func (c *Client) Fail(ctx context.Context, id string, taskErr api.TaskErrorDTO) (*api.TaskResponse, error) {
	return c.taskAction(ctx, id, "fail", api.FailTaskRequest{Error: taskErr})
}

// CancelTask отменяет task.
func (c *Client) CancelTask(ctx context.Context, id, reason string) (*api.TaskResponse, error) {
	return c.taskAction(ctx, id, "cancel", api.CancelTaskRequest{Reason: reason})
}

func (c *Client) taskAction(ctx context.Context, id, action string, body any) (*api.TaskResponse, error) {
	var task api.TaskResponse
	if err := c.post(ctx, "/api/v1/tasks/"+id+"/"+action, body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// --- Groups ---

// Dequeue захватывает до limit tasks группы. wait > 0 — long-poll:
// сервер держит запрос, пока tasks не появятся или wait не истечёт.
func (c *Client) Dequeue(ctx context.Context, groupKey string, limit int, wait time.Duration) ([]api.TaskResponse, error) {
	body := api.DequeueRequest{Limit: limit, WaitMs: wait.Milliseconds()}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/groups/"+groupKey+"/dequeue", nil, body, wait)
	if err != nil {
		return nil, err
	}

	var lr struct {
		Data []api.TaskResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &lr); err != nil {
		return nil, err
	}
	return lr.Data, nil
}

// GetGroup возвращает группу.
func (c *Client) GetGroup(ctx context.Context, key string) (*api.GroupResponse, error) {
	var g api.GroupResponse
	if err := c.get(ctx, "/api/v1/groups/"+key, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SetGroupConcurrency задаёт лимит группы; nil снимает его.
func (c *Client) SetGroupConcurrency(ctx context.Context, key string, maxConcurrency *int) (*api.GroupResponse, error) {
	var g api.GroupResponse
	if err := c.put(ctx, "/api/v1/groups/"+key, api.SetGroupRequest{MaxConcurrency: maxConcurrency}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func setIf(p map[string]string, key, value string) {
	if value != "" {
		p[key] = value
	}
}

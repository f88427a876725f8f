package client

import (
	"context"
	"net/http"
	"strconv"

	"github.com/NangoHQ/nango-sub018/internal/api"
)

// ScheduleQuery — параметры поиска schedules.
type ScheduleQuery struct {
	Names    []string
	GroupKey string
	States   []string
	Limit    int
	Offset   int
}

// ListSchedules возвращает schedules.
func (c *Client) ListSchedules(ctx context.Context, q ScheduleQuery) ([]api.ScheduleResponse, error) {
	p := map[string]string{}
	setIf(p, "name", joinList(q.Names))
	setIf(p, "group_key", q.GroupKey)
	setIf(p, "state", joinList(q.States))
	if q.Limit > 0 {
		p["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		p["offset"] = strconv.Itoa(q.Offset)
	}

	var schedules []api.ScheduleResponse
	err := c.list(ctx, http.MethodGet, "/api/v1/schedules", p, nil, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(ctx context.Context, req api.CreateScheduleRequest) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	if err := c.post(ctx, "/api/v1/schedules", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	if err := c.get(ctx, "/api/v1/schedules/"+id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(ctx context.Context, id string, req api.UpdateScheduleRequest) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	if err := c.put(ctx, "/api/v1/schedules/"+id, req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	if err := c.delete(ctx, "/api/v1/schedules/"+id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PauseSchedule приостанавливает schedule.
func (c *Client) PauseSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	if err := c.post(ctx, "/api/v1/schedules/"+id+"/pause", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ResumeSchedule возобновляет schedule.
func (c *Client) ResumeSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var s api.ScheduleResponse
	if err := c.post(ctx, "/api/v1/schedules/"+id+"/resume", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

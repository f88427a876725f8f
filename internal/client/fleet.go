package client

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// NodeQuery — параметры поиска nodes.
type NodeQuery struct {
	RoutingID string
	States    []string
	Limit     int
}

// ListNodes возвращает nodes fleet.
func (c *Client) ListNodes(ctx context.Context, q NodeQuery) ([]api.NodeResponse, error) {
	p := map[string]string{}
	setIf(p, "routing_id", q.RoutingID)
	setIf(p, "state", joinList(q.States))
	if q.Limit > 0 {
		p["limit"] = strconv.Itoa(q.Limit)
	}

	var nodes []api.NodeResponse
	err := c.list(ctx, http.MethodGet, "/api/v1/fleet/nodes", p, nil, &nodes)
	return nodes, err
}

// GetNode возвращает node по ID.
func (c *Client) GetNode(ctx context.Context, id string) (*api.NodeResponse, error) {
	var n api.NodeResponse
	if err := c.get(ctx, "/api/v1/fleet/nodes/"+id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// RegisterNode сообщает fleet адрес node.
func (c *Client) RegisterNode(ctx context.Context, id, url string) (*api.NodeResponse, error) {
	var n api.NodeResponse
	if err := c.post(ctx, "/api/v1/fleet/nodes/"+id+"/register", api.RegisterNodeRequest{URL: url}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ReportIdle сообщает, сколько node простаивает.
func (c *Client) ReportIdle(ctx context.Context, id string, idleFor time.Duration) (*api.NodeResponse, error) {
	var n api.NodeResponse
	if err := c.post(ctx, "/api/v1/fleet/nodes/"+id+"/idle", api.NodeIdleRequest{IdleForMs: idleFor.Milliseconds()}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// TerminateNode выводит node из работы.
func (c *Client) TerminateNode(ctx context.Context, id string) (*api.NodeResponse, error) {
	var n api.NodeResponse
	if err := c.post(ctx, "/api/v1/fleet/nodes/"+id+"/terminate", nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Deploy активирует новый образ.
func (c *Client) Deploy(ctx context.Context, image string) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := c.post(ctx, "/api/v1/fleet/deployments", api.DeployRequest{Image: image}, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ActiveDeployment возвращает активный deployment.
func (c *Client) ActiveDeployment(ctx context.Context) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := c.get(ctx, "/api/v1/fleet/deployments/active", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeployments возвращает последние deployments.
func (c *Client) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	p := map[string]string{}
	if limit > 0 {
		p["limit"] = strconv.Itoa(limit)
	}
	var list []domain.Deployment
	err := c.list(ctx, http.MethodGet, "/api/v1/fleet/deployments", p, nil, &list)
	return list, err
}

// ListOverrides возвращает overrides формы nodes.
func (c *Client) ListOverrides(ctx context.Context, routingIDs ...string) ([]domain.NodeConfigOverride, error) {
	p := map[string]string{}
	setIf(p, "routing_id", joinList(routingIDs))

	var list []domain.NodeConfigOverride
	err := c.list(ctx, http.MethodGet, "/api/v1/fleet/overrides", p, nil, &list)
	return list, err
}

// SetOverride создаёт или заменяет override.
func (c *Client) SetOverride(ctx context.Context, routingID string, req api.OverrideRequest) (*domain.NodeConfigOverride, error) {
	var o domain.NodeConfigOverride
	if err := c.put(ctx, "/api/v1/fleet/overrides/"+routingID, req, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// DeleteOverride удаляет override.
func (c *Client) DeleteOverride(ctx context.Context, routingID string) error {
	return c.delete(ctx, "/api/v1/fleet/overrides/"+routingID, nil)
}

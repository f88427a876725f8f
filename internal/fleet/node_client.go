package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// NodeClient — HTTP-клиент fleet к runner-nodes.
type NodeClient struct {
	probe  *resty.Client
	notify *resty.Client
}

// NewNodeClient создаёт NodeClient. timeout — на один запрос.
func NewNodeClient(timeout time.Duration) *NodeClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// notifyWhenIdle повторяется с backoff: node мог ещё не поднять listener.
	notify := resty.New().
		SetTimeout(timeout).
		SetRetryCount(4).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &NodeClient{
		probe:  resty.New().SetTimeout(timeout),
		notify: notify,
	}
}

// CheckHealth выполняет GET <baseURL>/health и ждёт 2xx.
func (c *NodeClient) CheckHealth(ctx context.Context, baseURL string) error {
	resp, err := c.probe.R().SetContext(ctx).Get(joinURL(baseURL, "/health"))
	if err != nil {
		return fmt.Errorf("health check %s: %w", baseURL, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("health check %s: status %d", baseURL, resp.StatusCode())
	}
	return nil
}

// NotifyWhenIdle просит node перестать брать работу и сообщить о простое,
// когда текущие tasks завершатся.
func (c *NodeClient) NotifyWhenIdle(ctx context.Context, baseURL string, nodeID uuid.UUID) error {
	resp, err := c.notify.R().
		SetContext(ctx).
		SetBody(map[string]string{"node_id": nodeID.String()}).
		Post(joinURL(baseURL, "/notifyWhenIdle"))
	if err != nil {
		return fmt.Errorf("notify %s: %w", baseURL, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("notify %s: status %d", baseURL, resp.StatusCode())
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/go-resty/resty/v2"
)

// DefaultTimeout — таймаут одного запроса без long-poll.
const DefaultTimeout = 30 * time.Second

// Config — конфигурация Client.
type Config struct {
	BaseURL string

	// Timeout — на один запрос; к dequeue добавляется время ожидания.
	Timeout time.Duration

	// Retries — повторы идемпотентных запросов (GET, heartbeat)
	// при сетевых ошибках и 5xx.
	Retries int
}

// Client — HTTP-клиент orchestrator API.
type Client struct {
	rc      *resty.Client
	timeout time.Duration
}

// New создаёт Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || !retryable(r.Request) {
				return false
			}
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{rc: rc, timeout: timeout}
}

// NewClient создаёт Client с настройками по умолчанию.
func NewClient(baseURL string) *Client {
	return New(Config{BaseURL: baseURL})
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error api.ErrorDetail `json:"error"`
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, nil, body, result)
}

func (c *Client) put(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPut, path, nil, body, result)
}

func (c *Client) delete(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodDelete, path, nil, nil, result)
}

func (c *Client) list(ctx context.Context, method, path string, query map[string]string, body any, result any) error {
	resp, err := c.do(ctx, method, path, query, body, 0)
	if err != nil {
		return err
	}

	var lr listResponse
	if err := json.Unmarshal(resp.Body(), &lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(lr.Data) == 0 || string(lr.Data) == "null" {
		return nil
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(ctx context.Context, method, path string, query map[string]string, body any, result any) error {
	resp, err := c.do(ctx, method, path, query, body, 0)
	if err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode() == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.Unmarshal(resp.Body(), &dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

// do выполняет запрос. extra продлевает таймаут (long-poll).
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any, extra time.Duration) (*resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout+extra)
	defer cancel()

	req := c.rc.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := checkError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func checkError(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}

	var er errorResponse
	if err := json.Unmarshal(resp.Body(), &er); err != nil || er.Error.Message == "" {
		return &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(string(resp.Body()))}
	}
	return &APIError{Status: resp.StatusCode(), Code: er.Error.Code, Message: er.Error.Message}
}

// retryable — GET и heartbeat безопасно повторять.
func retryable(r *resty.Request) bool {
	return r.Method == http.MethodGet || strings.HasSuffix(r.URL, "/heartbeat")
}

func joinList(values []string) string {
	return strings.Join(values, ",")
}

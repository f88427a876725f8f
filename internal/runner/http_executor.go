package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	"github.com/go-resty/resty/v2"
)

const (
	defaultWebhookTimeout = 5 * time.Minute
	maxErrorBodyBytes     = 200
)

// Заголовки, с которыми HTTPExecutor доставляет task.
const (
	HeaderTaskID     = "X-Task-Id"
	HeaderTaskName   = "X-Task-Name"
	HeaderGroupKey   = "X-Group-Key"
	HeaderRetryCount = "X-Retry-Count"
	HeaderRetryKey   = "X-Retry-Key"
)

// HTTPExecutor доставляет payload task на webhook POST-запросом.
//
// Ответ 2xx — успех; JSON-тело ответа становится output task,
// не-JSON тело сохраняется как JSON-строка. 4xx — постоянная ошибка,
// 5xx и сетевые ошибки — повторяемые.
type HTTPExecutor struct {
	client *resty.Client
	url    string
}

// NewHTTPExecutor создаёт HTTPExecutor. timeout — на одну доставку.
func NewHTTPExecutor(url string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &HTTPExecutor{
		client: resty.New().SetTimeout(timeout),
		url:    url,
	}
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	req := e.client.R().
		SetContext(ctx).
		SetHeader(HeaderTaskID, task.ID.String()).
		SetHeader(HeaderTaskName, task.Name).
		SetHeader(HeaderGroupKey, task.GroupKey).
		SetHeader(HeaderRetryKey, task.RetryKey).
		SetHeader(HeaderRetryCount, strconv.Itoa(task.RetryCount))
	if len(task.Payload) > 0 {
		req.SetHeader("Content-Type", "application/json").SetBody([]byte(task.Payload))
	}

	resp, err := req.Post(e.url)
	if err != nil {
		return nil, fmt.Errorf("deliver task %s: %w", task.ID, err)
	}

	body := resp.Body()
	telemetry.FromContext(ctx).Debug("webhook responded",
		"status", resp.StatusCode(),
		"duration", resp.Time(),
	)
	switch {
	case resp.IsSuccess():
		return responseOutput(body)
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), truncate(string(body), maxErrorBodyBytes))
	default:
		return nil, Permanentf("webhook returned %d: %s", resp.StatusCode(), truncate(string(body), maxErrorBodyBytes))
	}
}

// responseOutput превращает тело ответа в output task.
func responseOutput(body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	out, err := json.Marshal(string(body))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// DelayExecutor ожидает duration_ms из payload. Поддерживает отмену
// через context. Используется для проверки fleet и в standalone-режиме.
//
// Payload: {"duration_ms": 1500, "fail": "optional error message"}
type DelayExecutor struct{}

type delayPayload struct {
	DurationMs int64  `json:"duration_ms"`
	Fail       string `json:"fail,omitempty"`
}

// Execute выполняет задержку.
func (DelayExecutor) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	var p delayPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, Permanentf("decode delay payload: %v", err)
		}
	}
	if p.DurationMs < 0 {
		return nil, Permanentf("duration_ms must be >= 0")
	}

	timer := time.NewTimer(time.Duration(p.DurationMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if p.Fail != "" {
		return nil, errors.New(p.Fail)
	}
	return json.Marshal(map[string]int64{"delayed_ms": p.DurationMs})
}

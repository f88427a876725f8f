package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// Dequeue атомарно стартует до limit готовых tasks группы.
// Если готовых нет и wait_ms > 0, ждёт сигнала notifier'а, но не дольше
// min(wait_ms, MaxDequeueWait). Пустой результат — 200 с пустым списком.
// POST /api/v1/groups/{key}/dequeue
func (h *Handler) Dequeue(w http.ResponseWriter, r *http.Request) {
	groupKey := r.PathValue("key")

	var req DequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Limit <= 0 {
		BadRequest(w, "limit must be > 0")
		return
	}
	if req.WaitMs < 0 {
		BadRequest(w, "wait_ms must be >= 0")
		return
	}

	wait := min(msToDuration(req.WaitMs), h.maxDequeueWait)
	tasks, err := h.dequeueWait(r.Context(), groupKey, req.Limit, wait)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, tasksFromDomain(tasks), len(tasks))
}

// dequeueWait повторяет Dequeue до первого непустого результата
// или истечения wait. Подписка оформляется до первой попытки,
// чтобы не потерять сигнал между пустым dequeue и ожиданием.
func (h *Handler) dequeueWait(ctx context.Context, groupKey string, limit int, wait time.Duration) ([]domain.Task, error) {
	var signal <-chan struct{}
	if wait > 0 && h.notifier != nil {
		ch, cancel := h.notifier.Subscribe(groupKey)
		defer cancel()
		signal = ch
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(dequeueFallbackPoll)
	defer poll.Stop()

	for {
		tasks, err := h.sched.Dequeue(ctx, groupKey, limit)
		if err != nil || len(tasks) > 0 || wait <= 0 {
			return tasks, err
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-signal:
		case <-poll.C:
		}
	}
}

// GetGroup возвращает группу и число активных tasks.
// GET /api/v1/groups/{key}
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	group, err := h.sched.GetGroup(r.Context(), key)
	if HandleError(w, h.logger, err) {
		return
	}

	active, err := h.sched.CountActive(r.Context(), key)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, GroupFromDomain(group, active))
}

// SetGroup задаёт max_concurrency группы; null снимает лимит.
// PUT /api/v1/groups/{key}
func (h *Handler) SetGroup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req SetGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	group, err := h.sched.SetGroupConcurrency(r.Context(), key, req.MaxConcurrency)
	if HandleError(w, h.logger, err) {
		return
	}

	active, err := h.sched.CountActive(r.Context(), key)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, GroupFromDomain(group, active))
}

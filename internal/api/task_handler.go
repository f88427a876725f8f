package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
	"github.com/google/uuid"
)

// EnqueueTask создаёт task.
// POST /api/v1/tasks
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	props := scheduler.TaskProps{
		Name:                      req.Name,
		GroupKey:                  req.GroupKey,
		GroupMaxConcurrency:       req.GroupMaxConcurrency,
		Payload:                   req.Payload,
		OwnerKey:                  req.OwnerKey,
		RetryKey:                  req.RetryKey,
		RetryMax:                  req.RetryMax,
		CreatedToStartedTimeout:   msToDuration(req.CreatedToStartedTimeoutMs),
		StartedToCompletedTimeout: msToDuration(req.StartedToCompletedTimeoutMs),
		HeartbeatTimeout:          msToDuration(req.HeartbeatTimeoutMs),
	}
	if req.StartsAfter != nil {
		props.StartsAfter = *req.StartsAfter
	}

	task, err := h.sched.Enqueue(r.Context(), props)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, TaskFromDomain(task))
}

// SearchTasks ищет tasks.
// GET /api/v1/tasks?ids=a,b&group_key=...&state=CREATED,STARTED&name=...&owner_key=...&retry_key=...&schedule_id=...&limit=...
func (h *Handler) SearchTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.TaskFilter{
		GroupKey: q.Get("group_key"),
		Name:     q.Get("name"),
		OwnerKey: q.Get("owner_key"),
		RetryKey: q.Get("retry_key"),
		Limit:    int(mustParseInt(q.Get("limit"), repo.DefaultSearchLimit)),
	}

	for _, raw := range splitList(q.Get("ids")) {
		id, err := uuid.Parse(raw)
		if err != nil {
			BadRequest(w, "invalid task id in ids: "+raw)
			return
		}
		filter.IDs = append(filter.IDs, id)
	}

	for _, raw := range splitList(q.Get("state")) {
		state := domain.TaskState(strings.ToUpper(raw))
		if !state.IsValid() {
			BadRequest(w, "invalid state: "+raw)
			return
		}
		filter.States = append(filter.States, state)
	}

	if raw := q.Get("schedule_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			BadRequest(w, "invalid schedule_id")
			return
		}
		filter.ScheduleID = &id
	}

	tasks, err := h.sched.Search(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, tasksFromDomain(tasks), len(tasks))
}

// GetTask возвращает task по ID.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	task, err := h.sched.Get(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, TaskFromDomain(task))
}

// StartTask переводит task в STARTED.
// POST /api/v1/tasks/{id}/start
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	task, err := h.sched.Start(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, TaskFromDomain(task))
}

// HeartbeatTask продлевает жизнь task.
// POST /api/v1/tasks/{id}/heartbeat
func (h *Handler) HeartbeatTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if HandleError(w, h.logger, h.sched.Heartbeat(r.Context(), id)) {
		return
	}

	NoContent(w)
}

// SucceedTask завершает task успешно.
// POST /api/v1/tasks/{id}/succeed
func (h *Handler) SucceedTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req SucceedTaskRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	task, err := h.sched.Succeed(r.Context(), id, req.Output)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, TaskFromDomain(task))
}

// FailTask завершает task с ошибкой.
// POST /api/v1/tasks/{id}/fail
func (h *Handler) FailTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req FailTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Error.Message == "" {
		BadRequest(w, "error.message is required")
		return
	}

	task, err := h.sched.Fail(r.Context(), id, domain.TaskError{
		Type:      req.Error.Type,
		Message:   req.Error.Message,
		Retryable: req.Error.Retryable,
	})
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, TaskFromDomain(task))
}

// CancelTask отменяет task.
// POST /api/v1/tasks/{id}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req CancelTaskRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	task, err := h.sched.Cancel(r.Context(), id, req.Reason)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, TaskFromDomain(task))
}

// pathUUID разбирает UUID из path; при ошибке отвечает 400.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		BadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional разбирает тело, если оно есть. Пустое тело — не ошибка.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "invalid request body")
		return false
	}
	return true
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mustParseInt парсит int, возвращает defaultVal при ошибке.
func mustParseInt(s string, defaultVal int64) int64 {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return v
}

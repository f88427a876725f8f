package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
)

// ListSchedules возвращает список schedules с фильтрацией.
// GET /api/v1/schedules?name=a,b&group_key=...&state=STARTED,PAUSED&limit=...&offset=...
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ScheduleFilter{
		Names:    splitList(q.Get("name")),
		GroupKey: q.Get("group_key"),
		Limit:    int(mustParseInt(q.Get("limit"), 50)),
		Offset:   int(mustParseInt(q.Get("offset"), 0)),
	}

	for _, raw := range splitList(q.Get("state")) {
		state := domain.ScheduleState(strings.ToUpper(raw))
		switch state {
		case domain.ScheduleStateStarted, domain.ScheduleStatePaused, domain.ScheduleStateDeleted:
			filter.States = append(filter.States, state)
		default:
			BadRequest(w, "invalid state: "+raw)
			return
		}
	}

	schedules, err := h.sched.SearchSchedules(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		result[i] = ScheduleFromDomain(&schedules[i])
	}

	List(w, result, len(result))
}

// CreateSchedule создаёт schedule.
// POST /api/v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	props := scheduler.ScheduleProps{
		Name:                      req.Name,
		GroupKey:                  req.GroupKey,
		Frequency:                 req.Frequency,
		Payload:                   req.Payload,
		RetryMax:                  req.RetryMax,
		CreatedToStartedTimeout:   msToDuration(req.CreatedToStartedTimeoutMs),
		StartedToCompletedTimeout: msToDuration(req.StartedToCompletedTimeoutMs),
		HeartbeatTimeout:          msToDuration(req.HeartbeatTimeoutMs),
	}
	if req.StartsAt != nil {
		props.StartsAt = *req.StartsAt
	}

	schedule, err := h.sched.CreateSchedule(r.Context(), props)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, ScheduleFromDomain(schedule))
}

// GetSchedule возвращает schedule по ID.
// GET /api/v1/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	schedule, err := h.sched.GetSchedule(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ScheduleFromDomain(schedule))
}

// UpdateSchedule обновляет frequency, группу, payload или retry_max.
// PUT /api/v1/schedules/{id}
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req UpdateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	schedule, err := h.sched.UpdateSchedule(r.Context(), id, scheduler.ScheduleUpdate{
		Frequency: req.Frequency,
		GroupKey:  req.GroupKey,
		Payload:   req.Payload,
		RetryMax:  req.RetryMax,
	})
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ScheduleFromDomain(schedule))
}

// DeleteSchedule помечает schedule удалённым.
// DELETE /api/v1/schedules/{id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	schedule, err := h.sched.DeleteSchedule(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ScheduleFromDomain(schedule))
}

// PauseSchedule приостанавливает schedule.
// POST /api/v1/schedules/{id}/pause
func (h *Handler) PauseSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	schedule, err := h.sched.PauseSchedule(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ScheduleFromDomain(schedule))
}

// ResumeSchedule возобновляет schedule.
// POST /api/v1/schedules/{id}/resume
func (h *Handler) ResumeSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	schedule, err := h.sched.ResumeSchedule(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, ScheduleFromDomain(schedule))
}

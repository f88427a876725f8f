package api

import (
	"net/http"

	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	mux.HandleFunc("GET /healthz", Healthz)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	// Tasks
	mux.Handle("POST /api/v1/tasks", chain(http.HandlerFunc(h.EnqueueTask)))
	mux.Handle("GET /api/v1/tasks", chain(http.HandlerFunc(h.SearchTasks)))
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("POST /api/v1/tasks/{id}/start", chain(http.HandlerFunc(h.StartTask)))
	mux.Handle("POST /api/v1/tasks/{id}/heartbeat", chain(http.HandlerFunc(h.HeartbeatTask)))
	mux.Handle("POST /api/v1/tasks/{id}/succeed", chain(http.HandlerFunc(h.SucceedTask)))
	mux.Handle("POST /api/v1/tasks/{id}/fail", chain(http.HandlerFunc(h.FailTask)))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", chain(http.HandlerFunc(h.CancelTask)))

	// Groups
	mux.Handle("POST /api/v1/groups/{key}/dequeue", chain(http.HandlerFunc(h.Dequeue)))
	mux.Handle("GET /api/v1/groups/{key}", chain(http.HandlerFunc(h.GetGroup)))
	mux.Handle("PUT /api/v1/groups/{key}", chain(http.HandlerFunc(h.SetGroup)))

	// Schedules
	mux.Handle("POST /api/v1/schedules", chain(http.HandlerFunc(h.CreateSchedule)))
	mux.Handle("GET /api/v1/schedules", chain(http.HandlerFunc(h.ListSchedules)))
	mux.Handle("GET /api/v1/schedules/{id}", chain(http.HandlerFunc(h.GetSchedule)))
	mux.Handle("PUT /api/v1/schedules/{id}", chain(http.HandlerFunc(h.UpdateSchedule)))
	mux.Handle("DELETE /api/v1/schedules/{id}", chain(http.HandlerFunc(h.DeleteSchedule)))
	mux.Handle("POST /api/v1/schedules/{id}/pause", chain(http.HandlerFunc(h.PauseSchedule)))
	mux.Handle("POST /api/v1/schedules/{id}/resume", chain(http.HandlerFunc(h.ResumeSchedule)))

	if h.fleet == nil {
		return
	}

	// Fleet
	mux.Handle("GET /api/v1/fleet/nodes", chain(http.HandlerFunc(h.ListNodes)))
	mux.Handle("GET /api/v1/fleet/nodes/{id}", chain(http.HandlerFunc(h.GetNode)))
	mux.Handle("POST /api/v1/fleet/nodes/{id}/register", chain(http.HandlerFunc(h.RegisterNode)))
	mux.Handle("POST /api/v1/fleet/nodes/{id}/idle", chain(http.HandlerFunc(h.NodeIdle)))
	mux.Handle("POST /api/v1/fleet/nodes/{id}/terminate", chain(http.HandlerFunc(h.TerminateNode)))

	mux.Handle("POST /api/v1/fleet/deployments", chain(http.HandlerFunc(h.Deploy)))
	mux.Handle("GET /api/v1/fleet/deployments", chain(http.HandlerFunc(h.ListDeployments)))
	mux.Handle("GET /api/v1/fleet/deployments/active", chain(http.HandlerFunc(h.ActiveDeployment)))

	mux.Handle("GET /api/v1/fleet/overrides", chain(http.HandlerFunc(h.ListOverrides)))
	mux.Handle("PUT /api/v1/fleet/overrides/{routing_id}", chain(http.HandlerFunc(h.SetOverride)))
	mux.Handle("DELETE /api/v1/fleet/overrides/{routing_id}", chain(http.HandlerFunc(h.DeleteOverride)))
}

// Healthz отвечает 200, пока процесс жив.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

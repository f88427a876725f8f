package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
)

// ListNodes возвращает nodes fleet.
// GET /api/v1/fleet/nodes?routing_id=...&state=RUNNING,IDLE&limit=...
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.NodeFilter{
		RoutingID: q.Get("routing_id"),
		Limit:     int(mustParseInt(q.Get("limit"), repo.DefaultSearchLimit)),
	}
	for _, raw := range splitList(q.Get("state")) {
		state := domain.NodeState(strings.ToUpper(raw))
		if !state.IsValid() {
			BadRequest(w, "invalid state: "+raw)
			return
		}
		filter.States = append(filter.States, state)
	}

	nodes, err := h.fleet.SearchNodes(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]NodeResponse, len(nodes))
	for i := range nodes {
		result[i] = NodeFromDomain(&nodes[i])
	}
	List(w, result, len(result))
}

// GetNode возвращает node по ID.
// GET /api/v1/fleet/nodes/{id}
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	node, err := h.fleet.GetNode(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, NodeFromDomain(node))
}

// RegisterNode — node сообщает свой адрес после старта.
// POST /api/v1/fleet/nodes/{id}/register
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	node, err := h.fleet.Register(r.Context(), id, req.URL)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, NodeFromDomain(node))
}

// NodeIdle — node сообщает, что простаивает.
// POST /api/v1/fleet/nodes/{id}/idle
func (h *Handler) NodeIdle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req NodeIdleRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.IdleForMs < 0 {
		BadRequest(w, "idle_for_ms must be >= 0")
		return
	}

	node, err := h.fleet.ReportIdle(r.Context(), id, msToDuration(req.IdleForMs))
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, NodeFromDomain(node))
}

// TerminateNode выводит node из работы.
// POST /api/v1/fleet/nodes/{id}/terminate
func (h *Handler) TerminateNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	node, err := h.fleet.RequestTermination(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, NodeFromDomain(node))
}

// Deploy активирует новый образ runner'ов.
// POST /api/v1/fleet/deployments
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	d, err := h.fleet.Deploy(r.Context(), req.Image)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, d)
}

// ListDeployments возвращает последние deployments.
// GET /api/v1/fleet/deployments?limit=...
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	limit := int(mustParseInt(r.URL.Query().Get("limit"), 20))

	list, err := h.fleet.ListDeployments(r.Context(), limit)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, list, len(list))
}

// ActiveDeployment возвращает активный deployment.
// GET /api/v1/fleet/deployments/active
func (h *Handler) ActiveDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.fleet.ActiveDeployment(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, d)
}

// ListOverrides возвращает overrides формы nodes.
// GET /api/v1/fleet/overrides?routing_id=a,b
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	list, err := h.fleet.ListOverrides(r.Context(), splitList(r.URL.Query().Get("routing_id"))...)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, list, len(list))
}

// SetOverride создаёт или заменяет override для routing id.
// PUT /api/v1/fleet/overrides/{routing_id}
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	o, err := h.fleet.SetOverride(r.Context(), domain.NodeConfigOverride{
		RoutingID: r.PathValue("routing_id"),
		Image:     req.Image,
		CPUMilli:  req.CPUMilli,
		MemoryMb:  req.MemoryMb,
		StorageMb: req.StorageMb,
	})
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, o)
}

// DeleteOverride удаляет override.
// DELETE /api/v1/fleet/overrides/{routing_id}
func (h *Handler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, h.logger, h.fleet.DeleteOverride(r.Context(), r.PathValue("routing_id"))) {
		return
	}

	NoContent(w)
}

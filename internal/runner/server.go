package runner

import (
	"log/slog"
	"net/http"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

// healthResponse — ответ /health.
type healthResponse struct {
	Status   string `json:"status"`
	Running  int    `json:"running"`
	Draining bool   `json:"draining"`
}

// NewServer возвращает HTTP handler runner'а:
//
//	GET  /health          — жив ли runner
//	POST /notifyWhenIdle  — прекратить dequeue и сообщить о простое
//	GET  /metrics
func NewServer(p *Processor, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	chain := api.Chain(api.Recovery(logger), api.Logging(logger))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		status := "ok"
		if p.IsStopped() {
			status = "stopping"
		}
		api.JSON(w, http.StatusOK, healthResponse{
			Status:   status,
			Running:  p.Running(),
			Draining: p.Draining(),
		})
	})
	mux.Handle("POST /notifyWhenIdle", chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p.NotifyWhenIdle()
		api.JSON(w, http.StatusOK, healthResponse{
			Status:   "draining",
			Running:  p.Running(),
			Draining: true,
		})
	})))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/registry"
)

// WorkerHandler serves read-only worker liveness state from the registry.
type WorkerHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(reg *registry.Registry, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{registry: reg, logger: logger.Named("worker_handler")}
}

type workerResponse struct {
	Hostname  string `json:"hostname"`
	Online    bool   `json:"online"`
	LastMsgAt string `json:"last_msg_at"`
}

func workerToResponse(w registry.WorkerView) workerResponse {
	return workerResponse{
		Hostname:  w.Hostname,
		Online:    w.Online,
		LastMsgAt: w.LastMsgAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// List handles GET /api/v1/workers.
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()
	out := make([]workerResponse, 0, len(snapshot))
	for _, wv := range snapshot {
		out = append(out, workerToResponse(wv))
	}
	Ok(w, out)
}

// GetByHostname handles GET /api/v1/workers/{hostname}.
func (h *WorkerHandler) GetByHostname(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	for _, wv := range h.registry.Snapshot() {
		if wv.Hostname == hostname {
			Ok(w, workerToResponse(wv))
			return
		}
	}
	ErrNotFound(w)
}

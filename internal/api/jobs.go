package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/store"
)

// JobHandler serves read-only job lookups from the store.
type JobHandler struct {
	store  store.Store
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(st store.Store, logger *zap.Logger) *JobHandler {
	return &JobHandler{store: st, logger: logger.Named("job_handler")}
}

type deviceResponse struct {
	Hostname    string `json:"hostname"`
	HealthCheck bool   `json:"health_check"`
	Priority    int    `json:"priority"`
	TargetGroup string `json:"target_group"`
}

type jobResponse struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	IsPipeline        bool            `json:"is_pipeline"`
	IsMultinode       bool            `json:"is_multinode"`
	DynamicConnection bool            `json:"dynamic_connection"`
	ActualDevice      *deviceResponse `json:"actual_device,omitempty"`
	RequestedDevice   *deviceResponse `json:"requested_device,omitempty"`
	OutputDir         string          `json:"output_dir"`
	SubmitTime        string          `json:"submit_time"`
}

func deviceToResponse(d *store.Device) *deviceResponse {
	if d == nil {
		return nil
	}
	return &deviceResponse{
		Hostname:    d.Hostname,
		HealthCheck: d.HealthCheck,
		Priority:    d.Priority,
		TargetGroup: d.TargetGroup,
	}
}

func jobToResponse(j store.Job) jobResponse {
	return jobResponse{
		ID:                j.ID.String(),
		Status:            string(j.Status),
		IsPipeline:        j.IsPipeline,
		IsMultinode:       j.IsMultinode,
		DynamicConnection: j.DynamicConnection,
		ActualDevice:      deviceToResponse(j.ActualDevice),
		RequestedDevice:   deviceToResponse(j.RequestedDevice),
		OutputDir:         j.OutputDir,
		SubmitTime:        j.SubmitTime.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("get job failed", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, jobToResponse(job))
}

// Package handler exposes the job API over echo: archive submission,
// status polling, cancellation and the service dashboard.
package handler

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/orchestrator"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/registry"
)

// JobHandler serves the review job endpoints.
type JobHandler struct {
	orch           *orchestrator.Orchestrator
	registry       *registry.Registry
	maxUploadBytes int64
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(orch *orchestrator.Orchestrator, reg *registry.Registry, maxUploadBytes int64) *JobHandler {
	return &JobHandler{orch: orch, registry: reg, maxUploadBytes: maxUploadBytes}
}

// Register mounts the job routes on the given group.
func (h *JobHandler) Register(g *echo.Group) {
	g.POST("/jobs", h.Submit)
	g.GET("/jobs/:id", h.Status)
	g.POST("/jobs/:id/cancel", h.Cancel)
	g.GET("/services", h.Services)
}

type submitRequest struct {
	TargetRef string `form:"target_ref" validate:"omitempty,max=255"`
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

// Submit accepts a multipart upload with the archive in the "file" part
// and starts (or attaches to) a review job. A fresh job answers 201, a
// deduplicated submission answers 200 with the existing job's ID.
func (h *JobHandler) Submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return domain.ErrInvalidInput
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return &domain.ValidationError{Field: "file", Message: "archive file is required"}
	}
	if h.maxUploadBytes > 0 && fh.Size > h.maxUploadBytes {
		return domain.NewStageError(domain.ErrKindValidation,
			"archive is %d bytes, limit is %d", fh.Size, h.maxUploadBytes)
	}

	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	limit := h.maxUploadBytes
	if limit <= 0 {
		limit = 1 << 30
	}
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return domain.NewStageError(domain.ErrKindValidation, "archive exceeds the %d byte limit", limit)
	}

	id, created, err := h.orch.Submit(c.Request().Context(), data, req.TargetRef)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return JSON(c, status, submitResponse{JobID: id, Created: created})
}

// Status returns the current stage and accumulated results of one job.
func (h *JobHandler) Status(c echo.Context) error {
	st, err := h.orch.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, st)
}

type cancelResponse struct {
	JobID string       `json:"job_id"`
	Stage domain.Stage `json:"stage"`
}

// Cancel requests cancellation of a running job. The answer is 202
// because an in-flight stage finishes on its own schedule; its result
// is discarded when it lands.
func (h *JobHandler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.orch.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	return JSON(c, http.StatusAccepted, cancelResponse{JobID: id, Stage: domain.StageCancelled})
}

type servicesResponse struct {
	Services []registry.Endpoint `json:"services"`
}

// Services reports every registered backend endpoint with its last
// probe result.
func (h *JobHandler) Services(c echo.Context) error {
	return JSON(c, http.StatusOK, servicesResponse{Services: h.registry.Snapshot()})
}

// Health is the liveness endpoint.
func Health(c echo.Context) error {
	return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

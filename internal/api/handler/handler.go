package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"go-groupwatch/internal/api/dto"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/service"
)

type Handler struct {
	workflows service.WorkflowService
	leads     service.LeadService
	logger    *slog.Logger
}

func NewHandler(workflows service.WorkflowService, leads service.LeadService, logger *slog.Logger) *Handler {
	return &Handler{
		workflows: workflows,
		leads:     leads,
		logger:    logger.With("module", "api"),
	}
}

func (h *Handler) StartWorkflow(c *gin.Context) {
	var req dto.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	jobID, err := h.workflows.StartWorkflow(c.Request.Context(), req.Snapshot())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.StartWorkflowResponse{WorkflowID: req.ID, JobID: jobID})
}

func (h *Handler) StopWorkflow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid workflow id"})
		return
	}
	if err := h.workflows.StopWorkflow(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": id, "status": domain.WorkflowStopped})
}

func (h *Handler) LeadCallback(c *gin.Context) {
	// A malformed id cannot name a lead.
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "lead not found"})
		return
	}

	var req dto.LeadCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	res, err := h.leads.ProcessCallback(c.Request.Context(), id, req.GeneratedComment, domain.LeadStatus(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := dto.LeadCallbackResponse{LeadID: id, Status: string(res.Status), Enqueued: res.Enqueued}
	if res.JobID != uuid.Nil {
		resp.JobID = &res.JobID
	}
	c.JSON(http.StatusAccepted, resp)
}

// writeError is the single place domain errors become status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidSnapshot), errors.Is(err, service.ErrMissingComment):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, dto.ErrorResponse{Error: "internal error"})
		return
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}

package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homebase/internal/model"
	"homebase/internal/observer"
	"homebase/internal/repository"
	"homebase/internal/service/workflow"
)

type WorkflowHandler struct {
	machine *workflow.Machine
	repo    *repository.WorkflowRepository
	lists   *observer.ListCache
	logger  *zap.Logger
}

func NewWorkflowHandler(machine *workflow.Machine, repo *repository.WorkflowRepository, lists *observer.ListCache, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{machine: machine, repo: repo, lists: lists, logger: logger}
}

type advanceRequest struct {
	Action           string         `json:"action" binding:"required"`
	ServiceRequestID *int64         `json:"service_request_id"`
	QuoteID          *int64         `json:"quote_id"`
	BookingID        *int64         `json:"booking_id"`
	InvoiceID        *int64         `json:"invoice_id"`
	HomeownerID      int64          `json:"homeowner_id"`
	ProviderOrgID    *int64         `json:"provider_org_id"`
	Metadata         map[string]any `json:"metadata"`
}

func (h *WorkflowHandler) Advance(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Advance: invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	h.logger.Info("Advance request received",
		zap.String("action", req.Action),
		zap.String("client_ip", c.ClientIP()),
	)

	result, err := h.machine.Advance(c.Request.Context(), req.Action, workflow.Refs{
		ServiceRequestID: req.ServiceRequestID,
		QuoteID:          req.QuoteID,
		BookingID:        req.BookingID,
		InvoiceID:        req.InvoiceID,
		HomeownerID:      req.HomeownerID,
		ProviderOrgID:    req.ProviderOrgID,
	}, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrUnknownAction):
			h.logger.Warn("Advance: unknown action", zap.String("action", req.Action))
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
		case errors.Is(err, workflow.ErrReferenceResolution):
			h.logger.Warn("Advance: reference resolution failed", zap.Error(err))
			c.JSON(http.StatusNotFound, gin.H{"error": "referenced record not found"})
		default:
			h.logger.Error("Advance: failed to apply action",
				zap.String("action", req.Action),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to advance workflow"})
		}
		return
	}

	h.logger.Info("Advance: success",
		zap.Int64("workflow_id", result.WorkflowID),
		zap.String("stage", string(result.Stage)),
	)
	c.JSON(http.StatusOK, gin.H{
		"workflow_id": result.WorkflowID,
		"stage":       result.Stage,
		"created":     result.Created,
	})
}

func (h *WorkflowHandler) GetByServiceRequest(c *gin.Context) {
	idStr := c.Param("service_request_id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid service_request_id"})
		return
	}

	w, err := h.repo.GetByServiceRequest(c.Request.Context(), id)
	if err != nil {
		if repository.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		h.logger.Error("GetByServiceRequest: query failed",
			zap.Int64("service_request_id", id),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch workflow"})
		return
	}

	c.JSON(http.StatusOK, workflowResponse(w))
}

func (h *WorkflowHandler) List(c *gin.Context) {
	var filter repository.ListFilter

	if raw := c.Query("homeowner_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid homeowner_id"})
			return
		}
		filter.HomeownerID = &id
	}
	if raw := c.Query("provider_org_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider_org_id"})
			return
		}
		filter.ProviderOrgID = &id
	}
	if raw := c.Query("stage"); raw != "" {
		stage := model.Stage(raw)
		filter.Stage = &stage
	}
	filter.Limit = 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	workflows, err := h.lists.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("List: query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch workflows"})
		return
	}

	out := make([]gin.H, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, workflowResponse(w))
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out})
}

func workflowResponse(w *model.WorkflowState) gin.H {
	total := len(model.StageOrder)
	current := 0
	percentage := 0
	if idx := model.StageIndex(w.Stage); idx >= 0 {
		current = idx + 1
		percentage = roundPercent(current, total)
	}
	return gin.H{
		"id":                 w.ID,
		"service_request_id": w.ServiceRequestID,
		"quote_id":           w.QuoteID,
		"booking_id":         w.BookingID,
		"invoice_id":         w.InvoiceID,
		"homeowner_id":       w.HomeownerID,
		"provider_org_id":    w.ProviderOrgID,
		"stage":              w.Stage,
		"stage_label":        model.StageLabel(w.Stage),
		"stage_started_at":   w.StageStartedAt,
		"stage_completed_at": w.StageCompletedAt,
		"metadata":           w.Metadata,
		"progress": gin.H{
			"current":    current,
			"total":      total,
			"percentage": percentage,
		},
		"updated_at": w.UpdatedAt,
	}
}

func roundPercent(current, total int) int {
	return (current*100 + total/2) / total
}

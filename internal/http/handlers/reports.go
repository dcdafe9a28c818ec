package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/marketbench-backend/internal/http/response"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/services"
)

type ReportHandler struct {
	log     *logger.Logger
	reports services.ReportService
}

func NewReportHandler(log *logger.Logger, reports services.ReportService) *ReportHandler {
	return &ReportHandler{log: log.With("handler", "ReportHandler"), reports: reports}
}

type createReportRequest struct {
	Plan      string          `json:"plan"`
	InputData json.RawMessage `json:"input_data"`
}

// POST /api/reports
func (h *ReportHandler) CreateReport(c *gin.Context) {
	var req createReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	report, err := h.reports.CreateDraft(c.Request.Context(), req.Plan, req.InputData)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report": report})
}

// GET /api/reports
func (h *ReportHandler) ListReports(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.reports.ListForRequestUser(c.Request.Context(), limit)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"reports": list})
}

// GET /api/reports/:id
func (h *ReportHandler) GetReport(c *gin.Context) {
	id, ok := reportIDParam(c)
	if !ok {
		return
	}
	report, err := h.reports.GetForRequestUser(c.Request.Context(), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"report": report})
}

// GET /api/reports/:id/status
func (h *ReportHandler) GetStatus(c *gin.Context) {
	id, ok := reportIDParam(c)
	if !ok {
		return
	}
	view, err := h.reports.PollForRequestUser(c.Request.Context(), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	response.RespondOK(c, view)
}

type generateRequest struct {
	ReportID string `json:"reportId"`
}

// POST /api/generate-report
func (h *ReportHandler) GenerateReport(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	id, err := uuid.Parse(req.ReportID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_report_id", err)
		return
	}
	status, err := h.reports.TriggerGeneration(c.Request.Context(), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true, "status": status})
}

// POST /api/reports/:id/retry
func (h *ReportHandler) RetryReport(c *gin.Context) {
	id, ok := reportIDParam(c)
	if !ok {
		return
	}
	status, err := h.reports.Retry(c.Request.Context(), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"success": true, "status": status})
}

// POST /api/reports/:id/abandon
//
// Sent with navigator.sendBeacon when the buyer leaves mid-generation, so the
// response body is never read.
func (h *ReportHandler) AbandonReport(c *gin.Context) {
	id, ok := reportIDParam(c)
	if !ok {
		return
	}
	abandoned, err := h.reports.Abandon(c.Request.Context(), id)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"abandoned": abandoned})
}

func reportIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_report_id", err)
		return uuid.Nil, false
	}
	return id, true
}

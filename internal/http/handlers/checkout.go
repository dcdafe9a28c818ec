package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/marketbench-backend/internal/http/response"
	"github.com/yungbote/marketbench-backend/internal/services"
)

type CheckoutHandler struct {
	checkout services.CheckoutService
}

func NewCheckoutHandler(checkout services.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout}
}

type createCheckoutRequest struct {
	Plan     string `json:"plan"`
	ReportID string `json:"reportId"`
}

// POST /api/create-checkout
func (h *CheckoutHandler) CreateCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	reportID, err := uuid.Parse(req.ReportID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_report_id", err)
		return
	}
	res, err := h.checkout.CreateCheckout(c.Request.Context(), req.Plan, reportID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, res)
}

type verifyPaymentRequest struct {
	SessionID string `json:"sessionId"`
}

// POST /api/verify-payment
func (h *CheckoutHandler) VerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_session_id", nil)
		return
	}
	res, err := h.checkout.VerifyPayment(c.Request.Context(), sessionID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, res)
}

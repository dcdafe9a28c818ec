package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/marketbench-backend/internal/http/response"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
	"github.com/yungbote/marketbench-backend/internal/services"
)

type WebhookHandler struct {
	log      *logger.Logger
	webhooks services.WebhookService
}

func NewWebhookHandler(log *logger.Logger, webhooks services.WebhookService) *WebhookHandler {
	return &WebhookHandler{log: log.With("handler", "WebhookHandler"), webhooks: webhooks}
}

// POST /api/stripe-webhook
//
// The raw body is needed for signature verification, so nothing may bind or
// re-encode it first.
func (h *WebhookHandler) Stripe(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, stripe.MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.RespondError(c, http.StatusRequestEntityTooLarge, "payload_too_large", err)
			return
		}
		response.RespondError(c, http.StatusBadRequest, "unreadable_body", err)
		return
	}
	res, err := h.webhooks.Ingest(c.Request.Context(), body, c.GetHeader(stripe.SignatureHeader))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	h.log.Debug("Webhook acknowledged", "event_id", res.EventID, "type", res.EventType, "outcome", res.Outcome)
	response.RespondOK(c, res)
}

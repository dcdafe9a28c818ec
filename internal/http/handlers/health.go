package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/marketbench-backend/internal/observability"
)

type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Metrics serves the Prometheus registry; 404 when metrics are disabled.
func (h *HealthHandler) Metrics(m *observability.Metrics) gin.HandlerFunc {
	return gin.WrapH(m.Handler())
}

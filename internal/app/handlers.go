package app

import (
	"github.com/gin-gonic/gin"

	httpapi "github.com/yungbote/marketbench-backend/internal/http"
	httpH "github.com/yungbote/marketbench-backend/internal/http/handlers"
	httpMW "github.com/yungbote/marketbench-backend/internal/http/middleware"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health   *httpH.HealthHandler
	Reports  *httpH.ReportHandler
	Checkout *httpH.CheckoutHandler
	Webhook  *httpH.WebhookHandler
}

func wireHandlers(log *logger.Logger, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:   httpH.NewHealthHandler(),
		Reports:  httpH.NewReportHandler(log, services.Reports),
		Checkout: httpH.NewCheckoutHandler(services.Checkout),
		Webhook:  httpH.NewWebhookHandler(log, services.Webhooks),
	}
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.Auth),
	}
}

func wireRouter(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *gin.Engine {
	return httpapi.NewRouter(httpapi.RouterConfig{
		Log:             log,
		Metrics:         metrics,
		ServiceName:     cfg.ServiceName,
		AllowedOrigins:  cfg.AllowedOrigins,
		AuthMiddleware:  middleware.Auth,
		HealthHandler:   handlers.Health,
		ReportHandler:   handlers.Reports,
		CheckoutHandler: handlers.Checkout,
		WebhookHandler:  handlers.Webhook,
	})
}

package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/marketbench-backend/internal/http/handlers"
	httpMW "github.com/yungbote/marketbench-backend/internal/http/middleware"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	Metrics        *observability.Metrics
	ServiceName    string
	AllowedOrigins []string

	AuthMiddleware *httpMW.AuthMiddleware

	HealthHandler   *httpH.HealthHandler
	ReportHandler   *httpH.ReportHandler
	CheckoutHandler *httpH.CheckoutHandler
	WebhookHandler  *httpH.WebhookHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/metrics", cfg.HealthHandler.Metrics(cfg.Metrics))
	}

	api := r.Group("/api")
	{
		// Payment events (signature-authenticated)
		if cfg.WebhookHandler != nil {
			api.POST("/stripe-webhook", cfg.WebhookHandler.Stripe)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Reports
		if cfg.ReportHandler != nil {
			protected.POST("/reports", cfg.ReportHandler.CreateReport)
			protected.GET("/reports", cfg.ReportHandler.ListReports)
			protected.GET("/reports/:id", cfg.ReportHandler.GetReport)
			protected.GET("/reports/:id/status", cfg.ReportHandler.GetStatus)
			protected.POST("/reports/:id/retry", cfg.ReportHandler.RetryReport)
			protected.POST("/reports/:id/abandon", cfg.ReportHandler.AbandonReport)
			protected.POST("/generate-report", cfg.ReportHandler.GenerateReport)
		}

		// Checkout
		if cfg.CheckoutHandler != nil {
			protected.POST("/create-checkout", cfg.CheckoutHandler.CreateCheckout)
			protected.POST("/verify-payment", cfg.CheckoutHandler.VerifyPayment)
		}
	}

	return r
}

package app

import (
	"fmt"

	"github.com/yungbote/marketbench-backend/internal/jobs/background"
	"github.com/yungbote/marketbench-backend/internal/jobs/sweeper"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/services"
	"github.com/yungbote/marketbench-backend/internal/temporalx/reportgen"
	"github.com/yungbote/marketbench-backend/internal/temporalx/temporalworker"
)

type Services struct {
	Auth       services.AuthService
	Generation services.GenerationService
	Dispatcher services.GenerationDispatcher
	Notifier   services.PaymentNotifier
	Reports    services.ReportService
	Checkout   services.CheckoutService
	Webhooks   services.WebhookService

	Runner         *background.Runner
	Sweeper        *sweeper.Sweeper
	TemporalWorker *temporalworker.Runner
}

func wireServices(log *logger.Logger, cfg Config, clients Clients, repos Repos, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")
	var s Services

	s.Auth = services.NewAuthService(log, cfg.JWTSecret, cfg.JWTIssuer)
	s.Runner = background.NewRunner(log, cfg.Background)
	s.Generation = services.NewGenerationService(log, repos.Reports, clients.OpenAI, clients.Locker, metrics, cfg.Generation)

	if clients.Temporal != nil {
		d, err := reportgen.NewDispatcher(log, clients.Temporal, cfg.Temporal.TaskQueue, metrics)
		if err != nil {
			return s, fmt.Errorf("init temporal dispatcher: %w", err)
		}
		s.Dispatcher = d
		w, err := temporalworker.NewRunner(log, clients.Temporal, cfg.Temporal, s.Generation)
		if err != nil {
			return s, fmt.Errorf("init temporal worker: %w", err)
		}
		s.TemporalWorker = w
	} else {
		s.Dispatcher = services.NewGoroutineDispatcher(log, s.Runner, s.Generation, metrics)
	}
	log.Info("Generation dispatch mode", "mode", s.Dispatcher.Mode())

	if clients.SendGrid != nil {
		s.Notifier = services.NewEmailNotifier(log, clients.SendGrid, cfg.AppBaseURL, metrics)
	} else {
		s.Notifier = services.NewNoopNotifier(log)
	}

	s.Reports = services.NewReportService(log, repos.Reports, s.Generation, s.Dispatcher, metrics)
	s.Checkout = services.NewCheckoutService(log, repos.Reports, clients.Stripe, cfg.AppBaseURL, metrics)
	s.Webhooks = services.NewWebhookService(log, repos.Reports, cfg.Stripe.WebhookSecret, s.Runner, s.Notifier, s.Generation, s.Dispatcher, metrics)
	s.Sweeper = sweeper.New(log, repos.Reports, metrics, cfg.Sweeper)
	return s, nil
}

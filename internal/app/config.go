package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/marketbench-backend/internal/data/db"
	"github.com/yungbote/marketbench-backend/internal/jobs/background"
	"github.com/yungbote/marketbench-backend/internal/jobs/sweeper"
	"github.com/yungbote/marketbench-backend/internal/platform/envutil"
	"github.com/yungbote/marketbench-backend/internal/platform/lease"
	"github.com/yungbote/marketbench-backend/internal/platform/openai"
	"github.com/yungbote/marketbench-backend/internal/platform/sendgrid"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
	"github.com/yungbote/marketbench-backend/internal/services"
	"github.com/yungbote/marketbench-backend/internal/temporalx"
)

type Config struct {
	LogMode         string
	Port            string
	ServiceName     string
	Version         string
	AppBaseURL      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	JWTSecret string
	JWTIssuer string

	Postgres   db.PostgresConfig
	Stripe     stripe.Config
	OpenAI     openai.Config
	SendGrid   sendgrid.Config
	Redis      lease.RedisConfig
	Temporal   temporalx.Config
	Generation services.GenerationConfig
	Background background.Config
	Sweeper    sweeper.Config
}

// LoadConfig reads the environment and reports every missing required key
// at once, so a misconfigured deploy fails on startup instead of on the
// first payment.
func LoadConfig() (Config, error) {
	cfg := Config{
		LogMode:         envutil.String("LOG_MODE", "development"),
		Port:            envutil.String("PORT", "8080"),
		ServiceName:     envutil.String("OTEL_SERVICE_NAME", "marketbench-api"),
		Version:         envutil.String("APP_VERSION", "dev"),
		AppBaseURL:      strings.TrimRight(envutil.String("APP_BASE_URL", "http://localhost:5173"), "/"),
		AllowedOrigins:  envutil.List("CORS_ALLOWED_ORIGINS", nil),
		ShutdownTimeout: envutil.Seconds("SHUTDOWN_TIMEOUT_SECONDS", 20*time.Second),

		JWTSecret: envutil.String("AUTH_JWT_SECRET", ""),
		JWTIssuer: envutil.String("AUTH_JWT_ISSUER", ""),

		Postgres:   db.PostgresConfigFromEnv(),
		Stripe:     stripe.ConfigFromEnv(),
		OpenAI:     openai.ConfigFromEnv(),
		SendGrid:   sendgrid.ConfigFromEnv(),
		Redis:      lease.RedisConfigFromEnv(),
		Temporal:   temporalx.LoadConfig(),
		Generation: services.GenerationConfigFromEnv(),
		Background: background.ConfigFromEnv(),
		Sweeper:    sweeper.ConfigFromEnv(),
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = cfg.OpenAI.Model
	}
	if missing := cfg.Missing(); len(missing) > 0 {
		return cfg, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func (c Config) Missing() []string {
	var out []string
	if c.Stripe.SecretKey == "" {
		out = append(out, "STRIPE_SECRET_KEY")
	}
	if c.Stripe.WebhookSecret == "" {
		out = append(out, "STRIPE_WEBHOOK_SECRET")
	}
	if c.OpenAI.APIKey == "" {
		out = append(out, "OPENAI_API_KEY")
	}
	if c.JWTSecret == "" {
		out = append(out, "AUTH_JWT_SECRET")
	}
	return append(out, c.Postgres.Missing()...)
}

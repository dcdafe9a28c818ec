package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/marketbench-backend/internal/data/db"
	httpapi "github.com/yungbote/marketbench-backend/internal/http"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	Metrics  *observability.Metrics

	pg           *db.PostgresService
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if cfg.LogMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.LogMode,
		Version:     cfg.Version,
	})
	metrics := observability.Init(log)

	pg, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		_ = pg.Close()
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = pg.Close()
		log.Sync()
		return nil, err
	}
	reposet := wireRepos(pg.DB(), log)
	serviceset, err := wireServices(log, cfg, clients, reposet, metrics)
	if err != nil {
		clients.Close()
		_ = pg.Close()
		log.Sync()
		return nil, err
	}
	router := wireRouter(log, cfg, metrics, wireHandlers(log, serviceset), wireMiddleware(log, serviceset))

	return &App{
		Log:          log,
		DB:           pg.DB(),
		Router:       router,
		Cfg:          cfg,
		Clients:      clients,
		Repos:        reposet,
		Services:     serviceset,
		Metrics:      metrics,
		pg:           pg,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves HTTP and runs the stall sweeper (and the Temporal worker when
// configured) until ctx is canceled, then drains background tasks.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	if a.Services.TemporalWorker != nil {
		if err := a.Services.TemporalWorker.Start(gctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	}

	srv := httpapi.NewServer(":"+a.Cfg.Port, a.Router, a.Cfg.ShutdownTimeout)
	g.Go(func() error {
		a.Log.Info("Server listening", "port", a.Cfg.Port)
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return a.Services.Sweeper.Run(gctx)
	})

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownTimeout)
	defer cancel()
	if dErr := a.Services.Runner.Shutdown(drainCtx); dErr != nil {
		a.Log.Warn("Background tasks still running at shutdown", "error", dErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.Clients.Close()
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.otelShutdown(ctx)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

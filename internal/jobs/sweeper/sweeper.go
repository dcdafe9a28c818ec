// Package sweeper fails reports that have sat in processing without a
// heartbeat for too long, so nothing stays in processing forever.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/marketbench-backend/internal/data/repos"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/dbctx"
	"github.com/yungbote/marketbench-backend/internal/platform/envutil"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type Config struct {
	Interval time.Duration
	After    time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Interval: envutil.Seconds("STALL_SWEEP_INTERVAL_SECONDS", time.Minute),
		After:    envutil.Seconds("STALL_SWEEP_AFTER_SECONDS", 15*time.Minute),
	}
}

type Sweeper struct {
	log     *logger.Logger
	repo    repos.ReportRepo
	metrics *observability.Metrics
	cfg     Config
	now     func() time.Time
}

func New(baseLog *logger.Logger, repo repos.ReportRepo, metrics *observability.Metrics, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.After <= 0 {
		cfg.After = 15 * time.Minute
	}
	return &Sweeper{
		log:     baseLog.With("component", "StallSweeper"),
		repo:    repo,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("Starting stall sweeper", "interval", s.cfg.Interval.String(), "after", s.cfg.After.String())
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stall sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("Stall sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.After)
	n, err := s.repo.FailStale(dbctx.Context{Ctx: ctx}, cutoff, map[string]interface{}{
		"error_kind":      reports.ErrorKindStalled,
		"error_message":   fmt.Sprintf("no progress for %s", s.cfg.After),
		"processing_step": "stalled",
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("Failed stalled reports", "count", n, "cutoff", cutoff)
		s.metrics.AddStaleFailed(n)
	}
	return n, nil
}

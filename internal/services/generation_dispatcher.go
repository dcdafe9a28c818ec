package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/jobs/background"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

// GenerationDispatcher starts a generation without waiting for it. A nil
// error means the work was handed off, not that it succeeded.
type GenerationDispatcher interface {
	Dispatch(ctx context.Context, reportID uuid.UUID) error
	Mode() string
}

type goroutineDispatcher struct {
	log     *logger.Logger
	runner  *background.Runner
	gen     GenerationService
	metrics *observability.Metrics
}

func NewGoroutineDispatcher(baseLog *logger.Logger, runner *background.Runner, gen GenerationService, metrics *observability.Metrics) GenerationDispatcher {
	return &goroutineDispatcher{
		log:     baseLog.With("service", "GenerationDispatcher", "mode", "goroutine"),
		runner:  runner,
		gen:     gen,
		metrics: metrics,
	}
}

func (d *goroutineDispatcher) Mode() string { return "goroutine" }

func (d *goroutineDispatcher) Dispatch(ctx context.Context, reportID uuid.UUID) error {
	err := d.runner.Go(ctx, "report_generate",
		func(ctx context.Context) error {
			err := d.gen.Generate(ctx, reportID)
			// Recorded failures and duplicate triggers need nothing more.
			if err == nil || errors.Is(err, ErrGenerationInFlight) || KindOf(err) != "" {
				return nil
			}
			return err
		},
		func(ctx context.Context, err error) {
			if mErr := d.gen.MarkFailed(ctx, reportID, reports.ErrorKindInternal, "generation_crashed", err); mErr != nil {
				d.log.Error("Could not record generation crash", "report_id", reportID, "error", mErr)
			}
		},
	)
	if err != nil {
		d.metrics.IncDispatch(d.Mode(), "rejected")
		return err
	}
	d.metrics.IncDispatch(d.Mode(), "started")
	return nil
}

// dispatchOrFail hands a processing report to the dispatcher and records
// DispatchFailed if the hand-off itself fails.
func dispatchOrFail(ctx context.Context, log *logger.Logger, dispatcher GenerationDispatcher, gen GenerationService, reportID uuid.UUID) error {
	err := dispatcher.Dispatch(ctx, reportID)
	if err == nil {
		return nil
	}
	log.Error("Generation dispatch failed", "report_id", reportID, "mode", dispatcher.Mode(), "error", err)
	if mErr := gen.MarkFailed(ctx, reportID, reports.ErrorKindDispatchFailed, "dispatch_failed", err); mErr != nil {
		log.Error("Could not record dispatch failure", "report_id", reportID, "error", mErr)
	}
	return &GenerationError{Kind: reports.ErrorKindDispatchFailed, Err: err}
}

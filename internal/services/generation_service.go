package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/marketbench-backend/internal/data/repos"
	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/ctxutil"
	"github.com/yungbote/marketbench-backend/internal/platform/dbctx"
	"github.com/yungbote/marketbench-backend/internal/platform/envutil"
	"github.com/yungbote/marketbench-backend/internal/platform/lease"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/platform/openai"
	"github.com/yungbote/marketbench-backend/internal/prompts"
)

const (
	stepStarting   = "starting"
	stepGenerating = "generating"
	stepParsing    = "parsing"
	stepComplete   = "complete"

	progressStart     = 5
	progressHeartbeat = 10
	progressCeiling   = 85
	progressParsing   = 90

	leaseIntervals = 3
)

type GenerationConfig struct {
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatStep     int
	LeaseTTL          time.Duration
	Model             string
}

func GenerationConfigFromEnv() GenerationConfig {
	return GenerationConfig{
		Timeout:           envutil.Seconds("GENERATION_TIMEOUT_SECONDS", 4*time.Minute),
		HeartbeatInterval: envutil.Seconds("GENERATION_HEARTBEAT_SECONDS", 10*time.Second),
		HeartbeatStep:     envutil.Int("GENERATION_HEARTBEAT_STEP", 5),
		Model:             envutil.String("OPENAI_MODEL", ""),
	}
}

// GenerationService produces report content. Generate is safe to call again
// after a failure and treats a concurrent call for the same report as a
// harmless duplicate; it never moves a ready report.
type GenerationService interface {
	Generate(ctx context.Context, reportID uuid.UUID) error
	MarkFailed(ctx context.Context, reportID uuid.UUID, kind, step string, cause error) error
}

type generationService struct {
	log     *logger.Logger
	repo    repos.ReportRepo
	ai      openai.Client
	locker  lease.Locker
	metrics *observability.Metrics
	cfg     GenerationConfig
}

func NewGenerationService(
	baseLog *logger.Logger,
	repo repos.ReportRepo,
	ai openai.Client,
	locker lease.Locker,
	metrics *observability.Metrics,
	cfg GenerationConfig,
) GenerationService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatStep <= 0 {
		cfg.HeartbeatStep = 5
	}
	// The heartbeat refreshes the lease on every tick. A lease orphaned by a
	// dead process has to lapse before the watcher's stall threshold.
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = leaseIntervals * cfg.HeartbeatInterval
	}
	if locker == nil {
		locker = lease.NewLocalLocker()
	}
	return &generationService{
		log:     baseLog.With("service", "GenerationService"),
		repo:    repo,
		ai:      ai,
		locker:  locker,
		metrics: metrics,
		cfg:     cfg,
	}
}

func leaseKey(reportID uuid.UUID) string {
	return "report-generate:" + reportID.String()
}

func (s *generationService) Generate(ctx context.Context, reportID uuid.UUID) (err error) {
	ctx, span := observability.StartSpan(ctx, "report.generate", attribute.String("report.id", reportID.String()))
	defer func() {
		if err != nil && !errors.Is(err, ErrGenerationInFlight) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dbc := dbctx.Context{Ctx: ctx}
	report, err := s.repo.GetByID(dbc, reportID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if report == nil {
		return notFound(fmt.Errorf("%w: %s", ErrReportNotFound, reportID))
	}
	if report.Status == types.ReportStatusReady {
		s.log.Info("Report already ready; skipping generation", "report_id", reportID)
		return nil
	}
	if !report.Status.Generatable() {
		return invalidState(report.Status, "generate")
	}

	l, err := s.locker.Obtain(ctx, leaseKey(reportID), s.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrNotObtained) {
		s.log.Info("Generation already in flight; ignoring duplicate trigger", "report_id", reportID)
		return ErrGenerationInFlight
	}
	if err != nil {
		return fmt.Errorf("obtain generation lease: %w", err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(ctxutil.Detached(ctx), 5*time.Second)
		defer cancel()
		if rErr := l.Release(relCtx); rErr != nil {
			s.log.Warn("Release generation lease failed", "report_id", reportID, "error", rErr)
		}
	}()

	started := time.Now()
	applied, err := s.repo.Transition(dbc, reportID, uuid.Nil,
		[]types.ReportStatus{types.ReportStatusPaid, types.ReportStatusProcessing, types.ReportStatusFailed},
		types.ReportStatusProcessing,
		map[string]interface{}{
			"processing_step":     stepStarting,
			"processing_progress": progressStart,
			"error_kind":          "",
			"error_message":       "",
			"generation_attempts": gorm.Expr("generation_attempts + 1"),
		})
	s.metrics.IncTransition(string(types.ReportStatusProcessing), "generator", applied)
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}
	if !applied {
		current, gErr := s.repo.GetByID(dbc, reportID)
		if gErr == nil && current != nil && current.Status == types.ReportStatusReady {
			return nil
		}
		status := report.Status
		if current != nil {
			status = current.Status
		}
		return invalidState(status, "generate")
	}
	span.SetAttributes(attribute.String("report.plan", string(report.Plan)))

	output, kind, genErr := s.produce(ctx, report, l)
	if genErr != nil {
		s.metrics.ObserveGeneration(string(report.Plan), kind, time.Since(started))
		s.log.Warn("Report generation failed", "report_id", reportID, "kind", kind, "error", genErr)
		if mErr := s.MarkFailed(ctx, reportID, kind, "generation_failed", genErr); mErr != nil {
			s.log.Error("Could not record generation failure", "report_id", reportID, "error", mErr)
		}
		return &GenerationError{Kind: kind, Err: genErr}
	}

	now := time.Now().UTC()
	applied, err = s.repo.Transition(s.writeCtx(ctx), reportID, uuid.Nil,
		[]types.ReportStatus{types.ReportStatusProcessing},
		types.ReportStatusReady,
		map[string]interface{}{
			"output_data":         datatypes.JSON(output),
			"processing_step":     stepComplete,
			"processing_progress": 100,
			"completed_at":        now,
			"error_kind":          "",
			"error_message":       "",
		})
	s.metrics.IncTransition(string(types.ReportStatusReady), "generator", applied)
	if err != nil {
		s.metrics.ObserveGeneration(string(report.Plan), reports.ErrorKindInternal, time.Since(started))
		if mErr := s.MarkFailed(ctx, reportID, reports.ErrorKindInternal, "save_failed", err); mErr != nil {
			s.log.Error("Could not record save failure", "report_id", reportID, "error", mErr)
		}
		return &GenerationError{Kind: reports.ErrorKindInternal, Err: err}
	}
	if !applied {
		s.log.Info("Report left processing before completion; result discarded", "report_id", reportID)
		s.metrics.ObserveGeneration(string(report.Plan), "discarded", time.Since(started))
		return nil
	}
	s.metrics.ObserveGeneration(string(report.Plan), "ready", time.Since(started))
	s.log.Info("Report ready", "report_id", reportID, "plan", report.Plan, "duration", time.Since(started).String())
	return nil
}

// produce runs the AI call and parse for one attempt and returns validated
// output, or a failure kind.
func (s *generationService) produce(ctx context.Context, report *types.Report, l lease.Lease) ([]byte, string, error) {
	input, err := reports.DecodeInput(report.InputData)
	if err != nil {
		return nil, reports.ErrorKindInternal, err
	}
	req, err := prompts.Build(report.Plan, input)
	if err != nil {
		return nil, reports.ErrorKindInternal, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	stopHeartbeat := s.heartbeat(callCtx, report.ID, l)
	started := time.Now()
	completion, err := s.ai.Complete(callCtx, openai.CompletionRequest{
		System:      req.System,
		User:        req.User,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Model:       s.cfg.Model,
	})
	stopHeartbeat()
	if err != nil {
		kind := aiErrorKind(err)
		s.metrics.ObserveLLMRequest(s.cfg.Model, kind, time.Since(started), 0, 0)
		return nil, kind, err
	}
	s.metrics.ObserveLLMRequest(completion.Model, "ok", time.Since(started), int(completion.PromptTokens), int(completion.CompletionTokens))

	if _, err := s.repo.UpdateProgress(dbctx.Context{Ctx: ctx}, report.ID, stepParsing, progressParsing); err != nil {
		s.log.Debug("Progress update failed", "report_id", report.ID, "error", err)
	}
	out, err := prompts.ParseOutput(report.Plan, completion.Text)
	if err != nil {
		if completion.FinishReason == "length" {
			err = fmt.Errorf("%w (output truncated at max tokens)", err)
		}
		return nil, reports.ErrorKindMalformedOutput, err
	}
	return out, "", nil
}

// heartbeat advances advisory progress toward progressCeiling while the AI
// call is outstanding and keeps the lease alive. The returned func stops it
// and waits for the goroutine to exit.
func (s *generationService) heartbeat(ctx context.Context, reportID uuid.UUID, l lease.Lease) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		progress := progressHeartbeat
		if _, err := s.repo.UpdateProgress(dbctx.Context{Ctx: hbCtx}, reportID, stepGenerating, progress); err != nil && hbCtx.Err() == nil {
			s.log.Debug("Progress update failed", "report_id", reportID, "error", err)
		}
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if progress < progressCeiling {
					progress += s.cfg.HeartbeatStep
					if progress > progressCeiling {
						progress = progressCeiling
					}
				}
				if _, err := s.repo.UpdateProgress(dbctx.Context{Ctx: hbCtx}, reportID, stepGenerating, progress); err != nil && hbCtx.Err() == nil {
					s.log.Debug("Progress update failed", "report_id", reportID, "error", err)
				}
				if l != nil {
					if err := l.Refresh(hbCtx, s.cfg.LeaseTTL); err != nil && hbCtx.Err() == nil {
						s.log.Warn("Generation lease refresh failed", "report_id", reportID, "error", err)
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// MarkFailed moves a processing report to failed. The write is retried so a
// watcher always observes a terminal state; it is a no-op if the report
// already left processing.
func (s *generationService) MarkFailed(ctx context.Context, reportID uuid.UUID, kind, step string, cause error) error {
	msg := ""
	if cause != nil {
		msg = truncate(cause.Error(), 500)
	}
	if strings.TrimSpace(step) == "" {
		step = "failed"
	}
	var applied bool
	err := retry.Do(
		func() error {
			var tErr error
			applied, tErr = s.repo.Transition(s.writeCtx(ctx), reportID, uuid.Nil,
				[]types.ReportStatus{types.ReportStatusProcessing},
				types.ReportStatusFailed,
				map[string]interface{}{
					"error_kind":      kind,
					"error_message":   msg,
					"processing_step": step,
				})
			return tErr
		},
		retry.Attempts(4),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, repos.ErrInvalidTransition) }),
	)
	s.metrics.IncTransition(string(types.ReportStatusFailed), "generator", applied)
	if err != nil {
		return fmt.Errorf("mark report failed: %w", err)
	}
	return nil
}

// writeCtx keeps terminal writes alive after the generation deadline fired.
func (s *generationService) writeCtx(ctx context.Context) dbctx.Context {
	if ctx.Err() == nil {
		return dbctx.Context{Ctx: ctx}
	}
	return dbctx.Context{Ctx: ctxutil.Detached(ctx)}
}

func aiErrorKind(err error) string {
	switch {
	case errors.Is(err, openai.ErrRateLimited):
		return reports.ErrorKindRateLimited
	case errors.Is(err, openai.ErrUnauthenticated):
		return reports.ErrorKindUnauthenticated
	case errors.Is(err, context.DeadlineExceeded):
		return reports.ErrorKindTimeout
	default:
		return reports.ErrorKindUpstream
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

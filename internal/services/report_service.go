package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/marketbench-backend/internal/data/repos"
	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/apierr"
	"github.com/yungbote/marketbench-backend/internal/platform/dbctx"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

// ReportService is the user-facing side of the report lifecycle. Every method
// is scoped to the caller in the request context.
type ReportService interface {
	CreateDraft(ctx context.Context, plan string, input json.RawMessage) (*types.Report, error)
	GetForRequestUser(ctx context.Context, reportID uuid.UUID) (*types.Report, error)
	PollForRequestUser(ctx context.Context, reportID uuid.UUID) (*types.ReportPollView, error)
	ListForRequestUser(ctx context.Context, limit int) ([]*types.Report, error)
	TriggerGeneration(ctx context.Context, reportID uuid.UUID) (types.ReportStatus, error)
	Retry(ctx context.Context, reportID uuid.UUID) (types.ReportStatus, error)
	Abandon(ctx context.Context, reportID uuid.UUID) (bool, error)
}

type reportService struct {
	log        *logger.Logger
	repo       repos.ReportRepo
	gen        GenerationService
	dispatcher GenerationDispatcher
	metrics    *observability.Metrics
}

func NewReportService(
	baseLog *logger.Logger,
	repo repos.ReportRepo,
	gen GenerationService,
	dispatcher GenerationDispatcher,
	metrics *observability.Metrics,
) ReportService {
	return &reportService{
		log:        baseLog.With("service", "ReportService"),
		repo:       repo,
		gen:        gen,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

func (s *reportService) CreateDraft(ctx context.Context, rawPlan string, raw json.RawMessage) (*types.Report, error) {
	rd, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := reports.ParsePlan(rawPlan)
	if err != nil {
		return nil, badRequest("invalid_plan", err)
	}
	if len(raw) == 0 {
		return nil, badRequest("invalid_input", fmt.Errorf("input_data required"))
	}
	input, err := reports.DecodeInput(raw)
	if err != nil {
		return nil, badRequest("invalid_input", err)
	}
	input.Normalize()
	if err := input.Validate(plan); err != nil {
		return nil, badRequest("invalid_input", err)
	}
	normalized, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input_data: %w", err)
	}

	report, err := s.repo.Create(dbctx.Context{Ctx: ctx}, &types.Report{
		UserID:    rd.UserID,
		Status:    types.ReportStatusDraft,
		Plan:      plan,
		InputData: datatypes.JSON(normalized),
	})
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	s.log.Info("Draft report created", "report_id", report.ID, "user_id", rd.UserID, "plan", plan)
	return report, nil
}

func (s *reportService) GetForRequestUser(ctx context.Context, reportID uuid.UUID) (*types.Report, error) {
	rd, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}
	report, err := s.repo.GetByIDForUser(dbctx.Context{Ctx: ctx}, reportID, rd.UserID)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	if report == nil {
		return nil, notFound(nil)
	}
	if report.Status != types.ReportStatusReady {
		report.OutputData = nil
	}
	return report, nil
}

func (s *reportService) PollForRequestUser(ctx context.Context, reportID uuid.UUID) (*types.ReportPollView, error) {
	report, err := s.GetForRequestUser(ctx, reportID)
	if err != nil {
		return nil, err
	}
	view := report.PollView()
	return &view, nil
}

func (s *reportService) ListForRequestUser(ctx context.Context, limit int) ([]*types.Report, error) {
	rd, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListForUser(dbctx.Context{Ctx: ctx}, rd.UserID, limit)
}

// TriggerGeneration starts generation for a paid, processing or failed
// report. Ready reports are reported as-is; unpaid or abandoned ones are
// refused.
func (s *reportService) TriggerGeneration(ctx context.Context, reportID uuid.UUID) (types.ReportStatus, error) {
	return s.startGeneration(ctx, reportID, "generate", []types.ReportStatus{
		types.ReportStatusPaid,
		types.ReportStatusFailed,
	})
}

// Retry restarts a failed report without a new payment. input_data, plan
// and payment fields are left untouched.
func (s *reportService) Retry(ctx context.Context, reportID uuid.UUID) (types.ReportStatus, error) {
	return s.startGeneration(ctx, reportID, "retry", []types.ReportStatus{
		types.ReportStatusFailed,
	})
}

func (s *reportService) startGeneration(ctx context.Context, reportID uuid.UUID, op string, from []types.ReportStatus) (types.ReportStatus, error) {
	report, err := s.GetForRequestUser(ctx, reportID)
	if err != nil {
		return "", err
	}
	switch {
	case report.Status == types.ReportStatusReady:
		return report.Status, nil
	case report.Status == types.ReportStatusProcessing:
		// Re-trigger of a running or stalled attempt; the generation lease
		// turns it into a no-op if the first attempt is still alive.
	case containsStatus(from, report.Status):
		applied, err := s.repo.Transition(dbctx.Context{Ctx: ctx}, report.ID, report.UserID, from,
			types.ReportStatusProcessing,
			map[string]interface{}{
				"processing_step":     "queued",
				"processing_progress": 0,
				"error_kind":          "",
				"error_message":       "",
			})
		s.metrics.IncTransition(string(types.ReportStatusProcessing), op, applied)
		if err != nil {
			return "", fmt.Errorf("%s report: %w", op, err)
		}
		if !applied {
			current, gErr := s.GetForRequestUser(ctx, reportID)
			if gErr != nil {
				return "", gErr
			}
			if current.Status != types.ReportStatusProcessing {
				if current.Status == types.ReportStatusReady {
					return current.Status, nil
				}
				return "", invalidState(current.Status, op)
			}
		}
	default:
		return "", invalidState(report.Status, op)
	}

	if err := dispatchOrFail(ctx, s.log, s.dispatcher, s.gen, report.ID); err != nil {
		return types.ReportStatusFailed, apierr.New(http.StatusServiceUnavailable, "dispatch_failed", err)
	}
	s.log.Info("Generation triggered", "report_id", report.ID, "op", op)
	return types.ReportStatusProcessing, nil
}

// Abandon records that the user left before completion. It only applies to
// draft, paid and processing reports; anything else is a no-op.
func (s *reportService) Abandon(ctx context.Context, reportID uuid.UUID) (bool, error) {
	rd, err := requestUser(ctx)
	if err != nil {
		return false, err
	}
	applied, err := s.repo.Transition(dbctx.Context{Ctx: ctx}, reportID, rd.UserID,
		[]types.ReportStatus{types.ReportStatusDraft, types.ReportStatusPaid, types.ReportStatusProcessing},
		types.ReportStatusAbandoned,
		map[string]interface{}{"processing_step": "abandoned"})
	s.metrics.IncTransition(string(types.ReportStatusAbandoned), "client", applied)
	if err != nil {
		return false, fmt.Errorf("abandon report: %w", err)
	}
	if applied {
		s.log.Info("Report abandoned", "report_id", reportID)
	}
	return applied, nil
}

func containsStatus(list []types.ReportStatus, s types.ReportStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

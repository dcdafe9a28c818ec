package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/marketbench-backend/internal/data/repos"
	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/jobs/background"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/apierr"
	"github.com/yungbote/marketbench-backend/internal/platform/dbctx"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
)

// Webhook outcomes, also used as metric labels.
const (
	WebhookIgnored   = "ignored"
	WebhookUnpaid    = "unpaid"
	WebhookPaid      = "paid"
	WebhookDuplicate = "duplicate"
)

type WebhookResult struct {
	EventID   string    `json:"-"`
	EventType string    `json:"-"`
	Outcome   string    `json:"-"`
	ReportID  uuid.UUID `json:"-"`
	Received  bool      `json:"received"`
}

// WebhookService ingests signed payment events. Ingest does only the fast,
// synchronous part (verify, draft to paid) and hands the slow part to the
// background runner, so the gateway gets its ack quickly.
type WebhookService interface {
	Ingest(ctx context.Context, payload []byte, signature string) (*WebhookResult, error)
}

type webhookService struct {
	log        *logger.Logger
	repo       repos.ReportRepo
	secret     string
	runner     *background.Runner
	notifier   PaymentNotifier
	gen        GenerationService
	dispatcher GenerationDispatcher
	metrics    *observability.Metrics
}

func NewWebhookService(
	baseLog *logger.Logger,
	repo repos.ReportRepo,
	webhookSecret string,
	runner *background.Runner,
	notifier PaymentNotifier,
	gen GenerationService,
	dispatcher GenerationDispatcher,
	metrics *observability.Metrics,
) WebhookService {
	return &webhookService{
		log:        baseLog.With("service", "WebhookService"),
		repo:       repo,
		secret:     webhookSecret,
		runner:     runner,
		notifier:   notifier,
		gen:        gen,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

type paidEvent struct {
	reportID uuid.UUID
	userID   uuid.UUID
	plan     reports.Plan
	email    string
}

func (s *webhookService) Ingest(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := stripe.VerifyWebhook(payload, signature, s.secret)
	if errors.Is(err, stripe.ErrBadPayload) {
		s.metrics.IncWebhookEvent("unknown", "bad_payload")
		s.log.Warn("Webhook payload could not be decoded", "error", err)
		return nil, apierr.New(http.StatusBadRequest, "invalid_payload", err)
	}
	if err != nil {
		s.metrics.IncWebhookEvent("unknown", "rejected")
		if errors.Is(err, stripe.ErrWebhookSecretMissing) {
			s.log.Error("Webhook secret not configured; rejecting delivery")
		} else {
			s.log.Warn("Webhook signature rejected", "error", err)
		}
		return nil, apierr.New(http.StatusUnauthorized, "invalid_signature", err)
	}
	res := &WebhookResult{EventID: event.ID, EventType: event.Type, Received: true}

	if event.Session == nil {
		res.Outcome = WebhookIgnored
		s.metrics.IncWebhookEvent(event.Type, res.Outcome)
		s.log.Debug("Ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return res, nil
	}
	if !event.Session.Paid() {
		res.Outcome = WebhookUnpaid
		s.metrics.IncWebhookEvent(event.Type, res.Outcome)
		s.log.Info("Checkout completed without payment yet", "event_id", event.ID, "payment_status", event.Session.PaymentStatus)
		return res, nil
	}

	pe, err := parsePaidEvent(event.Session)
	if err != nil {
		s.metrics.IncWebhookEvent(event.Type, "bad_metadata")
		s.log.Warn("Webhook missing report metadata", "event_id", event.ID, "error", err)
		return nil, apierr.New(http.StatusBadRequest, "missing_metadata", err)
	}
	res.ReportID = pe.reportID

	dbc := dbctx.Context{Ctx: ctx}
	report, err := s.repo.GetByIDForUser(dbc, pe.reportID, pe.userID)
	if err != nil {
		s.metrics.IncWebhookEvent(event.Type, "error")
		return nil, apierr.New(http.StatusInternalServerError, "db_error", fmt.Errorf("load report: %w", err))
	}
	if report == nil {
		res.Outcome = WebhookIgnored
		s.metrics.IncWebhookEvent(event.Type, res.Outcome)
		s.log.Warn("Paid session for unknown report", "event_id", event.ID, "report_id", pe.reportID)
		return res, nil
	}
	if report.Status == types.ReportStatusDraft {
		if err := matchPaidSession(report, event.Session); err != nil {
			s.metrics.IncWebhookEvent(event.Type, "mismatch")
			s.log.Error("Paid session does not match report", "event_id", event.ID, "report_id", pe.reportID, "error", err)
			return nil, err
		}
	}

	applied, err := s.repo.Transition(dbc, pe.reportID, pe.userID,
		[]types.ReportStatus{types.ReportStatusDraft},
		types.ReportStatusPaid,
		paymentPatch(event.Session, time.Now().UTC()))
	s.metrics.IncTransition(string(types.ReportStatusPaid), "webhook", applied)
	if err != nil {
		s.metrics.IncWebhookEvent(event.Type, "error")
		return nil, apierr.New(http.StatusInternalServerError, "db_error", fmt.Errorf("mark report paid: %w", err))
	}
	if !applied {
		// Already paid by the verify path, or a redelivery. Only a report that
		// is still sitting in paid needs the continuation.
		current, err := s.repo.GetByIDForUser(dbc, pe.reportID, pe.userID)
		if err != nil {
			s.metrics.IncWebhookEvent(event.Type, "error")
			return nil, apierr.New(http.StatusInternalServerError, "db_error", fmt.Errorf("load report: %w", err))
		}
		if current == nil || current.Status != types.ReportStatusPaid {
			res.Outcome = WebhookDuplicate
			s.metrics.IncWebhookEvent(event.Type, res.Outcome)
			s.log.Info("Duplicate payment event; nothing to do", "event_id", event.ID, "report_id", pe.reportID)
			return res, nil
		}
	}

	res.Outcome = WebhookPaid
	s.metrics.IncWebhookEvent(event.Type, res.Outcome)
	s.log.Info("Report paid", "event_id", event.ID, "report_id", pe.reportID, "plan", pe.plan)

	if err := s.runner.Go(ctx, "webhook_continuation", func(ctx context.Context) error {
		return s.continueAfterPayment(ctx, pe)
	}, nil); err != nil {
		s.failBeforeStart(ctx, pe, err)
	}
	return res, nil
}

// continueAfterPayment is the slow half: paid to processing, a best-effort
// confirmation email, then the generation hand-off.
func (s *webhookService) continueAfterPayment(ctx context.Context, pe paidEvent) error {
	dbc := dbctx.Context{Ctx: ctx}
	applied, err := s.repo.Transition(dbc, pe.reportID, pe.userID,
		[]types.ReportStatus{types.ReportStatusPaid},
		types.ReportStatusProcessing,
		map[string]interface{}{"processing_step": "queued", "processing_progress": 0})
	s.metrics.IncTransition(string(types.ReportStatusProcessing), "webhook", applied)
	if err != nil {
		s.failBeforeStart(ctx, pe, err)
		return nil
	}
	report, err := s.repo.GetByID(dbc, pe.reportID)
	if err != nil || report == nil {
		s.log.Warn("Reload after payment failed", "report_id", pe.reportID, "error", err)
		return nil
	}
	if !applied {
		// Another path moved the report on. A processing report is already
		// being handled; the lease dedupes a second trigger.
		if report.Status != types.ReportStatusProcessing {
			s.log.Info("Skipping generation trigger", "report_id", pe.reportID, "status", report.Status)
			return nil
		}
	}

	if applied {
		if err := s.notifier.PaymentConfirmed(ctx, report, pe.email); err != nil {
			s.log.Warn("Payment confirmation email failed", "report_id", pe.reportID, "error", err)
		}
	}

	// dispatchOrFail records its own failure on the report.
	_ = dispatchOrFail(ctx, s.log, s.dispatcher, s.gen, pe.reportID)
	return nil
}

// failBeforeStart records DispatchFailed for a paid report whose
// continuation could not run, so the watcher sees a terminal state.
func (s *webhookService) failBeforeStart(ctx context.Context, pe paidEvent, cause error) {
	s.log.Error("Webhook continuation could not start", "report_id", pe.reportID, "error", cause)
	if _, err := s.repo.Transition(dbctx.Context{Ctx: ctx}, pe.reportID, pe.userID,
		[]types.ReportStatus{types.ReportStatusPaid},
		types.ReportStatusProcessing,
		map[string]interface{}{"processing_step": "dispatch_failed"}); err != nil {
		s.log.Error("Could not move report to processing before failing it", "report_id", pe.reportID, "error", err)
		return
	}
	if err := s.gen.MarkFailed(ctx, pe.reportID, reports.ErrorKindDispatchFailed, "dispatch_failed", cause); err != nil {
		s.log.Error("Could not record dispatch failure", "report_id", pe.reportID, "error", err)
	}
}

func parsePaidEvent(session *stripe.Session) (paidEvent, error) {
	md := session.Metadata
	if md == nil {
		return paidEvent{}, fmt.Errorf("session %s has no metadata", session.ID)
	}
	reportID, err := uuid.Parse(md[metaReportID])
	if err != nil {
		return paidEvent{}, fmt.Errorf("metadata %s missing or invalid", metaReportID)
	}
	userID, err := uuid.Parse(md[metaUserID])
	if err != nil {
		return paidEvent{}, fmt.Errorf("metadata %s missing or invalid", metaUserID)
	}
	plan, err := reports.ParsePlan(md[metaPlan])
	if err != nil {
		return paidEvent{}, fmt.Errorf("metadata %s missing or invalid", metaPlan)
	}
	return paidEvent{reportID: reportID, userID: userID, plan: plan, email: session.CustomerEmail}, nil
}

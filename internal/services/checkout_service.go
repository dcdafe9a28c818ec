package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/marketbench-backend/internal/data/repos"
	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/apierr"
	"github.com/yungbote/marketbench-backend/internal/platform/dbctx"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
)

const (
	metaReportID = "report_id"
	metaUserID   = "user_id"
	metaPlan     = "plan"
)

type CheckoutResult struct {
	SessionToken string `json:"sessionToken"`
	SessionID    string `json:"sessionId"`
}

type VerifyResult struct {
	Paid         bool               `json:"paid"`
	ReportID     uuid.UUID          `json:"reportId"`
	ReportStatus types.ReportStatus `json:"reportStatus"`
	Plan         types.ReportPlan   `json:"plan"`
}

// CheckoutService is the payment side of the lifecycle: it opens checkout
// sessions for drafts and confirms payment when the client returns.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, plan string, reportID uuid.UUID) (*CheckoutResult, error)
	VerifyPayment(ctx context.Context, sessionID string) (*VerifyResult, error)
}

type checkoutService struct {
	log     *logger.Logger
	repo    repos.ReportRepo
	gateway stripe.Gateway
	appURL  string
	metrics *observability.Metrics
}

func NewCheckoutService(
	baseLog *logger.Logger,
	repo repos.ReportRepo,
	gateway stripe.Gateway,
	appURL string,
	metrics *observability.Metrics,
) CheckoutService {
	return &checkoutService{
		log:     baseLog.With("service", "CheckoutService"),
		repo:    repo,
		gateway: gateway,
		appURL:  strings.TrimRight(strings.TrimSpace(appURL), "/"),
		metrics: metrics,
	}
}

func (s *checkoutService) CreateCheckout(ctx context.Context, rawPlan string, reportID uuid.UUID) (*CheckoutResult, error) {
	rd, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := reports.ParsePlan(rawPlan)
	if err != nil {
		return nil, badRequest("invalid_plan", err)
	}
	if reportID == uuid.Nil {
		return nil, badRequest("invalid_request", fmt.Errorf("reportId required"))
	}
	if strings.TrimSpace(rd.Email) == "" {
		return nil, badRequest("missing_email", fmt.Errorf("account has no email address"))
	}

	dbc := dbctx.Context{Ctx: ctx}
	report, err := s.repo.GetByIDForUser(dbc, reportID, rd.UserID)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	if report == nil {
		return nil, notFound(nil)
	}
	if report.Status != types.ReportStatusDraft {
		return nil, invalidState(report.Status, "check out")
	}
	prevSessionID := report.StripeSessionID
	if prevSessionID != "" {
		if report.Plan != plan {
			return nil, apierr.New(http.StatusConflict, "plan_locked",
				fmt.Errorf("%w: report already has a %s checkout session", ErrInvalidState, report.Plan))
		}
		prev, err := s.gateway.GetCheckoutSession(ctx, prevSessionID)
		switch {
		case err == nil && prev.Paid():
			return nil, apierr.New(http.StatusConflict, "already_paid",
				fmt.Errorf("%w: checkout session already paid", ErrInvalidState))
		case err == nil && prev.Open():
			return &CheckoutResult{SessionToken: prev.ClientSecret, SessionID: prev.ID}, nil
		case err != nil && !errors.Is(err, stripe.ErrNotFound):
			return nil, gatewayError(err)
		}
	}

	customerID, err := s.gateway.FindOrCreateCustomer(ctx, rd.Email, map[string]string{metaUserID: rd.UserID.String()})
	if err != nil {
		return nil, gatewayError(err)
	}
	priceID, err := s.gateway.ResolvePrice(ctx, string(plan))
	if err != nil {
		return nil, gatewayError(err)
	}
	session, err := s.gateway.CreateCheckoutSession(ctx, stripe.CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		ReturnURL:  s.appURL + "/payment/complete?session_id={CHECKOUT_SESSION_ID}",
		Metadata: map[string]string{
			metaUserID:   rd.UserID.String(),
			metaReportID: report.ID.String(),
			metaPlan:     string(plan),
		},
	})
	if err != nil {
		return nil, gatewayError(err)
	}

	attached, err := s.repo.AttachCheckoutSession(dbc, report.ID, rd.UserID, prevSessionID, session.ID, plan)
	if err != nil {
		return nil, fmt.Errorf("attach checkout session: %w", err)
	}
	if !attached {
		// The draft moved on, or another checkout attached first.
		return nil, apierr.New(http.StatusConflict, "invalid_report_state",
			fmt.Errorf("%w: report changed while the session was created", ErrInvalidState))
	}
	s.log.Info("Checkout session created", "report_id", report.ID, "plan", plan)
	return &CheckoutResult{SessionToken: session.ClientSecret, SessionID: session.ID}, nil
}

// VerifyPayment is the client-side confirmation path. When the gateway says
// the session is paid and the report is still a draft, it performs the same
// draft to paid transition as the webhook; whichever runs second is a no-op.
func (s *checkoutService) VerifyPayment(ctx context.Context, sessionID string) (*VerifyResult, error) {
	rd, err := requestUser(ctx)
	if err != nil {
		return nil, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, badRequest("invalid_request", fmt.Errorf("sessionId required"))
	}
	session, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, gatewayError(err)
	}
	if owner := session.Metadata[metaUserID]; owner != "" && owner != rd.UserID.String() {
		return nil, apierr.New(http.StatusForbidden, "forbidden", fmt.Errorf("%w: session belongs to another user", ErrForbidden))
	}

	dbc := dbctx.Context{Ctx: ctx}
	var report *types.Report
	if id, perr := uuid.Parse(session.Metadata[metaReportID]); perr == nil {
		report, err = s.repo.GetByIDForUser(dbc, id, rd.UserID)
	} else {
		report, err = s.repo.GetBySessionID(dbc, sessionID)
		if report != nil && report.UserID != rd.UserID {
			report = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	if report == nil {
		return nil, notFound(nil)
	}

	if session.Paid() && report.Status == types.ReportStatusDraft {
		if err := matchPaidSession(report, session); err != nil {
			s.log.Warn("Paid session does not match report", "report_id", report.ID, "error", err)
			return nil, err
		}
		applied, err := s.repo.Transition(dbc, report.ID, rd.UserID,
			[]types.ReportStatus{types.ReportStatusDraft},
			types.ReportStatusPaid,
			paymentPatch(session, time.Now().UTC()))
		s.metrics.IncTransition(string(types.ReportStatusPaid), "verify", applied)
		if err != nil {
			return nil, fmt.Errorf("mark report paid: %w", err)
		}
		if applied {
			s.log.Info("Payment verified by client", "report_id", report.ID)
		}
		reloaded, err := s.repo.GetByIDForUser(dbc, report.ID, rd.UserID)
		if err != nil {
			return nil, fmt.Errorf("reload report: %w", err)
		}
		if reloaded != nil {
			report = reloaded
		}
	}

	return &VerifyResult{
		Paid:         session.Paid(),
		ReportID:     report.ID,
		ReportStatus: report.Status,
		Plan:         report.Plan,
	}, nil
}

// matchPaidSession guards both payment paths: a paid session may only move
// the report it was opened for, at the plan it was priced for.
func matchPaidSession(report *types.Report, session *stripe.Session) error {
	if plan := session.Metadata[metaPlan]; plan != string(report.Plan) {
		return apierr.New(http.StatusConflict, "payment_mismatch",
			fmt.Errorf("%w: session plan %q, report plan %q", ErrPaymentMismatch, plan, report.Plan))
	}
	if report.StripeSessionID != "" && session.ID != report.StripeSessionID {
		return apierr.New(http.StatusConflict, "payment_mismatch",
			fmt.Errorf("%w: session %s is not the report's current session", ErrPaymentMismatch, session.ID))
	}
	return nil
}

func paymentPatch(session *stripe.Session, now time.Time) map[string]interface{} {
	patch := map[string]interface{}{
		"paid_at":         now,
		"processing_step": "payment_confirmed",
	}
	if session.PaymentIntentID != "" {
		patch["stripe_payment_id"] = session.PaymentIntentID
	}
	if session.AmountTotal > 0 {
		patch["amount_paid"] = session.AmountTotal
	}
	if session.Currency != "" {
		patch["currency"] = strings.ToLower(session.Currency)
	}
	if session.ID != "" {
		patch["stripe_session_id"] = session.ID
	}
	return patch
}

func gatewayError(err error) error {
	switch {
	case errors.Is(err, stripe.ErrPriceNotConfigured):
		return apierr.New(http.StatusInternalServerError, "price_not_configured", err)
	case errors.Is(err, stripe.ErrNotFound):
		return apierr.New(http.StatusNotFound, "checkout_session_not_found", err)
	default:
		return apierr.New(http.StatusBadGateway, "payment_gateway_unavailable", err)
	}
}

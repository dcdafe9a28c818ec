package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
)

func newCheckout(h *harness, gw stripe.Gateway) CheckoutService {
	return NewCheckoutService(h.log, h.repo, gw, "https://app.example.com/", nil)
}

func TestCreateCheckoutAttachesSession(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanStandard)

	res, err := svc.CreateCheckout(userCtx(user), "pro", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if res.SessionID == "" || res.SessionToken == "" {
		t.Fatalf("empty session %+v", res)
	}
	got := h.reload(t, r.ID)
	if got.StripeSessionID != res.SessionID || got.Plan != reports.PlanPro || got.Status != types.ReportStatusDraft {
		t.Fatalf("report not attached: %+v", got)
	}
	p := gw.createdParams[0]
	if p.Metadata["report_id"] != r.ID.String() || p.Metadata["user_id"] != user.String() || p.Metadata["plan"] != "pro" {
		t.Fatalf("metadata = %v", p.Metadata)
	}
	if !strings.HasPrefix(p.ReturnURL, "https://app.example.com/payment/complete?session_id=") {
		t.Fatalf("return url = %s", p.ReturnURL)
	}
}

func TestCreateCheckoutErrors(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	draft := h.seed(t, user, types.ReportStatusDraft, reports.PlanStandard)
	paid := h.seed(t, user, types.ReportStatusPaid, reports.PlanStandard)

	if _, err := svc.CreateCheckout(userCtx(user), "gold", draft.ID); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("invalid plan: %v", err)
	}
	if _, err := svc.CreateCheckout(context.Background(), "pro", draft.ID); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("anonymous: %v", err)
	}
	if _, err := svc.CreateCheckout(userCtx(user), "pro", paid.ID); statusOf(err) != http.StatusConflict {
		t.Fatalf("paid report: %v", err)
	}
	if _, err := svc.CreateCheckout(userCtx(uuid.New()), "pro", draft.ID); statusOf(err) != http.StatusNotFound {
		t.Fatalf("other user: %v", err)
	}

	gw.priceErr = fmt.Errorf("%w: pro", stripe.ErrPriceNotConfigured)
	if _, err := svc.CreateCheckout(userCtx(user), "pro", draft.ID); statusOf(err) != http.StatusInternalServerError {
		t.Fatalf("price not configured: %v", err)
	}
	gw.priceErr = fmt.Errorf("%w: boom", stripe.ErrUpstream)
	if _, err := svc.CreateCheckout(userCtx(user), "pro", draft.ID); statusOf(err) != http.StatusBadGateway {
		t.Fatalf("upstream: %v", err)
	}
}

func TestVerifyPaymentTransitionsDraftOnce(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanStandard)
	res, err := svc.CreateCheckout(userCtx(user), "standard", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}

	v, err := svc.VerifyPayment(userCtx(user), res.SessionID)
	if err != nil {
		t.Fatalf("VerifyPayment unpaid: %v", err)
	}
	if v.Paid || v.ReportStatus != types.ReportStatusDraft {
		t.Fatalf("unpaid verify = %+v", v)
	}

	gw.markPaid(res.SessionID)
	for i := 0; i < 2; i++ {
		v, err = svc.VerifyPayment(userCtx(user), res.SessionID)
		if err != nil {
			t.Fatalf("VerifyPayment %d: %v", i, err)
		}
		if !v.Paid || v.ReportStatus != types.ReportStatusPaid || v.ReportID != r.ID {
			t.Fatalf("verify %d = %+v", i, v)
		}
	}
	got := h.reload(t, r.ID)
	if got.AmountPaid != 4900 || got.Currency != "usd" || got.PaidAt == nil || got.StripePaymentID == "" {
		t.Fatalf("payment fields not recorded: %+v", got)
	}
}

func TestVerifyPaymentRejectsOtherUsersSession(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	owner := uuid.New()
	r := h.seed(t, owner, types.ReportStatusDraft, reports.PlanStandard)
	res, err := svc.CreateCheckout(userCtx(owner), "standard", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	gw.markPaid(res.SessionID)

	if _, err := svc.VerifyPayment(userCtx(uuid.New()), res.SessionID); statusOf(err) != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
	if got := h.reload(t, r.ID); got.Status != types.ReportStatusDraft {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := svc.VerifyPayment(userCtx(owner), "cs_missing"); statusOf(err) != http.StatusNotFound {
		t.Fatalf("missing session: %v", err)
	}
}

func TestCreateCheckoutLocksPlanOnceSessionExists(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanStandard)

	first, err := svc.CreateCheckout(userCtx(user), "standard", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if _, err := svc.CreateCheckout(userCtx(user), "agency", r.ID); statusOf(err) != http.StatusConflict {
		t.Fatalf("plan change after session: %v", err)
	}
	got := h.reload(t, r.ID)
	if got.Plan != reports.PlanStandard || got.StripeSessionID != first.SessionID {
		t.Fatalf("report changed: plan=%s session=%s", got.Plan, got.StripeSessionID)
	}

	again, err := svc.CreateCheckout(userCtx(user), "standard", r.ID)
	if err != nil {
		t.Fatalf("repeat CreateCheckout: %v", err)
	}
	if again.SessionID != first.SessionID || len(gw.createdParams) != 1 {
		t.Fatalf("open session not reused: %s vs %s, created=%d", again.SessionID, first.SessionID, len(gw.createdParams))
	}
}

func TestCreateCheckoutReplacesExpiredSession(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanPro)

	first, err := svc.CreateCheckout(userCtx(user), "pro", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	gw.expire(first.SessionID)

	second, err := svc.CreateCheckout(userCtx(user), "pro", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout after expiry: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("expired session reused")
	}
	if got := h.reload(t, r.ID); got.StripeSessionID != second.SessionID {
		t.Fatalf("session = %s, want %s", got.StripeSessionID, second.SessionID)
	}
}

func TestCreateCheckoutRefusesWhenPreviousSessionPaid(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanStandard)

	first, err := svc.CreateCheckout(userCtx(user), "standard", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	gw.markPaid(first.SessionID)
	if _, err := svc.CreateCheckout(userCtx(user), "standard", r.ID); statusOf(err) != http.StatusConflict {
		t.Fatalf("checkout over paid session: %v", err)
	}
	if len(gw.createdParams) != 1 {
		t.Fatalf("created %d sessions", len(gw.createdParams))
	}
}

func TestVerifyPaymentRejectsSupersededSession(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanStandard)

	stale, err := svc.CreateCheckout(userCtx(user), "standard", r.ID)
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	gw.expire(stale.SessionID)
	if _, err := svc.CreateCheckout(userCtx(user), "standard", r.ID); err != nil {
		t.Fatalf("replacement CreateCheckout: %v", err)
	}

	gw.markPaid(stale.SessionID)
	if _, err := svc.VerifyPayment(userCtx(user), stale.SessionID); statusOf(err) != http.StatusConflict {
		t.Fatalf("superseded session: %v", err)
	}
	if got := h.reload(t, r.ID); got.Status != types.ReportStatusDraft || got.PaidAt != nil {
		t.Fatalf("report moved to %s", got.Status)
	}
}

func TestVerifyPaymentRejectsPlanMismatch(t *testing.T) {
	h := newHarness(t)
	gw := newFakeGateway()
	svc := newCheckout(h, gw)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanAgency)

	// A session created for this report under a cheaper plan, never attached.
	s, err := gw.CreateCheckoutSession(context.Background(), stripe.CheckoutParams{
		Metadata: map[string]string{"report_id": r.ID.String(), "user_id": user.String(), "plan": "standard"},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	gw.markPaid(s.ID)

	_, err = svc.VerifyPayment(userCtx(user), s.ID)
	if statusOf(err) != http.StatusConflict || !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("err = %v, want payment mismatch", err)
	}
	if got := h.reload(t, r.ID); got.Status != types.ReportStatusDraft {
		t.Fatalf("status = %s", got.Status)
	}
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/apierr"
)

func newReportService(h *harness) ReportService {
	return NewReportService(h.log, h.repo, h.gen, h.disp, nil)
}

func TestCreateDraftValidatesInput(t *testing.T) {
	h := newHarness(t)
	svc := newReportService(h)
	user := uuid.New()

	r, err := svc.CreateDraft(userCtx(user), "standard", sampleInputJSON(t))
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if r.Status != types.ReportStatusDraft || r.UserID != user || len(r.OutputData) != 0 {
		t.Fatalf("unexpected draft %+v", r)
	}

	if _, err := svc.CreateDraft(userCtx(user), "gold", sampleInputJSON(t)); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("invalid plan: %v", err)
	}
	if _, err := svc.CreateDraft(userCtx(user), "standard", json.RawMessage(`{"competitors":[]}`)); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("invalid input: %v", err)
	}
	if _, err := svc.CreateDraft(context.Background(), "standard", sampleInputJSON(t)); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("anonymous: %v", err)
	}
}

func TestPollHidesOutputUntilReady(t *testing.T) {
	h := newHarness(t)
	svc := newReportService(h)
	user := uuid.New()
	ready := h.seed(t, user, types.ReportStatusReady, reports.PlanStandard)
	failed := h.seed(t, user, types.ReportStatusFailed, reports.PlanStandard)

	v, err := svc.PollForRequestUser(userCtx(user), ready.ID)
	if err != nil || len(v.OutputData) == 0 {
		t.Fatalf("ready poll: %v %+v", err, v)
	}
	v, err = svc.PollForRequestUser(userCtx(user), failed.ID)
	if err != nil || len(v.OutputData) != 0 {
		t.Fatalf("failed poll: %v %+v", err, v)
	}
	if _, err := svc.PollForRequestUser(userCtx(uuid.New()), ready.ID); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("other user: %v", err)
	}
}

func TestRetryFailedReportWithoutNewPayment(t *testing.T) {
	h := newHarness(t)
	svc := newReportService(h)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusFailed, reports.PlanPro)
	h.ai.pushText(`not json`)

	// First retry fails again at the AI step, second one succeeds.
	status, err := svc.Retry(userCtx(user), r.ID)
	if err != nil || status != types.ReportStatusProcessing {
		t.Fatalf("Retry: %s %v", status, err)
	}
	got := h.reload(t, r.ID)
	if got.Status != types.ReportStatusFailed || got.ErrorKind != reports.ErrorKindMalformedOutput {
		t.Fatalf("after first retry: %s/%s", got.Status, got.ErrorKind)
	}

	h.ai.pushText(proOutput)
	if _, err := svc.Retry(userCtx(user), r.ID); err != nil {
		t.Fatalf("second Retry: %v", err)
	}
	got = h.reload(t, r.ID)
	if got.Status != types.ReportStatusReady {
		t.Fatalf("status = %s", got.Status)
	}
	if got.StripeSessionID != r.StripeSessionID || string(got.InputData) != string(r.InputData) {
		t.Fatalf("retry touched payment or input fields")
	}
}

func TestRetryRefusesNonFailed(t *testing.T) {
	h := newHarness(t)
	svc := newReportService(h)
	user := uuid.New()
	for _, status := range []types.ReportStatus{types.ReportStatusDraft, types.ReportStatusPaid, types.ReportStatusAbandoned} {
		r := h.seed(t, user, status, reports.PlanStandard)
		if _, err := svc.Retry(userCtx(user), r.ID); statusOf(err) != http.StatusConflict {
			t.Fatalf("%s: err = %v", status, err)
		}
	}
	ready := h.seed(t, user, types.ReportStatusReady, reports.PlanStandard)
	if status, err := svc.Retry(userCtx(user), ready.ID); err != nil || status != types.ReportStatusReady {
		t.Fatalf("ready: %s %v", status, err)
	}
}

func TestTriggerGenerationDispatchFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.disp.err = errors.New("queue unavailable")
	svc := newReportService(h)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusPaid, reports.PlanStandard)

	if _, err := svc.TriggerGeneration(userCtx(user), r.ID); statusOf(err) != http.StatusServiceUnavailable {
		t.Fatalf("err = %v", err)
	}
	got := h.reload(t, r.ID)
	if got.Status != types.ReportStatusFailed || got.ErrorKind != reports.ErrorKindDispatchFailed {
		t.Fatalf("report = %s/%s", got.Status, got.ErrorKind)
	}
	if got.ProcessingStep != "dispatch_failed" {
		t.Fatalf("step = %q", got.ProcessingStep)
	}
}

func TestTriggerGenerationOnDraftIsRefused(t *testing.T) {
	h := newHarness(t)
	svc := newReportService(h)
	user := uuid.New()
	r := h.seed(t, user, types.ReportStatusDraft, reports.PlanStandard)
	if _, err := svc.TriggerGeneration(userCtx(user), r.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v", err)
	}
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	svc := newReportService(h)
	user := uuid.New()

	processing := h.seed(t, user, types.ReportStatusProcessing, reports.PlanStandard)
	applied, err := svc.Abandon(userCtx(user), processing.ID)
	if err != nil || !applied {
		t.Fatalf("Abandon processing: %v %v", applied, err)
	}
	if got := h.reload(t, processing.ID); got.Status != types.ReportStatusAbandoned {
		t.Fatalf("status = %s", got.Status)
	}

	ready := h.seed(t, user, types.ReportStatusReady, reports.PlanStandard)
	if applied, err := svc.Abandon(userCtx(user), ready.ID); err != nil || applied {
		t.Fatalf("Abandon ready: %v %v", applied, err)
	}
	if got := h.reload(t, ready.ID); got.Status != types.ReportStatusReady {
		t.Fatalf("ready report abandoned")
	}

	other := h.seed(t, uuid.New(), types.ReportStatusPaid, reports.PlanStandard)
	if applied, _ := svc.Abandon(userCtx(user), other.ID); applied {
		t.Fatalf("abandoned another user's report")
	}
}

func statusOf(err error) int {
	if err == nil {
		return 0
	}
	status, _ := apierr.From(err)
	return status
}

const proOutput = `{
  "executive_summary": "Strong position.",
  "competitors": [{"name": "A", "strengths": [], "weaknesses": []}],
  "pricing_analysis": {"summary": "Mid-market.", "position": "within"},
  "swot": {"strengths": ["x"], "weaknesses": [], "opportunities": [], "threats": []},
  "recommendations": [{"title": "Hold price", "detail": "No change needed."}]
}`

package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/jobs/background"
	"github.com/yungbote/marketbench-backend/internal/platform/dbctx"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
)

const webhookSecret = "whsec_test_secret"

type webhookFixture struct {
	*harness
	svc      WebhookService
	runner   *background.Runner
	notifier *fakeNotifier
}

func newWebhookFixture(t *testing.T, secret string) *webhookFixture {
	t.Helper()
	h := newHarness(t)
	runner := background.NewRunner(h.log, background.Config{Concurrency: 2, TaskTimeout: 5 * time.Second})
	n := &fakeNotifier{}
	return &webhookFixture{
		harness:  h,
		runner:   runner,
		notifier: n,
		svc:      NewWebhookService(h.log, h.repo, secret, runner, n, h.gen, h.disp, nil),
	}
}

// drain waits for background continuations.
func (f *webhookFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.runner.Shutdown(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func checkoutEvent(t *testing.T, eventType, paymentStatus string, metadata map[string]string) []byte {
	t.Helper()
	ev := map[string]any{
		"id":     "evt_" + uuid.NewString()[:8],
		"object": "event",
		"type":   eventType,
		"data": map[string]any{"object": map[string]any{
			"id":               "cs_test_1",
			"object":           "checkout.session",
			"payment_status":   paymentStatus,
			"amount_total":     4900,
			"currency":         "usd",
			"payment_intent":   "pi_123",
			"customer_details": map[string]any{"email": "buyer@example.com"},
			"metadata":         metadata,
		}},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func metadataFor(r *types.Report) map[string]string {
	return map[string]string{
		"report_id": r.ID.String(),
		"user_id":   r.UserID.String(),
		"plan":      string(r.Plan),
	}
}

func TestIngestPaidEventRunsFullLifecycle(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))

	res, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Received || res.Outcome != WebhookPaid {
		t.Fatalf("result = %+v", res)
	}
	f.drain(t)

	got := f.reload(t, r.ID)
	if got.Status != types.ReportStatusReady || got.CompletedAt == nil || len(got.OutputData) == 0 {
		t.Fatalf("report = %s", got.Status)
	}
	if got.AmountPaid != 4900 || got.StripePaymentID != "pi_123" || got.PaidAt == nil {
		t.Fatalf("payment fields = %+v", got)
	}
	if f.notifier.Count() != 1 {
		t.Fatalf("emails = %d", f.notifier.Count())
	}
}

func TestIngestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))
	sig := stripe.SignedHeader(payload, webhookSecret)

	if _, err := f.svc.Ingest(context.Background(), payload, sig); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	f.drain(t)
	first := f.reload(t, r.ID)

	f.runner = background.NewRunner(f.log, background.Config{Concurrency: 1, TaskTimeout: time.Second})
	f.svc = NewWebhookService(f.log, f.repo, webhookSecret, f.runner, f.notifier, f.gen, f.disp, nil)
	res, err := f.svc.Ingest(context.Background(), payload, sig)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if res.Outcome != WebhookDuplicate {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	f.drain(t)

	second := f.reload(t, r.ID)
	if second.Status != first.Status || string(second.OutputData) != string(first.OutputData) {
		t.Fatalf("duplicate delivery changed the report")
	}
	if f.ai.Calls() != 1 || f.notifier.Count() != 1 {
		t.Fatalf("ai calls=%d emails=%d", f.ai.Calls(), f.notifier.Count())
	}
}

func TestIngestAfterClientVerifyStillGenerates(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	r := f.seed(t, uuid.New(), types.ReportStatusPaid, reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))

	res, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret))
	if err != nil || res.Outcome != WebhookPaid {
		t.Fatalf("Ingest: %+v %v", res, err)
	}
	f.drain(t)
	if got := f.reload(t, r.ID); got.Status != types.ReportStatusReady {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestIngestRejectsBadSignatureAndMissingSecret(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))

	if _, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, "whsec_wrong")); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("bad signature: %v", err)
	}
	if _, err := f.svc.Ingest(context.Background(), payload, ""); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("missing header: %v", err)
	}

	unset := newWebhookFixture(t, "")
	if _, err := unset.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret)); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("missing secret: %v", err)
	}
	if got := f.reload(t, r.ID); got.Status != types.ReportStatusDraft {
		t.Fatalf("rejected delivery changed status to %s", got.Status)
	}
}

func TestIngestMissingMetadata(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", map[string]string{"plan": "standard"})
	if _, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret)); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestIngestAcksUnpaidAndOtherEvents(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)

	unpaid := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "unpaid", metadataFor(r))
	res, err := f.svc.Ingest(context.Background(), unpaid, stripe.SignedHeader(unpaid, webhookSecret))
	if err != nil || res.Outcome != WebhookUnpaid {
		t.Fatalf("unpaid: %+v %v", res, err)
	}

	other := []byte(`{"id":"evt_x","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	res, err = f.svc.Ingest(context.Background(), other, stripe.SignedHeader(other, webhookSecret))
	if err != nil || res.Outcome != WebhookIgnored || !res.Received {
		t.Fatalf("other: %+v %v", res, err)
	}
	if got := f.reload(t, r.ID); got.Status != types.ReportStatusDraft {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestIngestDispatchFailureMarksFailed(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	f.disp.err = errors.New("no workers")
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))

	if _, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.drain(t)
	got := f.reload(t, r.ID)
	if got.Status != types.ReportStatusFailed || got.ErrorKind != reports.ErrorKindDispatchFailed {
		t.Fatalf("report = %s/%s", got.Status, got.ErrorKind)
	}
}

func TestIngestEmailFailureDoesNotBlockGeneration(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	f.notifier.failed = errors.New("smtp down")
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))

	if _, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.drain(t)
	if got := f.reload(t, r.ID); got.Status != types.ReportStatusReady {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestIngestWhenRunnerStoppedFailsReport(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	f.drain(t)
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))

	if _, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	got := f.reload(t, r.ID)
	if got.Status != types.ReportStatusFailed || got.ErrorKind != reports.ErrorKindDispatchFailed {
		t.Fatalf("report = %s/%s", got.Status, got.ErrorKind)
	}
}

func TestIngestRejectsPlanMismatch(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanAgency)
	meta := metadataFor(r)
	meta["plan"] = string(reports.PlanStandard)
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", meta)

	_, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret))
	if statusOf(err) != http.StatusConflict || !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("err = %v, want payment mismatch", err)
	}
	f.drain(t)
	if got := f.reload(t, r.ID); got.Status != types.ReportStatusDraft || got.PaidAt != nil {
		t.Fatalf("status = %s", got.Status)
	}
	if f.ai.Calls() != 0 {
		t.Fatalf("ai calls = %d", f.ai.Calls())
	}
}

func TestIngestRejectsSupersededSession(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	r := f.seed(t, uuid.New(), types.ReportStatusDraft, reports.PlanStandard)
	ok, err := f.repo.AttachCheckoutSession(dbctx.Context{Ctx: context.Background()}, r.ID, r.UserID, "", "cs_current", reports.PlanStandard)
	if err != nil || !ok {
		t.Fatalf("attach: %v %v", ok, err)
	}
	payload := checkoutEvent(t, stripe.EventCheckoutSessionCompleted, "paid", metadataFor(r))

	if _, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret)); statusOf(err) != http.StatusConflict {
		t.Fatalf("err = %v", err)
	}
	f.drain(t)
	if got := f.reload(t, r.ID); got.Status != types.ReportStatusDraft {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestIngestMalformedSignedPayloadIsBadRequest(t *testing.T) {
	f := newWebhookFixture(t, webhookSecret)
	payload := []byte(`{"id":"evt_bad","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","object":"checkout.session","amount_total":"lots"}}}`)

	_, err := f.svc.Ingest(context.Background(), payload, stripe.SignedHeader(payload, webhookSecret))
	if statusOf(err) != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

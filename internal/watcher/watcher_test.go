package watcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/marketbench-backend/internal/apiclient"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type fakeAPI struct {
	mu sync.Mutex

	verify func(n int) (*apiclient.VerifyResult, error)
	status func(n int) (*reports.PollView, error)

	verifyCalls   int
	statusCalls   int
	generateCalls int
	retryCalls    int
	abandoned     []uuid.UUID
	generateErr   error
}

func (f *fakeAPI) VerifyPayment(ctx context.Context, sessionID string) (*apiclient.VerifyResult, error) {
	f.mu.Lock()
	f.verifyCalls++
	n := f.verifyCalls
	f.mu.Unlock()
	return f.verify(n)
}

func (f *fakeAPI) GenerateReport(ctx context.Context, reportID uuid.UUID) (*apiclient.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &apiclient.GenerateResult{Success: true, Status: reports.StatusProcessing}, nil
}

func (f *fakeAPI) Status(ctx context.Context, reportID uuid.UUID) (*reports.PollView, error) {
	f.mu.Lock()
	f.statusCalls++
	n := f.statusCalls
	f.mu.Unlock()
	return f.status(n)
}

func (f *fakeAPI) Retry(ctx context.Context, reportID uuid.UUID) (*apiclient.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryCalls++
	return &apiclient.GenerateResult{Success: true, Status: reports.StatusProcessing}, nil
}

func (f *fakeAPI) Abandon(ctx context.Context, reportID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, reportID)
	return nil
}

func (f *fakeAPI) counts() (verify, status, generate, retry, abandon int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.statusCalls, f.generateCalls, f.retryCalls, len(f.abandoned)
}

func testConfig() Config {
	return Config{
		PollInterval:   2 * time.Millisecond,
		HardTimeout:    5 * time.Second,
		StallThreshold: 90 * time.Second,
		VerifyAttempts: 3,
		VerifyInterval: time.Millisecond,
		AbandonTimeout: time.Second,
	}
}

func view(id uuid.UUID, status reports.Status, progress int, updated time.Time) *reports.PollView {
	v := &reports.PollView{ID: id, Status: status, ProcessingProgress: progress, UpdatedAt: updated}
	if status == reports.StatusReady {
		v.OutputData = datatypes.JSON(`{"summary":"ok"}`)
	}
	return v
}

type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (u *updateLog) record(up Update) {
	u.mu.Lock()
	u.updates = append(u.updates, up)
	u.mu.Unlock()
}

func (u *updateLog) snapshot() []Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Update(nil), u.updates...)
}

func TestWatchReportsMonotonicProgressUntilReady(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{status: func(n int) (*reports.PollView, error) {
		switch n {
		case 1:
			return view(id, reports.StatusProcessing, 40, time.Now()), nil
		case 2:
			return view(id, reports.StatusProcessing, 15, time.Now()), nil
		case 3:
			return view(id, reports.StatusProcessing, 70, time.Now()), nil
		default:
			return view(id, reports.StatusReady, 100, time.Now()), nil
		}
	}}
	var ups updateLog
	w := New(logger.Nop(), api, testConfig(), WithOnUpdate(ups.record))

	res, err := w.Watch(context.Background(), id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if res.Phase != PhaseReady || res.Progress != 100 || len(res.Output) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	last := -1
	for _, u := range ups.snapshot() {
		if u.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", u.Progress, last)
		}
		last = u.Progress
	}
	if last != 100 {
		t.Fatalf("final progress=%d want 100", last)
	}
}

func TestStalledReportIsRetriggeredExactlyOnce(t *testing.T) {
	id := uuid.New()
	stale := time.Now().Add(-time.Hour)
	api := &fakeAPI{status: func(n int) (*reports.PollView, error) {
		if n < 8 {
			return view(id, reports.StatusProcessing, 30, stale), nil
		}
		return view(id, reports.StatusReady, 100, time.Now()), nil
	}}
	w := New(logger.Nop(), api, testConfig())

	res, err := w.Watch(context.Background(), id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if res.Phase != PhaseReady {
		t.Fatalf("phase=%s", res.Phase)
	}
	if _, _, generate, _, _ := api.counts(); generate != 1 {
		t.Fatalf("generate calls=%d want 1", generate)
	}

	// A second watch on the same session does not re-trigger again.
	api.mu.Lock()
	api.statusCalls = 0
	api.mu.Unlock()
	if _, err := w.Watch(context.Background(), id); err != nil {
		t.Fatalf("second Watch: %v", err)
	}
	if _, _, generate, _, _ := api.counts(); generate != 1 {
		t.Fatalf("generate calls after second watch=%d want 1", generate)
	}
}

func TestStallRetriggerFailureStopsWatch(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		generateErr: &apiclient.Error{StatusCode: http.StatusConflict, Message: "nope"},
		status: func(n int) (*reports.PollView, error) {
			return view(id, reports.StatusProcessing, 30, time.Now().Add(-time.Hour)), nil
		},
	}
	w := New(logger.Nop(), api, testConfig())

	res, err := w.Watch(context.Background(), id)
	if err == nil {
		t.Fatalf("expected error")
	}
	if res == nil || !res.Stalled || res.Phase != PhaseFailed {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHardTimeoutFailsLocally(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{status: func(n int) (*reports.PollView, error) {
		return view(id, reports.StatusProcessing, 0, time.Now()), nil
	}}
	cfg := testConfig()
	cfg.HardTimeout = 30 * time.Millisecond
	w := New(logger.Nop(), api, cfg)

	res, err := w.Watch(context.Background(), id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !res.TimedOut || res.Phase != PhaseFailed || !res.Retryable {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Progress > 95 {
		t.Fatalf("synthetic progress %d above cap", res.Progress)
	}
	if _, _, generate, _, abandon := api.counts(); generate != 0 || abandon != 0 {
		t.Fatalf("timeout touched the server: generate=%d abandon=%d", generate, abandon)
	}
}

func TestCancelWhileProcessingAbandons(t *testing.T) {
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api := &fakeAPI{status: func(n int) (*reports.PollView, error) {
		if n >= 2 {
			cancel()
			return nil, context.Canceled
		}
		return view(id, reports.StatusProcessing, 20, time.Now()), nil
	}}
	w := New(logger.Nop(), api, testConfig())

	_, err := w.Watch(ctx, id)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	api.mu.Lock()
	abandoned := append([]uuid.UUID(nil), api.abandoned...)
	api.mu.Unlock()
	if len(abandoned) != 1 || abandoned[0] != id {
		t.Fatalf("abandoned=%v want [%s]", abandoned, id)
	}
	if w.Phase() != PhaseAbandoned {
		t.Fatalf("phase=%s", w.Phase())
	}
}

func TestCancelAfterReadyDoesNotAbandon(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{status: func(n int) (*reports.PollView, error) {
		return view(id, reports.StatusReady, 100, time.Now()), nil
	}}
	w := New(logger.Nop(), api, testConfig())
	if _, err := w.Watch(context.Background(), id); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.abandonIfInterrupted(ctx)
	if _, _, _, _, abandon := api.counts(); abandon != 0 {
		t.Fatalf("abandon calls=%d want 0", abandon)
	}
}

func TestRetryResumesFromFloor(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{status: func(n int) (*reports.PollView, error) {
		if n == 1 {
			return view(id, reports.StatusProcessing, 0, time.Now()), nil
		}
		return view(id, reports.StatusReady, 100, time.Now()), nil
	}}
	var ups updateLog
	w := New(logger.Nop(), api, testConfig(), WithOnUpdate(ups.record))

	res, err := w.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.Phase != PhaseReady {
		t.Fatalf("phase=%s", res.Phase)
	}
	got := ups.snapshot()
	if len(got) == 0 || got[0].Progress != 10 {
		t.Fatalf("first update=%+v want progress 10", got)
	}
	if _, _, _, retry, _ := api.counts(); retry != 1 {
		t.Fatalf("retry calls=%d", retry)
	}
}

func TestVerifyPaidTriggersGeneration(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		verify: func(n int) (*apiclient.VerifyResult, error) {
			return &apiclient.VerifyResult{Paid: true, ReportID: id, ReportStatus: reports.StatusPaid}, nil
		},
		status: func(n int) (*reports.PollView, error) {
			if n == 1 {
				return view(id, reports.StatusProcessing, 50, time.Now()), nil
			}
			return view(id, reports.StatusReady, 100, time.Now()), nil
		},
	}
	w := New(logger.Nop(), api, testConfig())

	res, err := w.Verify(context.Background(), "cs_test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Phase != PhaseReady || res.ReportID != id {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, _, generate, _, _ := api.counts(); generate != 1 {
		t.Fatalf("generate calls=%d want 1", generate)
	}
}

func TestVerifyProcessingSkipsTrigger(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		verify: func(n int) (*apiclient.VerifyResult, error) {
			return &apiclient.VerifyResult{Paid: true, ReportID: id, ReportStatus: reports.StatusProcessing}, nil
		},
		status: func(n int) (*reports.PollView, error) {
			return view(id, reports.StatusReady, 100, time.Now()), nil
		},
	}
	w := New(logger.Nop(), api, testConfig())

	if _, err := w.Verify(context.Background(), "cs_test"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, _, generate, _, _ := api.counts(); generate != 0 {
		t.Fatalf("generate calls=%d want 0", generate)
	}
}

func TestVerifyRechecksUnpaidSession(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{
		verify: func(n int) (*apiclient.VerifyResult, error) {
			if n < 2 {
				return &apiclient.VerifyResult{Paid: false, ReportID: id, ReportStatus: reports.StatusDraft}, nil
			}
			return &apiclient.VerifyResult{Paid: true, ReportID: id, ReportStatus: reports.StatusReady}, nil
		},
		status: func(n int) (*reports.PollView, error) {
			return view(id, reports.StatusReady, 100, time.Now()), nil
		},
	}
	w := New(logger.Nop(), api, testConfig())

	res, err := w.Verify(context.Background(), "cs_test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Phase != PhaseReady {
		t.Fatalf("phase=%s", res.Phase)
	}
	if verify, _, _, _, _ := api.counts(); verify != 2 {
		t.Fatalf("verify calls=%d want 2", verify)
	}
}

func TestVerifyGivesUpWhenNeverPaid(t *testing.T) {
	api := &fakeAPI{verify: func(n int) (*apiclient.VerifyResult, error) {
		return &apiclient.VerifyResult{Paid: false, ReportStatus: reports.StatusDraft}, nil
	}}
	w := New(logger.Nop(), api, testConfig())

	_, err := w.Verify(context.Background(), "cs_test")
	if !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("err=%v want ErrPaymentNotConfirmed", err)
	}
	if verify, _, _, _, _ := api.counts(); verify != 3 {
		t.Fatalf("verify calls=%d want 3", verify)
	}
}

func TestVerifyFailedReportIsRetryable(t *testing.T) {
	id := uuid.New()
	api := &fakeAPI{verify: func(n int) (*apiclient.VerifyResult, error) {
		return &apiclient.VerifyResult{Paid: true, ReportID: id, ReportStatus: reports.StatusFailed}, nil
	}}
	w := New(logger.Nop(), api, testConfig())

	res, err := w.Verify(context.Background(), "cs_test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Phase != PhaseFailed || !res.Retryable {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, status, _, _, _ := api.counts(); status != 0 {
		t.Fatalf("status calls=%d want 0", status)
	}
}

func TestPollStopsOnNotFound(t *testing.T) {
	api := &fakeAPI{status: func(n int) (*reports.PollView, error) {
		return nil, &apiclient.Error{StatusCode: http.StatusNotFound, Message: "report not found"}
	}}
	w := New(logger.Nop(), api, testConfig())

	if _, err := w.Watch(context.Background(), uuid.New()); apiclient.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("err=%v want 404", err)
	}
}

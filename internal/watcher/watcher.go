package watcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/marketbench-backend/internal/apiclient"
	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/ctxutil"
	"github.com/yungbote/marketbench-backend/internal/platform/httpx"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

var ErrPaymentNotConfirmed = errors.New("payment not confirmed")

// API is the slice of the report API the watcher drives.
type API interface {
	VerifyPayment(ctx context.Context, sessionID string) (*apiclient.VerifyResult, error)
	GenerateReport(ctx context.Context, reportID uuid.UUID) (*apiclient.GenerateResult, error)
	Status(ctx context.Context, reportID uuid.UUID) (*reports.PollView, error)
	Retry(ctx context.Context, reportID uuid.UUID) (*apiclient.GenerateResult, error)
	Abandon(ctx context.Context, reportID uuid.UUID) error
}

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseVerifying  Phase = "verifying"
	PhaseVerified   Phase = "verified"
	PhaseProcessing Phase = "processing"
	PhaseReady      Phase = "ready"
	PhaseFailed     Phase = "failed"
	PhaseAbandoned  Phase = "abandoned"
)

func (p Phase) pending() bool {
	return p == PhaseVerifying || p == PhaseVerified || p == PhaseProcessing
}

type Config struct {
	PollInterval   time.Duration
	HardTimeout    time.Duration
	StallThreshold time.Duration
	RetryFloor     int
	SyntheticCap   int
	SyntheticTau   time.Duration
	VerifyAttempts int
	VerifyInterval time.Duration
	AbandonTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		HardTimeout:    5 * time.Minute,
		StallThreshold: 90 * time.Second,
		RetryFloor:     10,
		SyntheticCap:   95,
		SyntheticTau:   60 * time.Second,
		VerifyAttempts: 5,
		VerifyInterval: 2 * time.Second,
		AbandonTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = d.HardTimeout
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.RetryFloor <= 0 {
		c.RetryFloor = d.RetryFloor
	}
	if c.SyntheticCap <= 0 || c.SyntheticCap >= 100 {
		c.SyntheticCap = d.SyntheticCap
	}
	if c.SyntheticTau <= 0 {
		c.SyntheticTau = d.SyntheticTau
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = d.VerifyAttempts
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = d.VerifyInterval
	}
	if c.AbandonTimeout <= 0 {
		c.AbandonTimeout = d.AbandonTimeout
	}
	return c
}

// Update is emitted whenever the phase or displayed progress changes.
type Update struct {
	ReportID uuid.UUID
	Phase    Phase
	Status   reports.Status
	Step     string
	Progress int
}

type Result struct {
	ReportID     uuid.UUID
	Phase        Phase
	Status       reports.Status
	Progress     int
	Output       datatypes.JSON
	ErrorKind    string
	ErrorMessage string
	// TimedOut is a local verdict; the server row is left as it was.
	TimedOut  bool
	Retryable bool
	Stalled   bool
}

type Option func(*Watcher)

func WithOnUpdate(fn func(Update)) Option {
	return func(w *Watcher) { w.onUpdate = fn }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// Watcher follows one report from payment to a terminal state. A Watcher is
// a single session: the automatic stall re-trigger fires at most once over
// its lifetime.
type Watcher struct {
	log      *logger.Logger
	api      API
	cfg      Config
	onUpdate func(Update)
	now      func() time.Time

	mu           sync.Mutex
	phase        Phase
	reportID     uuid.UUID
	stallRetried bool
	lastProgress int
}

func New(log *logger.Logger, api API, cfg Config, opts ...Option) *Watcher {
	if log == nil {
		log = logger.Nop()
	}
	w := &Watcher{
		log:   log.With("component", "ReportWatcher"),
		api:   api,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		phase: PhaseIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Verify confirms the checkout session and, once paid, follows generation to
// a terminal state.
func (w *Watcher) Verify(ctx context.Context, sessionID string) (*Result, error) {
	defer w.abandonIfInterrupted(ctx)
	w.setPhase(PhaseVerifying, uuid.Nil, "", 0)

	for attempt := 1; ; attempt++ {
		vr, verr := w.api.VerifyPayment(ctx, sessionID)
		if verr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !httpx.IsRetryableError(verr) || attempt >= w.cfg.VerifyAttempts {
				return nil, fmt.Errorf("verify payment: %w", verr)
			}
			w.log.Warn("verify payment failed; retrying", "attempt", attempt, "error", verr)
		} else {
			if vr.ReportID != uuid.Nil {
				w.setReport(vr.ReportID)
			}
			switch {
			case vr.ReportStatus == reports.StatusReady:
				return w.follow(ctx, vr.ReportID, NewProgressTracker(0, w.cfg.SyntheticCap))
			case vr.ReportStatus == reports.StatusFailed:
				w.setPhase(PhaseFailed, vr.ReportID, vr.ReportStatus, w.progress())
				return &Result{ReportID: vr.ReportID, Phase: PhaseFailed, Status: vr.ReportStatus, Retryable: true}, nil
			case vr.ReportStatus == reports.StatusAbandoned:
				w.setPhase(PhaseAbandoned, vr.ReportID, vr.ReportStatus, w.progress())
				return &Result{ReportID: vr.ReportID, Phase: PhaseAbandoned, Status: vr.ReportStatus}, nil
			case vr.ReportStatus == reports.StatusProcessing:
				w.setPhase(PhaseVerified, vr.ReportID, vr.ReportStatus, 0)
				return w.follow(ctx, vr.ReportID, NewProgressTracker(0, w.cfg.SyntheticCap))
			case vr.Paid || vr.ReportStatus == reports.StatusPaid:
				w.setPhase(PhaseVerified, vr.ReportID, vr.ReportStatus, 0)
				if _, gerr := w.api.GenerateReport(ctx, vr.ReportID); gerr != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					// The webhook continuation may already own the attempt.
					w.log.Warn("generate-report after verify failed", "report_id", vr.ReportID, "error", gerr)
				}
				return w.follow(ctx, vr.ReportID, NewProgressTracker(0, w.cfg.SyntheticCap))
			}
			if attempt >= w.cfg.VerifyAttempts {
				w.setPhase(PhaseFailed, vr.ReportID, vr.ReportStatus, w.progress())
				return nil, ErrPaymentNotConfirmed
			}
		}
		if serr := httpx.SleepContext(ctx, w.cfg.VerifyInterval); serr != nil {
			return nil, serr
		}
	}
}

// Watch follows a report that is already paid or processing.
func (w *Watcher) Watch(ctx context.Context, reportID uuid.UUID) (*Result, error) {
	defer w.abandonIfInterrupted(ctx)
	w.setReport(reportID)
	return w.follow(ctx, reportID, NewProgressTracker(0, w.cfg.SyntheticCap))
}

// Retry re-runs generation for a failed report and resumes polling from the
// retry floor with a fresh tracker.
func (w *Watcher) Retry(ctx context.Context, reportID uuid.UUID) (*Result, error) {
	defer w.abandonIfInterrupted(ctx)
	w.setReport(reportID)
	tracker := NewProgressTracker(w.cfg.RetryFloor, w.cfg.SyntheticCap)
	w.mu.Lock()
	w.lastProgress = 0
	w.mu.Unlock()
	w.setPhase(PhaseProcessing, reportID, reports.StatusProcessing, tracker.Value())
	if _, err := w.api.Retry(ctx, reportID); err != nil {
		w.setPhase(PhaseFailed, reportID, reports.StatusFailed, tracker.Value())
		return nil, fmt.Errorf("retry report: %w", err)
	}
	return w.follow(ctx, reportID, tracker)
}

// Abandon sends the abandon request once, bounded by AbandonTimeout and
// independent of ctx cancellation.
func (w *Watcher) Abandon(ctx context.Context, reportID uuid.UUID) error {
	actx, cancel := context.WithTimeout(ctxutil.Detached(ctx), w.cfg.AbandonTimeout)
	defer cancel()
	if err := w.api.Abandon(actx, reportID); err != nil {
		return err
	}
	w.setPhase(PhaseAbandoned, reportID, reports.StatusAbandoned, w.progress())
	return nil
}

func (w *Watcher) follow(ctx context.Context, reportID uuid.UUID, tracker *ProgressTracker) (*Result, error) {
	started := w.now()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(w.cfg.HardTimeout)
	defer deadline.Stop()

	for {
		res, err := w.poll(ctx, reportID, tracker, started)
		if err != nil || res != nil {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			w.log.Warn("report watch timed out", "report_id", reportID, "after", w.cfg.HardTimeout.String())
			w.setPhase(PhaseFailed, reportID, reports.StatusFailed, tracker.Value())
			return &Result{
				ReportID:  reportID,
				Phase:     PhaseFailed,
				Status:    reports.StatusFailed,
				Progress:  tracker.Value(),
				TimedOut:  true,
				Retryable: true,
			}, nil
		case <-ticker.C:
		}
	}
}

// poll performs one status read. A nil result with a nil error means keep
// polling.
func (w *Watcher) poll(ctx context.Context, reportID uuid.UUID, tracker *ProgressTracker, started time.Time) (*Result, error) {
	view, err := w.api.Status(ctx, reportID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if fatalStatus(apiclient.StatusCode(err)) {
			return nil, fmt.Errorf("poll report: %w", err)
		}
		w.log.Warn("poll failed; will retry", "report_id", reportID, "error", err)
		return nil, nil
	}

	switch view.Status {
	case reports.StatusReady:
		p := tracker.Complete()
		w.setPhase(PhaseReady, reportID, view.Status, p)
		return &Result{ReportID: reportID, Phase: PhaseReady, Status: view.Status, Progress: p, Output: view.OutputData}, nil
	case reports.StatusFailed:
		p := tracker.Value()
		w.setPhase(PhaseFailed, reportID, view.Status, p)
		return &Result{
			ReportID:     reportID,
			Phase:        PhaseFailed,
			Status:       view.Status,
			Progress:     p,
			ErrorKind:    view.ErrorKind,
			ErrorMessage: view.ErrorMessage,
			Retryable:    true,
		}, nil
	case reports.StatusAbandoned:
		w.setPhase(PhaseAbandoned, reportID, view.Status, tracker.Value())
		return &Result{ReportID: reportID, Phase: PhaseAbandoned, Status: view.Status, Progress: tracker.Value()}, nil
	}

	var p int
	if view.ProcessingProgress > 0 {
		p = tracker.Observe(view.ProcessingProgress)
	} else {
		p = tracker.ObserveSynthetic(SyntheticProgress(w.now().Sub(started), w.cfg.SyntheticTau, w.cfg.SyntheticCap))
	}
	phase := PhaseProcessing
	if view.Status == reports.StatusPaid || view.Status == reports.StatusDraft {
		phase = PhaseVerified
	}
	w.setPhaseStep(phase, reportID, view.Status, view.ProcessingStep, p)

	if view.Status == reports.StatusProcessing && w.stalled(view) {
		if !w.claimStallRetry() {
			return nil, nil
		}
		w.log.Warn("report looks stalled; re-triggering generation", "report_id", reportID, "updated_at", view.UpdatedAt)
		if _, gerr := w.api.GenerateReport(ctx, reportID); gerr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.setPhase(PhaseFailed, reportID, view.Status, p)
			return &Result{ReportID: reportID, Phase: PhaseFailed, Status: view.Status, Progress: p, Stalled: true, Retryable: true},
				fmt.Errorf("re-trigger stalled report: %w", gerr)
		}
	}
	return nil, nil
}

func (w *Watcher) stalled(view *reports.PollView) bool {
	if view.UpdatedAt.IsZero() {
		return false
	}
	return w.now().Sub(view.UpdatedAt) > w.cfg.StallThreshold
}

func (w *Watcher) claimStallRetry() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stallRetried {
		return false
	}
	w.stallRetried = true
	return true
}

func (w *Watcher) abandonIfInterrupted(ctx context.Context) {
	if ctx.Err() == nil {
		return
	}
	w.mu.Lock()
	phase, id := w.phase, w.reportID
	w.mu.Unlock()
	if !phase.pending() || id == uuid.Nil {
		return
	}
	if err := w.Abandon(ctx, id); err != nil {
		w.log.Warn("abandon request failed", "report_id", id, "error", err)
		return
	}
	w.log.Info("report abandoned on interrupt", "report_id", id, "phase", string(phase))
}

func (w *Watcher) setReport(id uuid.UUID) {
	w.mu.Lock()
	w.reportID = id
	w.mu.Unlock()
}

func (w *Watcher) progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastProgress
}

func (w *Watcher) setPhase(phase Phase, id uuid.UUID, status reports.Status, progress int) {
	w.setPhaseStep(phase, id, status, "", progress)
}

func (w *Watcher) setPhaseStep(phase Phase, id uuid.UUID, status reports.Status, step string, progress int) {
	w.mu.Lock()
	changed := w.phase != phase || w.lastProgress != progress
	w.phase = phase
	if id != uuid.Nil {
		w.reportID = id
	}
	w.lastProgress = progress
	id = w.reportID
	fn := w.onUpdate
	w.mu.Unlock()
	if changed && fn != nil {
		fn(Update{ReportID: id, Phase: phase, Status: status, Step: step, Progress: progress})
	}
}

func fatalStatus(code int) bool {
	if code == 0 {
		return false
	}
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

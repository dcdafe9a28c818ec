package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/marketbench-backend/internal/data/repos"
	"github.com/yungbote/marketbench-backend/internal/data/repos/testutil"
	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/platform/ctxutil"
	"github.com/yungbote/marketbench-backend/internal/platform/lease"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/platform/openai"
	"github.com/yungbote/marketbench-backend/internal/platform/stripe"
)

const standardOutput = `{
  "executive_summary": "Well placed against local competitors.",
  "competitors": [{"name": "Smile Co", "strengths": ["reviews"], "weaknesses": ["hours"]}],
  "recommendations": [{"title": "Extend hours", "detail": "Open Saturdays.", "priority": "high"}]
}`

type fakeAI struct {
	mu        sync.Mutex
	calls     int
	responses []func(ctx context.Context) (*openai.Completion, error)
}

func (f *fakeAI) push(fn func(ctx context.Context) (*openai.Completion, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fn)
}

func (f *fakeAI) pushText(text string) {
	f.push(func(context.Context) (*openai.Completion, error) {
		return &openai.Completion{Text: text, Model: "test-model", FinishReason: "stop"}, nil
	})
}

func (f *fakeAI) pushErr(err error) {
	f.push(func(context.Context) (*openai.Completion, error) { return nil, err })
}

func (f *fakeAI) Complete(ctx context.Context, _ openai.CompletionRequest) (*openai.Completion, error) {
	f.mu.Lock()
	f.calls++
	var fn func(ctx context.Context) (*openai.Completion, error)
	if len(f.responses) > 0 {
		fn = f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()
	if fn == nil {
		return &openai.Completion{Text: standardOutput, Model: "test-model", FinishReason: "stop"}, nil
	}
	return fn(ctx)
}

func (f *fakeAI) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGateway struct {
	mu            sync.Mutex
	sessions      map[string]*stripe.Session
	priceErr      error
	createdParams []stripe.CheckoutParams
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: map[string]*stripe.Session{}}
}

func (g *fakeGateway) FindOrCreateCustomer(_ context.Context, email string, _ map[string]string) (string, error) {
	return "cus_" + email, nil
}

func (g *fakeGateway) ResolvePrice(_ context.Context, plan string) (string, error) {
	if g.priceErr != nil {
		return "", g.priceErr
	}
	return "price_" + plan, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p stripe.CheckoutParams) (*stripe.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createdParams = append(g.createdParams, p)
	s := &stripe.Session{
		ID:            "cs_test_" + uuid.NewString()[:8],
		ClientSecret:  "cs_secret_" + uuid.NewString()[:8],
		PaymentStatus: "unpaid",
		Status:        stripe.SessionStatusOpen,
		Metadata:      p.Metadata,
	}
	g.sessions[s.ID] = s
	return s, nil
}

func (g *fakeGateway) GetCheckoutSession(_ context.Context, id string) (*stripe.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, stripe.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) markPaid(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[id]
	s.PaymentStatus = stripe.PaymentStatusPaid
	s.Status = "complete"
	s.PaymentIntentID = "pi_" + id
	s.AmountTotal = 4900
	s.Currency = "usd"
}

func (g *fakeGateway) expire(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id].Status = "expired"
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []uuid.UUID
	failed error
}

func (n *fakeNotifier) PaymentConfirmed(_ context.Context, r *types.Report, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failed != nil {
		return n.failed
	}
	n.sent = append(n.sent, r.ID)
	return nil
}

func (n *fakeNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// syncDispatcher runs generation inline so tests observe the final state
// without sleeping.
type syncDispatcher struct {
	gen GenerationService
	err error
}

func (d *syncDispatcher) Mode() string { return "sync" }

func (d *syncDispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	if d.err != nil {
		return d.err
	}
	_ = d.gen.Generate(ctx, id)
	return nil
}

type harness struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.ReportRepo
	ai     *fakeAI
	locker *lease.LocalLocker
	gen    GenerationService
	disp   *syncDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := repos.NewReportRepo(db, log)
	ai := &fakeAI{}
	locker := lease.NewLocalLocker()
	gen := NewGenerationService(log, repo, ai, locker, nil, GenerationConfig{
		Timeout:           2 * time.Second,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	return &harness{
		db:     db,
		log:    log,
		repo:   repo,
		ai:     ai,
		locker: locker,
		gen:    gen,
		disp:   &syncDispatcher{gen: gen},
	}
}

func (h *harness) seed(t *testing.T, user uuid.UUID, status types.ReportStatus, plan types.ReportPlan) *types.Report {
	t.Helper()
	return testutil.SeedReport(t, context.Background(), h.db, user, status, plan)
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *types.Report {
	t.Helper()
	return testutil.Reload(t, context.Background(), h.db, id)
}

func userCtx(user uuid.UUID) context.Context {
	return ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{
		UserID: user,
		Email:  "buyer@example.com",
	})
}

func sampleInputJSON(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(testutil.SampleInput())
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return raw
}

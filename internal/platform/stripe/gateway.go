package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/price"

	"github.com/yungbote/marketbench-backend/internal/platform/envutil"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

var (
	ErrPriceNotConfigured = errors.New("stripe: price not configured for plan")
	ErrNotFound           = errors.New("stripe: resource not found")
	ErrUpstream           = errors.New("stripe: upstream error")
)

const (
	PaymentStatusPaid = string(stripe.CheckoutSessionPaymentStatusPaid)
	SessionStatusOpen = string(stripe.CheckoutSessionStatusOpen)
)

// Session is the part of a Checkout Session this service reads.
type Session struct {
	ID              string
	ClientSecret    string
	Status          string
	PaymentStatus   string
	Metadata        map[string]string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	CustomerEmail   string
}

// Open reports whether the session can still be paid.
func (s *Session) Open() bool {
	return s != nil && s.Status == SessionStatusOpen
}

func (s *Session) Paid() bool {
	return s != nil && s.PaymentStatus == PaymentStatusPaid
}

type CheckoutParams struct {
	CustomerID string
	PriceID    string
	ReturnURL  string
	Metadata   map[string]string
}

// Gateway is the payment provider as seen by the checkout flow.
type Gateway interface {
	FindOrCreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error)
	ResolvePrice(ctx context.Context, plan string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*Session, error)
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceIDs      map[string]string
	// BackendURL overrides the API host; used by tests.
	BackendURL string
}

func ConfigFromEnv() Config {
	return Config{
		SecretKey:     envutil.String("STRIPE_SECRET_KEY", ""),
		WebhookSecret: envutil.String("STRIPE_WEBHOOK_SECRET", ""),
		PriceIDs: map[string]string{
			"standard": envutil.String("STRIPE_PRICE_STANDARD", ""),
			"pro":      envutil.String("STRIPE_PRICE_PRO", ""),
			"agency":   envutil.String("STRIPE_PRICE_AGENCY", ""),
		},
		BackendURL: envutil.String("STRIPE_API_BASE_URL", ""),
	}
}

type gateway struct {
	log       *logger.Logger
	sessions  stripesession.Client
	customers customer.Client
	prices    price.Client
	priceIDs  map[string]string
}

func NewGateway(log *logger.Logger, cfg Config) (Gateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("missing STRIPE_SECRET_KEY")
	}
	backend := stripe.GetBackend(stripe.APIBackend)
	if cfg.BackendURL != "" {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.BackendURL),
			MaxNetworkRetries: stripe.Int64(0),
		})
	}
	return &gateway{
		log:       log.With("client", "StripeGateway"),
		sessions:  stripesession.Client{B: backend, Key: cfg.SecretKey},
		customers: customer.Client{B: backend, Key: cfg.SecretKey},
		prices:    price.Client{B: backend, Key: cfg.SecretKey},
		priceIDs:  cfg.PriceIDs,
	}, nil
}

func (g *gateway) FindOrCreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", fmt.Errorf("customer email required")
	}
	list := &stripe.CustomerListParams{Email: stripe.String(email)}
	list.Context = ctx
	list.Limit = stripe.Int64(1)
	it := g.customers.List(list)
	for it.Next() {
		if c := it.Customer(); c != nil && !c.Deleted {
			return c.ID, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", mapError(err)
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	c, err := g.customers.New(params)
	if err != nil {
		return "", mapError(err)
	}
	g.log.Info("Created Stripe customer", "customer_id", c.ID)
	return c.ID, nil
}

// ResolvePrice maps a plan to its configured price and confirms the price
// exists and is active upstream.
func (g *gateway) ResolvePrice(ctx context.Context, plan string) (string, error) {
	id := strings.TrimSpace(g.priceIDs[plan])
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrPriceNotConfigured, plan)
	}
	params := &stripe.PriceParams{}
	params.Context = ctx
	p, err := g.prices.Get(id, params)
	if err != nil {
		if errors.Is(mapError(err), ErrNotFound) {
			return "", fmt.Errorf("%w: %s (price %s missing upstream)", ErrPriceNotConfigured, plan, id)
		}
		return "", mapError(err)
	}
	if !p.Active {
		return "", fmt.Errorf("%w: %s (price %s inactive)", ErrPriceNotConfigured, plan, id)
	}
	return p.ID, nil
}

func (g *gateway) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:      stripe.String(string(stripe.CheckoutSessionModePayment)),
		UIMode:    stripe.String(string(stripe.CheckoutSessionUIModeEmbedded)),
		ReturnURL: stripe.String(in.ReturnURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: in.Metadata,
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	}
	params.Context = ctx
	s, err := g.sessions.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return fromStripeSession(s), nil
}

func (g *gateway) GetCheckoutSession(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrNotFound)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.sessions.Get(sessionID, params)
	if err != nil {
		return nil, mapError(err)
	}
	return fromStripeSession(s), nil
}

func fromStripeSession(s *stripe.CheckoutSession) *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		ID:            s.ID,
		ClientSecret:  s.ClientSecret,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      s.Metadata,
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		CustomerEmail: s.CustomerEmail,
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = s.CustomerDetails.Email
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}

func mapError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", ErrNotFound, se.Msg)
		}
		return fmt.Errorf("%w (status %d): %s", ErrUpstream, se.HTTPStatusCode, se.Msg)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	SignatureHeader = "Stripe-Signature"
	// MaxWebhookBodyBytes caps what we read before verifying the signature.
	MaxWebhookBodyBytes = 1 << 20

	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

var (
	ErrWebhookSecretMissing = errors.New("stripe: webhook signing secret not configured")
	ErrBadSignature         = errors.New("stripe: webhook signature verification failed")

	// ErrBadPayload is a correctly signed event whose object cannot be decoded.
	ErrBadPayload = errors.New("stripe: malformed webhook payload")
)

// Event is a verified webhook event.
type Event struct {
	ID      string
	Type    string
	Session *Session
}

// VerifyWebhook checks the signature header against the signing secret and
// decodes checkout session payloads. Other event types come back with a nil
// Session.
func VerifyWebhook(payload []byte, sigHeader, secret string) (*Event, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrWebhookSecretMissing
	}
	if strings.TrimSpace(sigHeader) == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrBadSignature, SignatureHeader)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if signatureFailure(err) {
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	switch out.Type {
	case EventCheckoutSessionCompleted, EventCheckoutSessionAsyncPaymentSucceeded:
		if ev.Data == nil {
			return nil, fmt.Errorf("%w: event %s has no data", ErrBadPayload, ev.ID)
		}
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrBadPayload, err)
		}
		out.Session = fromStripeSession(&s)
	}
	return out, nil
}

func signatureFailure(err error) bool {
	return errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrTooOld)
}

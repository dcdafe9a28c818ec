package stripe

import (
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// SignedHeader returns a valid Stripe-Signature header for payload. Used by
// tests and by local tooling that replays events against a dev server.
func SignedHeader(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	}).Header
}

package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	types "github.com/yungbote/marketbench-backend/internal/domain"
	"github.com/yungbote/marketbench-backend/internal/observability"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
	"github.com/yungbote/marketbench-backend/internal/platform/sendgrid"
)

// PaymentNotifier tells the buyer their payment went through. Callers treat
// errors as best-effort and never retry inline.
type PaymentNotifier interface {
	PaymentConfirmed(ctx context.Context, report *types.Report, email string) error
}

type emailNotifier struct {
	log     *logger.Logger
	mail    sendgrid.Client
	appURL  string
	metrics *observability.Metrics
}

func NewEmailNotifier(baseLog *logger.Logger, mail sendgrid.Client, appURL string, metrics *observability.Metrics) PaymentNotifier {
	return &emailNotifier{
		log:     baseLog.With("service", "PaymentNotifier"),
		mail:    mail,
		appURL:  strings.TrimRight(strings.TrimSpace(appURL), "/"),
		metrics: metrics,
	}
}

func (n *emailNotifier) PaymentConfirmed(ctx context.Context, report *types.Report, email string) error {
	email = strings.TrimSpace(email)
	if report == nil || email == "" {
		n.metrics.IncEmail("payment_confirmed", "skipped")
		return nil
	}
	amount := FormatAmount(report.AmountPaid, report.Currency)
	var body strings.Builder
	fmt.Fprintf(&body, "Thanks for your purchase of a %s market benchmark report.\n\n", report.Plan.Title())
	if amount != "" {
		fmt.Fprintf(&body, "Amount paid: %s\n", amount)
	}
	body.WriteString("We are generating your report now. It usually takes a few minutes.\n")
	if n.appURL != "" {
		fmt.Fprintf(&body, "\nFollow its progress at %s/reports/%s\n", n.appURL, report.ID)
	}

	_, err := n.mail.Send(ctx, sendgrid.SendEmailRequest{
		To:         []sendgrid.EmailAddress{{Email: email}},
		Subject:    "Payment received: your report is being prepared",
		Text:       body.String(),
		Categories: []string{"payment_confirmed"},
		CustomArgs: map[string]string{"report_id": report.ID.String()},
	})
	if err != nil {
		n.metrics.IncEmail("payment_confirmed", "error")
		return fmt.Errorf("send payment confirmation: %w", err)
	}
	n.metrics.IncEmail("payment_confirmed", "sent")
	return nil
}

type noopNotifier struct{ log *logger.Logger }

func NewNoopNotifier(baseLog *logger.Logger) PaymentNotifier {
	return &noopNotifier{log: baseLog.With("service", "PaymentNotifier", "mode", "noop")}
}

func (n *noopNotifier) PaymentConfirmed(_ context.Context, report *types.Report, _ string) error {
	if report != nil {
		n.log.Debug("Email disabled; skipping payment confirmation", "report_id", report.ID)
	}
	return nil
}

// FormatAmount renders minor units as "49.00 USD". Zero-decimal currencies
// are not special-cased; the three plans are sold in two-decimal currencies.
func FormatAmount(minor int64, currency string) string {
	if minor <= 0 {
		return ""
	}
	s := decimal.New(minor, -2).StringFixed(2)
	if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" {
		s += " " + c
	}
	return s
}

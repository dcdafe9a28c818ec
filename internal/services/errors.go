package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/apierr"
)

var (
	ErrReportNotFound     = errors.New("report not found")
	ErrInvalidState       = errors.New("report is not in a valid state for this operation")
	ErrGenerationInFlight = errors.New("report generation already in flight")
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrPaymentMismatch    = errors.New("payment does not match report")
)

// GenerationError is a generation failure that was recorded on the report
// with Kind as its error_kind.
type GenerationError struct {
	Kind string
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// KindOf returns the recorded failure kind of err, or "" if err is not a
// generation failure.
func KindOf(err error) string {
	var ge *GenerationError
	if errors.As(err, &ge) && ge != nil {
		return ge.Kind
	}
	return ""
}

func notFound(err error) error {
	if err == nil {
		err = ErrReportNotFound
	}
	return apierr.New(http.StatusNotFound, "report_not_found", err)
}

func invalidState(status reports.Status, op string) error {
	return apierr.New(http.StatusConflict, "invalid_report_state",
		fmt.Errorf("%w: cannot %s a %s report", ErrInvalidState, op, status))
}

func unauthenticated() error {
	return apierr.New(http.StatusUnauthorized, "unauthenticated", ErrUnauthenticated)
}

func badRequest(code string, err error) error {
	return apierr.New(http.StatusBadRequest, code, err)
}

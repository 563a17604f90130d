package gateway

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
)

// CallError classifies a failed gateway call. Category drives both health
// tracking (only gateway-attributable categories count) and retry semantics.
type CallError struct {
	Category domain.FailureCategory
	Message  string
	Code     string
	Cause    error
}

func (e *CallError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "gateway call error")
	if e.Category != "" && e.Category != domain.FailureNone {
		parts = append(parts, strings.ToLower(e.Category.String()))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Classify maps an error from a caller to its failure category. Timeouts and
// transport errors are gateway-attributable; context cancellation is not a
// gateway problem at all.
func Classify(err error) domain.FailureCategory {
	if err == nil {
		return domain.FailureNone
	}

	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Category != "" {
		return callErr.Category
	}

	if errors.Is(err, context.Canceled) {
		return domain.FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	if errors.Is(err, domain.ErrValidation) {
		return domain.FailureInput
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.FailureTimeout
		}
		return domain.FailureNetwork
	}

	return domain.FailureProtocol
}

// OutcomeFromError renders a call error as a transient-error outcome so the
// batch can keep moving. Input failures stay terminal and free.
func OutcomeFromError(err error) domain.Outcome {
	category := Classify(err)

	status := domain.OutcomeError
	if category == domain.FailureInput {
		status = domain.OutcomeInvalid
	}

	message := "gateway call failed"
	if err != nil {
		message = err.Error()
	}

	code := ""
	var callErr *CallError
	if errors.As(err, &callErr) {
		code = callErr.Code
	}

	return domain.Outcome{
		Status:   status,
		Message:  message,
		Code:     code,
		Category: category,
		Billing:  domain.BillingFree,
	}
}

// NewTimeoutError is a convenience constructor for callers.
func NewTimeoutError(cause error) *CallError {
	return &CallError{
		Category: domain.FailureTimeout,
		Message:  "gateway did not answer in time",
		Cause:    cause,
	}
}

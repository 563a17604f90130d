package domain

import (
	"fmt"
	"strings"
	"time"
)

// OutcomeStatus classifies the terminal result of processing one work item.
type OutcomeStatus string

const (
	OutcomeSuccess        OutcomeStatus = "SUCCESS"
	OutcomeDeclined       OutcomeStatus = "DECLINED"
	OutcomeError          OutcomeStatus = "ERROR"
	OutcomeActionRequired OutcomeStatus = "ACTION_REQUIRED"
	OutcomeInvalid        OutcomeStatus = "INVALID"
)

func (s OutcomeStatus) String() string { return string(s) }

func (s OutcomeStatus) IsValid() bool {
	switch s {
	case OutcomeSuccess, OutcomeDeclined, OutcomeError, OutcomeActionRequired, OutcomeInvalid:
		return true
	}
	return false
}

func ParseOutcomeStatusFromString(s string) (OutcomeStatus, error) {
	st := OutcomeStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid outcome status %q", ErrValidation, s)
	}
	return st, nil
}

// BillingCategory decides whether and how much an outcome costs. FREE is
// never debited; the named categories are priced per gateway.
type BillingCategory string

const (
	BillingFree     BillingCategory = "FREE"
	BillingApproved BillingCategory = "APPROVED"
	BillingLive     BillingCategory = "LIVE"
)

func (c BillingCategory) String() string { return string(c) }

func (c BillingCategory) IsValid() bool {
	switch c {
	case BillingFree, BillingApproved, BillingLive:
		return true
	}
	return false
}

// Billable reports whether an outcome in this category costs credits.
func (c BillingCategory) Billable() bool {
	return c.IsValid() && c != BillingFree
}

// BillableCategories lists every category a pricing table must cover.
func BillableCategories() []BillingCategory {
	return []BillingCategory{BillingApproved, BillingLive}
}

// FailureCategory attributes a failed outcome. Only gateway-attributable
// categories may count against a channel's health.
type FailureCategory string

const (
	FailureNone     FailureCategory = "NONE"
	FailureNetwork  FailureCategory = "NETWORK"
	FailureTimeout  FailureCategory = "TIMEOUT"
	FailureProtocol FailureCategory = "PROTOCOL"
	FailureInput    FailureCategory = "INPUT"
)

func (c FailureCategory) String() string { return string(c) }

// GatewayAttributable reports whether this failure may trip circuit breaking.
// Malformed local input must never count against a channel.
func (c FailureCategory) GatewayAttributable() bool {
	switch c {
	case FailureNetwork, FailureTimeout, FailureProtocol:
		return true
	}
	return false
}

// Outcome is the immutable result of processing one work item.
type Outcome struct {
	Status   OutcomeStatus
	Message  string
	Code     string
	Category FailureCategory
	Elapsed  time.Duration
	Billing  BillingCategory
}

func (o Outcome) Validate() error {
	if !o.Status.IsValid() {
		return fmt.Errorf("%w: invalid outcome status %q", ErrValidation, o.Status)
	}
	if !o.Billing.IsValid() {
		return fmt.Errorf("%w: invalid billing category %q", ErrValidation, o.Billing)
	}
	return nil
}

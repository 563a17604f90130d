package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BatchState is the orchestration state machine:
// ADMITTED -> RUNNING -> {COMPLETED | ABORTED | UNAVAILABLE | FAILED}.
type BatchState string

const (
	BatchAdmitted    BatchState = "ADMITTED"
	BatchRunning     BatchState = "RUNNING"
	BatchCompleted   BatchState = "COMPLETED"
	BatchAborted     BatchState = "ABORTED"
	BatchUnavailable BatchState = "UNAVAILABLE"
	BatchFailed      BatchState = "FAILED"
)

func (s BatchState) String() string { return string(s) }

func (s BatchState) IsValid() bool {
	switch s {
	case BatchAdmitted, BatchRunning, BatchCompleted, BatchAborted, BatchUnavailable, BatchFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchAborted, BatchUnavailable, BatchFailed:
		return true
	}
	return false
}

// StopReason is the authoritative reason a batch ended. It is also the
// operation lock release reason, carried on every exit path.
type StopReason string

const (
	StopCompleted       StopReason = "completed"
	StopCreditExhausted StopReason = "credit_exhausted"
	StopUserCancelled   StopReason = "user_cancelled"
	StopFailed          StopReason = "failed"
)

func (r StopReason) String() string { return string(r) }

func (r StopReason) IsValid() bool {
	switch r {
	case StopCompleted, StopCreditExhausted, StopUserCancelled, StopFailed:
		return true
	}
	return false
}

// BatchStats carries the running aggregate counts of a session. It is only
// mutated by the orchestrator's serialized result path.
type BatchStats struct {
	Processed int
	Counts    map[OutcomeStatus]int
	Debits    int
	Billed    decimal.Decimal
}

func NewBatchStats() BatchStats {
	return BatchStats{
		Counts: make(map[OutcomeStatus]int),
		Billed: decimal.Zero,
	}
}

// Record folds one outcome into the aggregate.
func (s *BatchStats) Record(o Outcome) {
	s.Processed++
	s.Counts[o.Status]++
}

// BatchSession is the in-flight run state. It is created at batch start and
// discarded at batch end; its final state is exported once as a BatchSummary.
type BatchSession struct {
	ID               string
	TenantID         string
	GatewayID        string
	Tier             Tier
	Items            []WorkItem
	State            BatchState
	Stats            BatchStats
	AdmissionBalance decimal.Decimal
	StartedAt        time.Time
}

func (s *BatchSession) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if strings.TrimSpace(s.GatewayID) == "" {
		return fmt.Errorf("%w: gateway id is required", ErrValidation)
	}
	if !s.Tier.IsValid() {
		return fmt.Errorf("%w: invalid tier %q", ErrValidation, s.Tier)
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("%w: batch must include at least one work item", ErrValidation)
	}
	return nil
}

// BatchSummary is the single aggregate record every terminal batch produces.
type BatchSummary struct {
	BatchID      string
	TenantID     string
	GatewayID    string
	State        BatchState
	Aborted      bool
	StopReason   StopReason
	Reason       string
	Total        int
	Processed    int
	Counts       map[OutcomeStatus]int
	Debits       int
	AmountBilled decimal.Decimal
	Elapsed      time.Duration
}

// BatchTransaction is the audit record written at most once per batch, only
// when debits occurred.
type BatchTransaction struct {
	ID           string          `gorm:"type:uuid;primaryKey"`
	BatchID      string          `gorm:"type:uuid;not null"`
	TenantID     string          `gorm:"type:varchar(64);not null"`
	GatewayID    string          `gorm:"type:varchar(64);not null"`
	Processed    int             `gorm:"not null"`
	Debits       int             `gorm:"not null"`
	AmountBilled decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	BalanceAfter decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	StopReason   StopReason      `gorm:"type:varchar(20);not null"`
	CreatedAt    time.Time
}

func (t *BatchTransaction) Validate() error {
	if strings.TrimSpace(t.BatchID) == "" {
		return fmt.Errorf("%w: batch id is required", ErrValidation)
	}
	if strings.TrimSpace(t.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if !t.StopReason.IsValid() {
		return fmt.Errorf("%w: invalid stop reason %q", ErrValidation, t.StopReason)
	}
	if t.AmountBilled.IsNegative() {
		return fmt.Errorf("%w: billed amount must not be negative", ErrValidation)
	}
	return nil
}

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CreditAccount is the persisted per-tenant balance. The in-memory ledger is
// authoritative while the engine runs; this record is its durable shadow.
// Invariant: Balance never goes negative; a debit that would cross zero is
// refused, never partially applied.
type CreditAccount struct {
	TenantID      string          `gorm:"type:varchar(64);primaryKey"`
	Balance       decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	LifetimeSpent decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *CreditAccount) Validate() error {
	if strings.TrimSpace(a.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("%w: balance must not be negative", ErrValidation)
	}
	return nil
}

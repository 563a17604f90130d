// Package ledger is the credit admission controller and billing ledger: the
// advisory pre-flight check, the per-outcome atomic debit, the per-tenant
// operation lock, and the once-per-batch audit transaction.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreditCheck is the advisory admission result. Sufficient=false is a
// warning, not a rejection: only genuinely billable outcomes are charged, so
// the batch may still start.
type CreditCheck struct {
	Balance    decimal.Decimal
	Required   decimal.Decimal
	Sufficient bool
}

// DebitResult reports one attempted debit. ShouldStop=true means the balance
// could not cover this outcome; the debit was refused whole and the caller
// must cancel the batch and stop issuing debits.
type DebitResult struct {
	Charged    bool
	Price      decimal.Decimal
	NewBalance decimal.Decimal
	ShouldStop bool
}

// TransactionStore persists the once-per-batch audit record.
type TransactionStore interface {
	Create(ctx context.Context, tx *domain.BatchTransaction) error
}

// AccountStore mirrors balances durably. Optional; the ledger is
// authoritative while running.
type AccountStore interface {
	Save(ctx context.Context, account *domain.CreditAccount) error
}

type account struct {
	mu            sync.Mutex
	balance       decimal.Decimal
	lifetimeSpent decimal.Decimal
}

// Ledger keeps per-tenant balances with per-tenant serialization: the
// check-and-decrement in DebitForOutcome is a single critical section, so two
// concurrent outcomes can never both pass a sufficiency check that only one
// of them is covered for. Tenants never contend with each other.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account

	pricing      PricingResolver
	locks        OperationLock
	transactions TransactionStore
	accountStore AccountStore
	logger       *zap.Logger
	now          func() time.Time
}

type Option func(*Ledger)

// WithTransactionStore wires durable audit records.
func WithTransactionStore(store TransactionStore) Option {
	return func(l *Ledger) { l.transactions = store }
}

// WithAccountStore wires durable balance shadows, flushed on each recorded
// batch transaction.
func WithAccountStore(store AccountStore) Option {
	return func(l *Ledger) { l.accountStore = store }
}

func New(pricing PricingResolver, locks OperationLock, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if pricing == nil {
		return nil, fmt.Errorf("pricing resolver is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("operation lock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		accounts: make(map[string]*account),
		pricing:  pricing,
		locks:    locks,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Credit tops up a tenant balance (admin/setup path).
func (l *Ledger) Credit(tenantID string, amount decimal.Decimal) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: credit amount must not be negative", domain.ErrValidation)
	}

	acct := l.account(tenantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.balance = acct.balance.Add(amount)
	return nil
}

// Balance returns the current balance, zero for unknown tenants.
func (l *Ledger) Balance(tenantID string) decimal.Decimal {
	acct := l.account(tenantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance
}

// CheckSufficientCredits computes the worst case: every unit turns out
// billable at the gateway's most expensive category.
func (l *Ledger) CheckSufficientCredits(ctx context.Context, tenantID, gatewayID string, maxUnits int) (CreditCheck, error) {
	if maxUnits < 0 {
		return CreditCheck{}, fmt.Errorf("%w: negative unit count", domain.ErrValidation)
	}

	required := MaxUnitPrice(l.pricing, gatewayID).Mul(decimal.NewFromInt(int64(maxUnits)))
	balance := l.Balance(tenantID)

	return CreditCheck{
		Balance:    balance,
		Required:   required,
		Sufficient: balance.GreaterThanOrEqual(required),
	}, nil
}

// DebitForOutcome atomically charges one billable outcome. Free outcomes are
// never charged. A debit that would push the balance below zero is refused
// whole and signalled with ShouldStop.
func (l *Ledger) DebitForOutcome(ctx context.Context, tenantID, gatewayID string, outcome domain.Outcome) (DebitResult, error) {
	if !outcome.Billing.Billable() {
		return DebitResult{Charged: false, Price: decimal.Zero, NewBalance: l.Balance(tenantID)}, nil
	}

	price := l.pricing.UnitPrice(gatewayID, outcome.Billing)
	acct := l.account(tenantID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.balance.LessThan(price) {
		l.logger.Warn("debit refused, credits exhausted",
			zap.String("tenantId", tenantID),
			zap.String("gatewayId", gatewayID),
			zap.String("balance", acct.balance.String()),
			zap.String("price", price.String()),
		)
		return DebitResult{Price: price, NewBalance: acct.balance, ShouldStop: true}, nil
	}

	acct.balance = acct.balance.Sub(price)
	acct.lifetimeSpent = acct.lifetimeSpent.Add(price)
	return DebitResult{Charged: true, Price: price, NewBalance: acct.balance}, nil
}

// AcquireOperationLock enforces the per-tenant single-flight rule.
func (l *Ledger) AcquireOperationLock(ctx context.Context, tenantID string) (bool, error) {
	if strings.TrimSpace(tenantID) == "" {
		return false, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	return l.locks.Acquire(ctx, tenantID)
}

// ReleaseOperationLock must be called exactly once per batch, whatever the
// exit path. The reason code is the batch's stop reason.
func (l *Ledger) ReleaseOperationLock(ctx context.Context, tenantID string, reason domain.StopReason) error {
	if !reason.IsValid() {
		return fmt.Errorf("%w: invalid release reason %q", domain.ErrValidation, reason)
	}
	return l.locks.Release(ctx, tenantID, reason)
}

// RecordBatchTransaction writes the single audit record of a batch and
// flushes the tenant's durable balance shadow when a store is wired.
func (l *Ledger) RecordBatchTransaction(ctx context.Context, summary domain.BatchSummary) error {
	tx := &domain.BatchTransaction{
		ID:           uuid.NewString(),
		BatchID:      summary.BatchID,
		TenantID:     summary.TenantID,
		GatewayID:    summary.GatewayID,
		Processed:    summary.Processed,
		Debits:       summary.Debits,
		AmountBilled: summary.AmountBilled,
		BalanceAfter: l.Balance(summary.TenantID),
		StopReason:   summary.StopReason,
		CreatedAt:    l.now().UTC(),
	}
	if err := tx.Validate(); err != nil {
		return err
	}

	if l.transactions != nil {
		if err := l.transactions.Create(ctx, tx); err != nil {
			return fmt.Errorf("failed to record batch transaction: %w", err)
		}
	}

	if l.accountStore != nil {
		acct := l.account(summary.TenantID)
		acct.mu.Lock()
		record := &domain.CreditAccount{
			TenantID:      summary.TenantID,
			Balance:       acct.balance,
			LifetimeSpent: acct.lifetimeSpent,
			UpdatedAt:     l.now().UTC(),
		}
		acct.mu.Unlock()
		if err := l.accountStore.Save(ctx, record); err != nil {
			// The in-memory ledger stays authoritative; a failed flush is an
			// operational warning, not a billing error.
			l.logger.Error("failed to flush account balance",
				zap.String("tenantId", summary.TenantID),
				zap.Error(err),
			)
		}
	}

	l.logger.Info("batch transaction recorded",
		zap.String("batchId", summary.BatchID),
		zap.String("tenantId", summary.TenantID),
		zap.String("amountBilled", summary.AmountBilled.String()),
		zap.String("stopReason", summary.StopReason.String()),
	)
	return nil
}

func (l *Ledger) account(tenantID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[tenantID]
	if !ok {
		acct = &account{balance: decimal.Zero, lifetimeSpent: decimal.Zero}
		l.accounts[tenantID] = acct
	}
	return acct
}

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
)

type countingLock struct {
	mu       sync.Mutex
	acquired int
	released int
	reasons  []domain.StopReason
	denyNext bool
}

func (l *countingLock) Acquire(ctx context.Context, tenantID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyNext {
		l.denyNext = false
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *countingLock) Release(ctx context.Context, tenantID string, reason domain.StopReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	l.reasons = append(l.reasons, reason)
	return nil
}

type fakeTransactionStore struct {
	createFn func(ctx context.Context, tx *domain.BatchTransaction) error
}

func (s *fakeTransactionStore) Create(ctx context.Context, tx *domain.BatchTransaction) error {
	return s.createFn(ctx, tx)
}

type fakeAccountStore struct {
	saveFn func(ctx context.Context, account *domain.CreditAccount) error
}

func (s *fakeAccountStore) Save(ctx context.Context, account *domain.CreditAccount) error {
	return s.saveFn(ctx, account)
}

func testPricing(t *testing.T, unitPrice int64) *TablePricing {
	t.Helper()
	price := decimal.NewFromInt(unitPrice)
	return NewTablePricing(map[domain.BillingCategory]decimal.Decimal{
		domain.BillingApproved: price,
		domain.BillingLive:     price,
	})
}

func billableOutcome() domain.Outcome {
	return domain.Outcome{Status: domain.OutcomeSuccess, Billing: domain.BillingApproved}
}

func TestDebitForOutcomeStopsAtExhaustion(t *testing.T) {
	t.Parallel()

	credits, err := New(testPricing(t, 1), &countingLock{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := credits.Credit("tenant-1", decimal.NewFromInt(3)); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	charged := 0
	stops := 0
	for i := 0; i < 5; i++ {
		result, err := credits.DebitForOutcome(context.Background(), "tenant-1", "gw-1", billableOutcome())
		if err != nil {
			t.Fatalf("DebitForOutcome() error = %v", err)
		}
		if result.Charged {
			charged++
		}
		if result.ShouldStop {
			stops++
		}
	}

	if charged != 3 {
		t.Fatalf("charged = %d, want 3", charged)
	}
	if stops != 2 {
		t.Fatalf("refused debits = %d, want 2", stops)
	}
	if balance := credits.Balance("tenant-1"); !balance.IsZero() {
		t.Fatalf("balance = %s, want 0", balance)
	}
}

func TestDebitForOutcomeNeverGoesNegative(t *testing.T) {
	t.Parallel()

	credits, err := New(testPricing(t, 5), &countingLock{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := credits.Credit("tenant-1", decimal.NewFromInt(3)); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	// The balance covers part of the price; the debit must be refused whole,
	// never applied partially.
	result, err := credits.DebitForOutcome(context.Background(), "tenant-1", "gw-1", billableOutcome())
	if err != nil {
		t.Fatalf("DebitForOutcome() error = %v", err)
	}
	if result.Charged {
		t.Fatal("underfunded debit should not charge")
	}
	if !result.ShouldStop {
		t.Fatal("underfunded debit should signal stop")
	}
	if balance := credits.Balance("tenant-1"); !balance.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("balance = %s, want 3", balance)
	}
}

func TestDebitForOutcomeFreeIsNeverCharged(t *testing.T) {
	t.Parallel()

	credits, err := New(testPricing(t, 1), &countingLock{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := credits.DebitForOutcome(context.Background(), "tenant-1", "gw-1", domain.Outcome{
		Status:  domain.OutcomeDeclined,
		Billing: domain.BillingFree,
	})
	if err != nil {
		t.Fatalf("DebitForOutcome() error = %v", err)
	}
	if result.Charged || result.ShouldStop {
		t.Fatalf("free outcome result = %+v, want neither charge nor stop", result)
	}
}

func TestDebitForOutcomeConcurrentNeverOvercharges(t *testing.T) {
	t.Parallel()

	credits, err := New(testPricing(t, 1), &countingLock{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := credits.Credit("tenant-1", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, debitErr := credits.DebitForOutcome(context.Background(), "tenant-1", "gw-1", billableOutcome())
			if debitErr != nil {
				t.Errorf("DebitForOutcome() error = %v", debitErr)
				return
			}
			if result.Charged {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if charged != 10 {
		t.Fatalf("charged = %d, want exactly 10", charged)
	}
	if balance := credits.Balance("tenant-1"); !balance.IsZero() {
		t.Fatalf("balance = %s, want 0", balance)
	}
}

func TestCheckSufficientCreditsIsAdvisory(t *testing.T) {
	t.Parallel()

	credits, err := New(testPricing(t, 2), &countingLock{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := credits.Credit("tenant-1", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	check, err := credits.CheckSufficientCredits(context.Background(), "tenant-1", "gw-1", 4)
	if err != nil {
		t.Fatalf("CheckSufficientCredits() error = %v", err)
	}
	if check.Sufficient {
		t.Fatal("5 credits against a worst case of 8 should be insufficient")
	}
	if !check.Required.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("required = %s, want 8", check.Required)
	}
	if !check.Balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("balance = %s, want 5", check.Balance)
	}

	check, err = credits.CheckSufficientCredits(context.Background(), "tenant-1", "gw-1", 2)
	if err != nil {
		t.Fatalf("CheckSufficientCredits() error = %v", err)
	}
	if !check.Sufficient {
		t.Fatal("5 credits against a worst case of 4 should be sufficient")
	}
}

func TestCreditValidation(t *testing.T) {
	t.Parallel()

	credits, err := New(testPricing(t, 1), &countingLock{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := credits.Credit("", decimal.NewFromInt(1)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if err := credits.Credit("tenant-1", decimal.NewFromInt(-1)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestOperationLockPassthrough(t *testing.T) {
	t.Parallel()

	lock := &countingLock{}
	credits, err := New(testPricing(t, 1), lock, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	acquired, err := credits.AcquireOperationLock(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("AcquireOperationLock() error = %v", err)
	}
	if !acquired {
		t.Fatal("expected lock to be acquired")
	}

	if err := credits.ReleaseOperationLock(context.Background(), "tenant-1", domain.StopCompleted); err != nil {
		t.Fatalf("ReleaseOperationLock() error = %v", err)
	}
	if err := credits.ReleaseOperationLock(context.Background(), "tenant-1", domain.StopReason("whatever")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation for invalid reason", err)
	}

	if lock.acquired != 1 || lock.released != 1 {
		t.Fatalf("acquired=%d released=%d, want 1/1", lock.acquired, lock.released)
	}
}

func TestMemoryLockSingleFlight(t *testing.T) {
	t.Parallel()

	lock := NewMemoryLock(nil)

	acquired, err := lock.Acquire(context.Background(), "tenant-1")
	if err != nil || !acquired {
		t.Fatalf("Acquire() = %v, %v; want true, nil", acquired, err)
	}

	acquired, err = lock.Acquire(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if acquired {
		t.Fatal("second acquire for the same tenant should fail")
	}

	acquired, err = lock.Acquire(context.Background(), "tenant-2")
	if err != nil || !acquired {
		t.Fatalf("Acquire(tenant-2) = %v, %v; want true, nil", acquired, err)
	}

	if err := lock.Release(context.Background(), "tenant-1", domain.StopCompleted); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	acquired, err = lock.Acquire(context.Background(), "tenant-1")
	if err != nil || !acquired {
		t.Fatalf("Acquire() after release = %v, %v; want true, nil", acquired, err)
	}

	// Releasing a lock that is not held is tolerated.
	if err := lock.Release(context.Background(), "ghost", domain.StopFailed); err != nil {
		t.Fatalf("Release(ghost) error = %v", err)
	}
}

func TestRecordBatchTransaction(t *testing.T) {
	t.Parallel()

	var created *domain.BatchTransaction
	saved := false
	txStore := &fakeTransactionStore{createFn: func(ctx context.Context, tx *domain.BatchTransaction) error {
		created = tx
		return nil
	}}
	acctStore := &fakeAccountStore{saveFn: func(ctx context.Context, account *domain.CreditAccount) error {
		saved = true
		return nil
	}}

	credits, err := New(testPricing(t, 1), &countingLock{}, nil,
		WithTransactionStore(txStore),
		WithAccountStore(acctStore),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := credits.Credit("tenant-1", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	summary := domain.BatchSummary{
		BatchID:      "batch-1",
		TenantID:     "tenant-1",
		GatewayID:    "gw-1",
		StopReason:   domain.StopCompleted,
		Processed:    4,
		Debits:       4,
		AmountBilled: decimal.NewFromInt(4),
	}
	if err := credits.RecordBatchTransaction(context.Background(), summary); err != nil {
		t.Fatalf("RecordBatchTransaction() error = %v", err)
	}

	if created == nil {
		t.Fatal("transaction store should receive the audit record")
	}
	if created.BatchID != "batch-1" || created.Debits != 4 {
		t.Fatalf("created = %+v", created)
	}
	if !created.BalanceAfter.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance after = %s, want 10", created.BalanceAfter)
	}
	if !saved {
		t.Fatal("account store should be flushed")
	}
}

func TestRecordBatchTransactionStoreFailure(t *testing.T) {
	t.Parallel()

	txStore := &fakeTransactionStore{createFn: func(ctx context.Context, tx *domain.BatchTransaction) error {
		return errors.New("connection lost")
	}}
	credits, err := New(testPricing(t, 1), &countingLock{}, nil, WithTransactionStore(txStore))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	summary := domain.BatchSummary{
		BatchID:      "batch-1",
		TenantID:     "tenant-1",
		GatewayID:    "gw-1",
		StopReason:   domain.StopCompleted,
		AmountBilled: decimal.Zero,
	}
	if err := credits.RecordBatchTransaction(context.Background(), summary); err == nil {
		t.Fatal("expected error when the transaction store fails")
	}
}

func TestRecordBatchTransactionAccountFlushFailureIsSoft(t *testing.T) {
	t.Parallel()

	acctStore := &fakeAccountStore{saveFn: func(ctx context.Context, account *domain.CreditAccount) error {
		return errors.New("connection lost")
	}}
	credits, err := New(testPricing(t, 1), &countingLock{}, nil, WithAccountStore(acctStore))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	summary := domain.BatchSummary{
		BatchID:      "batch-1",
		TenantID:     "tenant-1",
		GatewayID:    "gw-1",
		StopReason:   domain.StopCompleted,
		AmountBilled: decimal.Zero,
	}
	if err := credits.RecordBatchTransaction(context.Background(), summary); err != nil {
		t.Fatalf("a failed balance flush must not fail the record: %v", err)
	}
}

func TestMaxUnitPrice(t *testing.T) {
	t.Parallel()

	pricing := NewTablePricing(map[domain.BillingCategory]decimal.Decimal{
		domain.BillingApproved: decimal.NewFromInt(1),
	})
	pricing.SetGatewayPrices("gw-1", map[domain.BillingCategory]decimal.Decimal{
		domain.BillingApproved: decimal.NewFromInt(2),
		domain.BillingLive:     decimal.NewFromInt(5),
	})

	if got := MaxUnitPrice(pricing, "gw-1"); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("MaxUnitPrice(gw-1) = %s, want 5", got)
	}
	// Unknown gateways fall back to the default row.
	if got := MaxUnitPrice(pricing, "gw-other"); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("MaxUnitPrice(gw-other) = %s, want 1", got)
	}

	if got := pricing.UnitPrice("gw-1", domain.BillingFree); !got.IsZero() {
		t.Fatalf("free unit price = %s, want 0", got)
	}
}

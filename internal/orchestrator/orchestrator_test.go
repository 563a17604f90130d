package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/haunguyenht/Stripula-sub007/internal/executor"
	"github.com/haunguyenht/Stripula-sub007/internal/gateway"
	"github.com/haunguyenht/Stripula-sub007/internal/ledger"
	"github.com/haunguyenht/Stripula-sub007/internal/proxypool"
	"github.com/haunguyenht/Stripula-sub007/internal/stream"
)

type countingLock struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
	released int
	reasons  []domain.StopReason
}

func newCountingLock() *countingLock {
	return &countingLock{held: make(map[string]bool)}
}

func (l *countingLock) Acquire(ctx context.Context, tenantID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[tenantID] {
		return false, nil
	}
	l.held[tenantID] = true
	l.acquired++
	return true, nil
}

func (l *countingLock) Release(ctx context.Context, tenantID string, reason domain.StopReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, tenantID)
	l.released++
	l.reasons = append(l.reasons, reason)
	return nil
}

func (l *countingLock) stats() (int, int, []domain.StopReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reasons := append([]domain.StopReason(nil), l.reasons...)
	return l.acquired, l.released, reasons
}

type collectEmitter struct {
	mu     sync.Mutex
	events []stream.Event
}

func (e *collectEmitter) Emit(ctx context.Context, event stream.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *collectEmitter) byType(eventType stream.EventType) []stream.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []stream.Event
	for _, event := range e.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type testEnv struct {
	engine  *Orchestrator
	pool    *proxypool.Manager
	tracker *gateway.Tracker
	credits *ledger.Ledger
	lock    *countingLock
	emitter *collectEmitter
}

func serialPolicy() executor.PolicyResolver {
	return executor.PolicyResolverFunc(func(domain.GatewayKind, domain.Tier) domain.TierPolicy {
		return domain.TierPolicy{Concurrency: 1, PacingDelay: 0}
	})
}

func newTestEnv(t *testing.T, caller gateway.Caller, balance int64) *testEnv {
	t.Helper()

	lock := newCountingLock()
	price := decimal.NewFromInt(1)
	pricing := ledger.NewTablePricing(map[domain.BillingCategory]decimal.Decimal{
		domain.BillingApproved: price,
		domain.BillingLive:     price,
	})
	credits, err := ledger.New(pricing, lock, nil)
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	if err := credits.Credit("tenant-1", decimal.NewFromInt(balance)); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	tracker := gateway.NewTracker(gateway.TrackerConfig{
		WindowSize:    4,
		MinSamples:    2,
		SoftThreshold: 0.5,
		HardThreshold: 0.75,
	}, nil)
	if err := tracker.Register(domain.GatewayChannel{ID: "gw-1", Name: "auth primary", Kind: domain.KindAuth}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	registry := gateway.NewRegistry()
	if caller != nil {
		if err := registry.Register(domain.KindAuth, caller); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	pool := proxypool.NewManager(nil, 3, nil)
	pool.SetEnabled(false)

	emitter := &collectEmitter{}

	engine, err := New(pool, tracker, registry, credits, serialPolicy(), emitter, Config{CallTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{
		engine:  engine,
		pool:    pool,
		tracker: tracker,
		credits: credits,
		lock:    lock,
		emitter: emitter,
	}
}

func batchOf(n int) BatchRequest {
	items := make([]domain.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, domain.WorkItem{Index: i, Raw: "a|b", Fields: []string{"a", "b"}})
	}
	return BatchRequest{TenantID: "tenant-1", GatewayID: "gw-1", Tier: domain.TierMax, Items: items}
}

func approvedCaller() gateway.Caller {
	return gateway.CallerFunc(func(context.Context, domain.WorkItem, domain.Credentials, *domain.ProxyEndpoint) (domain.Outcome, error) {
		return domain.Outcome{Status: domain.OutcomeSuccess, Billing: domain.BillingApproved}, nil
	})
}

func TestStartBatchCompletes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)

	summary, err := env.engine.StartBatch(context.Background(), batchOf(3))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	if summary.State != domain.BatchCompleted {
		t.Fatalf("state = %s, want COMPLETED", summary.State)
	}
	if summary.Aborted {
		t.Fatal("completed batch should not be aborted")
	}
	if summary.Processed != 3 {
		t.Fatalf("processed = %d, want 3", summary.Processed)
	}
	if summary.Debits != 3 {
		t.Fatalf("debits = %d, want 3", summary.Debits)
	}
	if !summary.AmountBilled.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("billed = %s, want 3", summary.AmountBilled)
	}
	if balance := env.credits.Balance("tenant-1"); !balance.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("balance = %s, want 7", balance)
	}

	acquired, released, reasons := env.lock.stats()
	if acquired != 1 || released != 1 {
		t.Fatalf("lock acquired=%d released=%d, want 1/1", acquired, released)
	}
	if reasons[0] != domain.StopCompleted {
		t.Fatalf("release reason = %s, want completed", reasons[0])
	}

	if got := env.emitter.byType(stream.EventStart); len(got) != 1 {
		t.Fatalf("start events = %d, want 1", len(got))
	}
	if got := env.emitter.byType(stream.EventResult); len(got) != 3 {
		t.Fatalf("result events = %d, want 3", len(got))
	}
	if got := env.emitter.byType(stream.EventComplete); len(got) != 1 {
		t.Fatalf("complete events = %d, want 1", len(got))
	}
}

func TestStartBatchStopsOnCreditExhaustion(t *testing.T) {
	t.Parallel()

	// Balance 3, unit price 1, every outcome billable: the fourth debit is
	// refused and the batch halts without going negative.
	env := newTestEnv(t, approvedCaller(), 3)

	summary, err := env.engine.StartBatch(context.Background(), batchOf(5))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	if summary.State != domain.BatchAborted {
		t.Fatalf("state = %s, want ABORTED", summary.State)
	}
	if !summary.Aborted {
		t.Fatal("credit-exhausted batch must report aborted")
	}
	if summary.StopReason != domain.StopCreditExhausted {
		t.Fatalf("stop reason = %s, want credit_exhausted", summary.StopReason)
	}
	if summary.Debits != 3 {
		t.Fatalf("debits = %d, want 3", summary.Debits)
	}
	if !summary.AmountBilled.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("billed = %s, want 3", summary.AmountBilled)
	}
	if balance := env.credits.Balance("tenant-1"); !balance.IsZero() {
		t.Fatalf("balance = %s, want 0", balance)
	}

	if got := env.emitter.byType(stream.EventCreditExhausted); len(got) != 1 {
		t.Fatalf("credit_exhausted events = %d, want 1", len(got))
	}

	_, released, reasons := env.lock.stats()
	if released != 1 {
		t.Fatalf("lock released = %d, want exactly 1", released)
	}
	if reasons[0] != domain.StopCreditExhausted {
		t.Fatalf("release reason = %s, want credit_exhausted", reasons[0])
	}
}

func TestStartBatchAdvisoryCheckDoesNotBlock(t *testing.T) {
	t.Parallel()

	// 2 credits against a worst case of 5: the batch still starts, with a
	// warning on the start event.
	env := newTestEnv(t, approvedCaller(), 2)

	summary, err := env.engine.StartBatch(context.Background(), batchOf(5))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	if summary.Debits != 2 {
		t.Fatalf("debits = %d, want 2", summary.Debits)
	}

	starts := env.emitter.byType(stream.EventStart)
	if len(starts) != 1 {
		t.Fatalf("start events = %d, want 1", len(starts))
	}
	if !starts[0].Start.CreditWarning {
		t.Fatal("start event should carry the credit warning")
	}
}

func TestStartBatchUnavailableChannel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)
	for i := 0; i < 4; i++ {
		env.tracker.RecordFailure("gw-1", "gateway down", domain.FailureNetwork)
	}

	summary, err := env.engine.StartBatch(context.Background(), batchOf(3))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	if summary.State != domain.BatchUnavailable {
		t.Fatalf("state = %s, want UNAVAILABLE", summary.State)
	}
	if summary.Processed != 0 {
		t.Fatalf("processed = %d, want 0", summary.Processed)
	}
	if summary.Reason == "" {
		t.Fatal("unavailable summary should carry a reason")
	}

	// The gate closes before any lock is taken.
	acquired, released, _ := env.lock.stats()
	if acquired != 0 || released != 0 {
		t.Fatalf("lock acquired=%d released=%d, want 0/0", acquired, released)
	}
}

func TestStartBatchDegradedChannelIsNotAdmitted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)

	// Exactly the soft threshold: 2 failures in a window of 4.
	env.tracker.RecordSuccess("gw-1", 50*time.Millisecond)
	env.tracker.RecordFailure("gw-1", "connect refused", domain.FailureNetwork)
	env.tracker.RecordSuccess("gw-1", 50*time.Millisecond)
	env.tracker.RecordFailure("gw-1", "connect refused", domain.FailureNetwork)

	channel, err := env.tracker.Channel("gw-1")
	if err != nil {
		t.Fatalf("Channel() error = %v", err)
	}
	if channel.Availability != domain.AvailabilityDegraded {
		t.Fatalf("availability = %s, want DEGRADED", channel.Availability)
	}

	summary, err := env.engine.StartBatch(context.Background(), batchOf(3))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	if summary.State != domain.BatchUnavailable {
		t.Fatalf("state = %s, want UNAVAILABLE", summary.State)
	}
	if summary.Processed != 0 {
		t.Fatalf("processed = %d, want 0", summary.Processed)
	}
	if !strings.Contains(summary.Reason, "degradation threshold") {
		t.Fatalf("reason = %q, want degradation threshold mention", summary.Reason)
	}

	acquired, released, _ := env.lock.stats()
	if acquired != 0 || released != 0 {
		t.Fatalf("lock acquired=%d released=%d, want 0/0", acquired, released)
	}
}

func TestStartBatchRejectsConcurrentTenant(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)

	acquired, err := env.lock.Acquire(context.Background(), "tenant-1")
	if err != nil || !acquired {
		t.Fatalf("pre-acquire = %v, %v", acquired, err)
	}

	_, err = env.engine.StartBatch(context.Background(), batchOf(2))
	if !errors.Is(err, domain.ErrBatchInProgress) {
		t.Fatalf("error = %v, want ErrBatchInProgress", err)
	}
}

func TestStartBatchUnknownGateway(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)

	req := batchOf(2)
	req.GatewayID = "gw-ghost"
	if _, err := env.engine.StartBatch(context.Background(), req); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestStartBatchValidatesRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)

	req := batchOf(2)
	req.TenantID = ""
	if _, err := env.engine.StartBatch(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}

	req = batchOf(0)
	if _, err := env.engine.StartBatch(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestStartBatchMissingCallerReleasesLock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, 10)

	_, err := env.engine.StartBatch(context.Background(), batchOf(2))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	acquired, released, reasons := env.lock.stats()
	if acquired != 1 || released != 1 {
		t.Fatalf("lock acquired=%d released=%d, want 1/1", acquired, released)
	}
	if reasons[0] != domain.StopFailed {
		t.Fatalf("release reason = %s, want failed", reasons[0])
	}
}

func TestStartBatchNoProxyAvailable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)
	env.pool.SetEnabled(true) // enabled pool with zero endpoints

	_, err := env.engine.StartBatch(context.Background(), batchOf(2))
	if !errors.Is(err, domain.ErrNoProxyAvailable) {
		t.Fatalf("error = %v, want ErrNoProxyAvailable", err)
	}

	// The failed admission still releases the lock exactly once.
	acquired, released, _ := env.lock.stats()
	if acquired != 1 || released != 1 {
		t.Fatalf("lock acquired=%d released=%d, want 1/1", acquired, released)
	}
}

func TestStartBatchMidRunPoolExhaustionSurfacesReason(t *testing.T) {
	t.Parallel()

	// Every call fails at the network level, so the single endpoint accrues
	// failures until the pool removes it mid-run.
	caller := gateway.CallerFunc(func(context.Context, domain.WorkItem, domain.Credentials, *domain.ProxyEndpoint) (domain.Outcome, error) {
		return domain.Outcome{}, &gateway.CallError{Category: domain.FailureNetwork, Message: "connect refused"}
	})
	env := newTestEnv(t, caller, 10)

	env.pool.SetEnabled(true)
	if err := env.pool.Add(domain.ProxyEndpoint{
		ID:        "proxy-1",
		Transport: domain.TransportPlain,
		Host:      "10.0.0.1",
		Port:      1080,
		Enabled:   true,
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	summary, err := env.engine.StartBatch(context.Background(), batchOf(5))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	if summary.State != domain.BatchFailed {
		t.Fatalf("state = %s, want FAILED", summary.State)
	}
	if summary.StopReason != domain.StopFailed {
		t.Fatalf("stop reason = %s, want failed", summary.StopReason)
	}
	if !strings.Contains(summary.Reason, "no proxy available") {
		t.Fatalf("reason = %q, want pool exhaustion mention", summary.Reason)
	}

	acquired, released, reasons := env.lock.stats()
	if acquired != 1 || released != 1 {
		t.Fatalf("lock acquired=%d released=%d, want 1/1", acquired, released)
	}
	if len(reasons) != 1 || reasons[0] != domain.StopFailed {
		t.Fatalf("release reasons = %v, want [failed]", reasons)
	}
}

func TestStopAbortsRunningBatch(t *testing.T) {
	t.Parallel()

	firstCall := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once

	caller := gateway.CallerFunc(func(ctx context.Context, item domain.WorkItem, _ domain.Credentials, _ *domain.ProxyEndpoint) (domain.Outcome, error) {
		once.Do(func() {
			close(firstCall)
			<-proceed
		})
		return domain.Outcome{Status: domain.OutcomeSuccess, Billing: domain.BillingFree}, nil
	})

	env := newTestEnv(t, caller, 10)

	type runResult struct {
		summary domain.BatchSummary
		err     error
	}
	done := make(chan runResult, 1)
	go func() {
		summary, err := env.engine.StartBatch(context.Background(), batchOf(5))
		done <- runResult{summary: summary, err: err}
	}()

	<-firstCall
	env.engine.Stop("tenant-1")
	close(proceed)

	result := <-done
	if result.err != nil {
		t.Fatalf("StartBatch() error = %v", result.err)
	}
	if result.summary.State != domain.BatchAborted {
		t.Fatalf("state = %s, want ABORTED", result.summary.State)
	}
	if result.summary.StopReason != domain.StopUserCancelled {
		t.Fatalf("stop reason = %s, want user_cancelled", result.summary.StopReason)
	}
	if result.summary.Processed != 1 {
		t.Fatalf("processed = %d, want 1 (in-flight item still delivered)", result.summary.Processed)
	}

	acquired, released, reasons := env.lock.stats()
	if acquired != 1 || released != 1 {
		t.Fatalf("lock acquired=%d released=%d, want 1/1", acquired, released)
	}
	if reasons[0] != domain.StopUserCancelled {
		t.Fatalf("release reason = %s, want user_cancelled", reasons[0])
	}
}

func TestStopUnknownTenantIsNoop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, approvedCaller(), 10)
	env.engine.Stop("tenant-idle")
}

func TestStartBatchRecordsChannelHealth(t *testing.T) {
	t.Parallel()

	caller := gateway.CallerFunc(func(context.Context, domain.WorkItem, domain.Credentials, *domain.ProxyEndpoint) (domain.Outcome, error) {
		return domain.Outcome{}, &gateway.CallError{Category: domain.FailureNetwork, Message: "connect refused"}
	})
	env := newTestEnv(t, caller, 10)

	summary, err := env.engine.StartBatch(context.Background(), batchOf(4))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	if summary.State != domain.BatchCompleted {
		t.Fatalf("state = %s, want COMPLETED (errors are outcomes, not aborts)", summary.State)
	}
	if summary.Counts[domain.OutcomeError] != 4 {
		t.Fatalf("error outcomes = %d, want 4", summary.Counts[domain.OutcomeError])
	}

	// Four network failures in a window of four crosses the hard threshold.
	if env.tracker.IsAvailable("gw-1") {
		t.Fatal("channel should be unavailable after the failing batch")
	}
}

func TestStartBatchInputFailuresDoNotTripChannel(t *testing.T) {
	t.Parallel()

	caller := gateway.CallerFunc(func(ctx context.Context, item domain.WorkItem, _ domain.Credentials, _ *domain.ProxyEndpoint) (domain.Outcome, error) {
		return domain.Outcome{
			Status:   domain.OutcomeInvalid,
			Category: domain.FailureInput,
			Billing:  domain.BillingFree,
		}, nil
	})
	env := newTestEnv(t, caller, 10)

	summary, err := env.engine.StartBatch(context.Background(), batchOf(6))
	if err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}
	if summary.Counts[domain.OutcomeInvalid] != 6 {
		t.Fatalf("invalid outcomes = %d, want 6", summary.Counts[domain.OutcomeInvalid])
	}

	if !env.tracker.IsAvailable("gw-1") {
		t.Fatal("input failures must never affect channel availability")
	}
}

// Package orchestrator composes the engine: it gates admission on channel
// health and the per-tenant operation lock, drives the executor over the
// work-item queue, forwards outcomes to the health tracker and the credit
// ledger, and guarantees the two mandatory cleanup steps on every exit path.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/haunguyenht/Stripula-sub007/internal/executor"
	"github.com/haunguyenht/Stripula-sub007/internal/gateway"
	"github.com/haunguyenht/Stripula-sub007/internal/ledger"
	"github.com/haunguyenht/Stripula-sub007/internal/observability"
	"github.com/haunguyenht/Stripula-sub007/internal/proxypool"
	"github.com/haunguyenht/Stripula-sub007/internal/stream"
	"go.uber.org/zap"
)

const defaultCallTimeout = 30 * time.Second

// BatchRequest is one submitted batch.
type BatchRequest struct {
	TenantID  string
	GatewayID string
	Tier      domain.Tier
	Items     []domain.WorkItem
}

// Config tunes orchestration behavior.
type Config struct {
	// CallTimeout bounds each gateway call so cooperative cancellation has a
	// bounded worst-case latency.
	CallTimeout time.Duration
}

// Orchestrator runs at most one batch per tenant at a time. Batches for
// different tenants are fully independent.
type Orchestrator struct {
	pool     *proxypool.Manager
	tracker  *gateway.Tracker
	registry *gateway.Registry
	credits  *ledger.Ledger
	policies executor.PolicyResolver
	emitter  stream.Emitter
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	callTimeout time.Duration

	mu      sync.Mutex
	running map[string]*runState
}

type runState struct {
	exec *executor.Executor

	mu      sync.Mutex
	reason  domain.StopReason
	message string
}

// requestStop records the first stop reason; later requests lose.
func (r *runState) requestStop(reason domain.StopReason, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason != "" {
		return false
	}
	r.reason = reason
	r.message = message
	return true
}

func (r *runState) stopReason() domain.StopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *runState) stopMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.message
}

func New(
	pool *proxypool.Manager,
	tracker *gateway.Tracker,
	registry *gateway.Registry,
	credits *ledger.Ledger,
	policies executor.PolicyResolver,
	emitter stream.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if pool == nil {
		return nil, fmt.Errorf("proxy pool is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("gateway tracker is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("gateway registry is required")
	}
	if credits == nil {
		return nil, fmt.Errorf("credit ledger is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy resolver is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("event emitter is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		pool:        pool,
		tracker:     tracker,
		registry:    registry,
		credits:     credits,
		policies:    policies,
		emitter:     emitter,
		logger:      logger,
		now:         time.Now,
		callTimeout: cfg.CallTimeout,
		running:     make(map[string]*runState),
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// Stop requests cooperative cancellation of the tenant's running batch.
// Idempotent; a tenant with no running batch is a no-op.
func (o *Orchestrator) Stop(tenantID string) {
	o.mu.Lock()
	run := o.running[tenantID]
	o.mu.Unlock()

	if run == nil {
		return
	}
	run.requestStop(domain.StopUserCancelled, "")
	run.exec.Stop()
}

// StartBatch runs one batch to a terminal state and returns its aggregate
// summary. Lifecycle events flow through the emitter while it runs. The
// state machine is ADMITTED -> RUNNING -> {COMPLETED|ABORTED|UNAVAILABLE|FAILED}.
func (o *Orchestrator) StartBatch(ctx context.Context, req BatchRequest) (summary domain.BatchSummary, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	session := &domain.BatchSession{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		GatewayID: req.GatewayID,
		Tier:      req.Tier,
		Items:     req.Items,
		State:     domain.BatchAdmitted,
		Stats:     domain.NewBatchStats(),
		StartedAt: o.now(),
	}
	if validationErr := session.Validate(); validationErr != nil {
		return domain.BatchSummary{}, validationErr
	}

	ctx = observability.WithBatchID(ctx, session.ID)
	log := observability.WithContextLogger(o.logger, ctx)

	channel, channelErr := o.tracker.Channel(req.GatewayID)
	if channelErr != nil {
		return domain.BatchSummary{}, channelErr
	}

	// Availability gate: terminal immediately, no proxy taken, no lock
	// consumed.
	if !o.tracker.IsAvailable(channel.ID) {
		reason, _ := o.tracker.UnavailabilityReason(channel.ID)
		summary = o.buildSummary(session, domain.BatchUnavailable, "", reason)
		o.metrics.IncBatch(domain.BatchUnavailable.String())
		o.emit(ctx, stream.Event{
			Type:     stream.EventComplete,
			BatchID:  session.ID,
			TenantID: session.TenantID,
			At:       o.now().UTC(),
			Summary:  stream.SummaryPayloadFrom(summary),
		})
		return summary, nil
	}

	acquired, lockErr := o.credits.AcquireOperationLock(ctx, req.TenantID)
	if lockErr != nil {
		return domain.BatchSummary{}, fmt.Errorf("failed to acquire operation lock: %w", lockErr)
	}
	if !acquired {
		return domain.BatchSummary{}, domain.ErrBatchInProgress
	}

	// From here the lock is held: exactly one transaction record attempt
	// (when debits occurred) and exactly one lock release happen on every
	// exit path, in that order.
	cleanupDone := false
	cleanup := func(reason domain.StopReason) {
		if cleanupDone {
			return
		}
		cleanupDone = true

		o.mu.Lock()
		delete(o.running, req.TenantID)
		o.mu.Unlock()

		// Cleanup must run even when the caller's context is already gone.
		cleanupCtx := context.WithoutCancel(ctx)
		if session.Stats.Debits > 0 {
			if recordErr := o.credits.RecordBatchTransaction(cleanupCtx, summary); recordErr != nil {
				log.Error("failed to record batch transaction", zap.Error(recordErr))
			}
		}
		if releaseErr := o.credits.ReleaseOperationLock(cleanupCtx, req.TenantID, reason); releaseErr != nil {
			log.Error("failed to release operation lock",
				zap.String("tenantId", req.TenantID),
				zap.Error(releaseErr),
			)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("batch orchestration panicked", zap.Any("panic", r))
			summary = o.buildSummary(session, domain.BatchFailed, domain.StopFailed, fmt.Sprintf("orchestration panic: %v", r))
			o.metrics.IncBatch(domain.BatchFailed.String())
			cleanup(domain.StopFailed)
			o.emitError(ctx, session, summary.Reason)
			err = fmt.Errorf("batch orchestration failed: %v", r)
		}
	}()

	fail := func(cause error) (domain.BatchSummary, error) {
		summary = o.buildSummary(session, domain.BatchFailed, domain.StopFailed, cause.Error())
		o.metrics.IncBatch(domain.BatchFailed.String())
		cleanup(domain.StopFailed)
		o.emitError(ctx, session, cause.Error())
		return summary, cause
	}

	caller, callerErr := o.registry.Resolve(channel.Kind)
	if callerErr != nil {
		return fail(callerErr)
	}

	exec, execErr := executor.New(channel.Kind, req.Tier, o.policies, o.logger)
	if execErr != nil {
		return fail(execErr)
	}

	// The pool must be able to produce at least one endpoint before any work
	// starts; per-call selection handles rotation afterwards.
	if o.pool.Enabled() {
		if _, proxyErr := o.pool.SelectNext(channel.PreferredProxy); proxyErr != nil {
			return fail(proxyErr)
		}
	}

	run := &runState{exec: exec}
	o.mu.Lock()
	o.running[req.TenantID] = run
	o.mu.Unlock()

	check, checkErr := o.credits.CheckSufficientCredits(ctx, req.TenantID, req.GatewayID, len(req.Items))
	if checkErr != nil {
		return fail(checkErr)
	}
	session.AdmissionBalance = check.Balance
	session.State = domain.BatchRunning

	o.emit(ctx, stream.Event{
		Type:     stream.EventStart,
		BatchID:  session.ID,
		TenantID: session.TenantID,
		At:       o.now().UTC(),
		Start: &stream.StartPayload{
			Total:         len(req.Items),
			Balance:       check.Balance.String(),
			Required:      check.Required.String(),
			CreditWarning: !check.Sufficient,
		},
	})

	task := o.buildTask(channel, caller, run)
	onProgress := func(progress executor.Progress) {
		o.emit(ctx, stream.Event{
			Type:     stream.EventProgress,
			BatchID:  session.ID,
			TenantID: session.TenantID,
			At:       o.now().UTC(),
			Progress: &stream.ProgressPayload{Processed: progress.Processed, Total: progress.Total},
		})
	}
	onResult := o.buildResultHandler(ctx, session, run, exec)

	report, runErr := exec.Run(ctx, req.Items, task, onProgress, onResult)
	if runErr != nil {
		return fail(runErr)
	}

	state, stopReason := terminalState(report, run.stopReason())
	summary = o.buildSummary(session, state, stopReason, run.stopMessage())
	o.metrics.IncBatch(state.String())
	cleanup(stopReason)

	o.emit(ctx, stream.Event{
		Type:     stream.EventComplete,
		BatchID:  session.ID,
		TenantID: session.TenantID,
		At:       o.now().UTC(),
		Summary:  stream.SummaryPayloadFrom(summary),
	})
	return summary, nil
}

// buildTask wraps the gateway call with proxy rotation, timeout, and the
// health/pool accounting for one work item.
func (o *Orchestrator) buildTask(channel domain.GatewayChannel, caller gateway.Caller, run *runState) executor.TaskFunc {
	gatewayLabel := channel.ID

	return func(ctx context.Context, item domain.WorkItem) domain.Outcome {
		var proxy *domain.ProxyEndpoint
		if o.pool.Enabled() {
			selected, selectErr := o.pool.SelectNext(channel.PreferredProxy)
			if selectErr != nil {
				// Mid-run pool exhaustion: halt gracefully, keep partials.
				if run.requestStop(domain.StopFailed, selectErr.Error()) {
					run.exec.Stop()
				}
				return domain.Outcome{
					Status:   domain.OutcomeError,
					Message:  selectErr.Error(),
					Category: domain.FailureNone,
					Billing:  domain.BillingFree,
				}
			}
			proxy = &selected
		}

		o.metrics.IncWorkerInFlight(gatewayLabel)
		defer o.metrics.DecWorkerInFlight(gatewayLabel)

		callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		defer cancel()

		start := o.now()
		outcome, callErr := caller.Call(callCtx, item, channel.Credentials, proxy)
		elapsed := o.now().Sub(start)
		if callErr != nil {
			outcome = gateway.OutcomeFromError(callErr)
		}
		outcome.Elapsed = elapsed

		o.recordHealth(channel.ID, proxy, outcome)
		o.metrics.ObserveGatewayCallDuration(gatewayLabel, elapsed)
		o.metrics.IncOutcome(gatewayLabel, outcome.Status.String())
		return outcome
	}
}

// recordHealth forwards one outcome to the channel tracker and the proxy
// pool. Input failures touch neither: bad local data is not a gateway or
// proxy problem.
func (o *Orchestrator) recordHealth(channelID string, proxy *domain.ProxyEndpoint, outcome domain.Outcome) {
	category := outcome.Category

	switch {
	case category.GatewayAttributable():
		o.tracker.RecordFailure(channelID, outcome.Message, category)
		if proxy != nil {
			// Protocol rejections mean the connection worked; only transport
			// level failures count against the endpoint.
			if category == domain.FailureNetwork || category == domain.FailureTimeout {
				o.pool.ReportFailure(proxy.ID)
			} else {
				o.pool.ReportSuccess(proxy.ID)
			}
		}
	case category == domain.FailureInput:
		// Never escalated.
	default:
		o.tracker.RecordSuccess(channelID, outcome.Elapsed)
		if proxy != nil {
			o.pool.ReportSuccess(proxy.ID)
		}
	}
}

// buildResultHandler folds outcomes into the session aggregate and drives
// billing. The executor serializes calls, so the aggregate has one writer.
func (o *Orchestrator) buildResultHandler(
	ctx context.Context,
	session *domain.BatchSession,
	run *runState,
	exec *executor.Executor,
) func(executor.Result) {
	log := observability.WithContextLogger(o.logger, ctx)

	return func(result executor.Result) {
		session.Stats.Record(result.Outcome)

		o.emit(ctx, stream.Event{
			Type:     stream.EventResult,
			BatchID:  session.ID,
			TenantID: session.TenantID,
			At:       o.now().UTC(),
			Result: &stream.ResultPayload{
				Index:     result.Index,
				Status:    result.Outcome.Status.String(),
				Message:   result.Outcome.Message,
				Code:      result.Outcome.Code,
				Billing:   result.Outcome.Billing.String(),
				ElapsedMs: result.Outcome.Elapsed.Milliseconds(),
			},
		})

		if !result.Outcome.Billing.Billable() {
			return
		}
		// After a refused debit no further debits are issued in this batch.
		if run.stopReason() == domain.StopCreditExhausted {
			return
		}

		debit, debitErr := o.credits.DebitForOutcome(ctx, session.TenantID, session.GatewayID, result.Outcome)
		if debitErr != nil {
			log.Error("debit failed",
				zap.Int("index", result.Index),
				zap.Error(debitErr),
			)
			return
		}

		if debit.Charged {
			session.Stats.Debits++
			session.Stats.Billed = session.Stats.Billed.Add(debit.Price)
			o.metrics.IncCreditDebit(session.GatewayID)
			return
		}

		if debit.ShouldStop && run.requestStop(domain.StopCreditExhausted, "") {
			o.metrics.IncCreditExhausted()
			o.emit(ctx, stream.Event{
				Type:     stream.EventCreditExhausted,
				BatchID:  session.ID,
				TenantID: session.TenantID,
				At:       o.now().UTC(),
			})
			exec.Stop()
		}
	}
}

func (o *Orchestrator) buildSummary(session *domain.BatchSession, state domain.BatchState, stopReason domain.StopReason, reason string) domain.BatchSummary {
	session.State = state

	counts := make(map[domain.OutcomeStatus]int, len(session.Stats.Counts))
	for status, count := range session.Stats.Counts {
		counts[status] = count
	}

	return domain.BatchSummary{
		BatchID:      session.ID,
		TenantID:     session.TenantID,
		GatewayID:    session.GatewayID,
		State:        state,
		Aborted:      state == domain.BatchAborted,
		StopReason:   stopReason,
		Reason:       reason,
		Total:        len(session.Items),
		Processed:    session.Stats.Processed,
		Counts:       counts,
		Debits:       session.Stats.Debits,
		AmountBilled: session.Stats.Billed,
		Elapsed:      o.now().Sub(session.StartedAt),
	}
}

func (o *Orchestrator) emit(ctx context.Context, event stream.Event) {
	if emitErr := o.emitter.Emit(ctx, event); emitErr != nil {
		o.logger.Warn("failed to emit batch event",
			zap.String("batchId", event.BatchID),
			zap.String("type", event.Type.String()),
			zap.Error(emitErr),
		)
	}
}

func (o *Orchestrator) emitError(ctx context.Context, session *domain.BatchSession, message string) {
	o.emit(ctx, stream.Event{
		Type:     stream.EventError,
		BatchID:  session.ID,
		TenantID: session.TenantID,
		At:       o.now().UTC(),
		Error:    message,
	})
}

// terminalState maps the run report and the recorded stop reason onto the
// final state machine transition.
func terminalState(report executor.Report, reason domain.StopReason) (domain.BatchState, domain.StopReason) {
	switch {
	case reason == domain.StopCreditExhausted:
		return domain.BatchAborted, domain.StopCreditExhausted
	case reason == domain.StopFailed:
		return domain.BatchFailed, domain.StopFailed
	case report.Aborted:
		if reason == "" {
			reason = domain.StopUserCancelled
		}
		return domain.BatchAborted, reason
	default:
		return domain.BatchCompleted, domain.StopCompleted
	}
}

// Package executor runs a work-item queue with tier-scoped bounded
// concurrency, per-worker pacing, and cooperative cancellation.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskFunc processes one work item and always produces an outcome. Errors
// are folded into the outcome by the caller, never propagated here: a single
// bad unit must not abort the batch.
type TaskFunc func(ctx context.Context, item domain.WorkItem) domain.Outcome

// Progress carries the running totals after each completion. Processed is
// monotonic across calls even though completions happen on multiple workers.
type Progress struct {
	Processed int
	Total     int
}

// Result pairs one outcome with the ordinal index of the item that produced
// it. Results are delivered in completion order; consumers needing submission
// order must re-sort by Index.
type Result struct {
	Index   int
	Outcome domain.Outcome
}

// Report is the terminal state of one Run. A cancelled run still resolves
// normally; Aborted distinguishes it from a clean finish.
type Report struct {
	Processed int
	Aborted   bool
}

// Executor drives one batch with at most Concurrency tasks in flight and a
// per-worker pacing delay after each completion. Stop is cooperative: workers
// check the flag before pulling a new task, and in-flight tasks finish and
// still deliver their results.
type Executor struct {
	policy    domain.TierPolicy
	cancelled atomic.Bool
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(kind domain.GatewayKind, tier domain.Tier, policies PolicyResolver, logger *zap.Logger) (*Executor, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: invalid gateway kind %q", domain.ErrValidation, kind)
	}
	if !tier.IsValid() {
		return nil, fmt.Errorf("%w: invalid tier %q", domain.ErrValidation, tier)
	}
	if policies == nil {
		return nil, fmt.Errorf("policy resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := policies.Resolve(kind, tier)
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &Executor{
		policy: policy,
		logger: logger,
		sleep:  sleepWithContext,
	}, nil
}

// Policy exposes the resolved throughput parameters.
func (e *Executor) Policy() domain.TierPolicy {
	return e.policy
}

// Stop requests cooperative cancellation. Calling it after completion, or
// more than once, is a no-op.
func (e *Executor) Stop() {
	if e == nil {
		return
	}
	if e.cancelled.CompareAndSwap(false, true) {
		e.logger.Info("executor stop requested")
	}
}

// Stopped reports whether cancellation has been requested.
func (e *Executor) Stopped() bool {
	return e.cancelled.Load()
}

// Run processes the queue and blocks until every started task has delivered
// its result. Callback invocations are serialized: the aggregation they feed
// sees a single writer.
func (e *Executor) Run(
	ctx context.Context,
	items []domain.WorkItem,
	task TaskFunc,
	onProgress func(Progress),
	onResult func(Result),
) (Report, error) {
	if task == nil {
		return Report{}, fmt.Errorf("task function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	total := len(items)
	queue := make(chan domain.WorkItem, total)
	for _, item := range items {
		queue <- item
	}
	close(queue)

	var (
		deliverMu sync.Mutex
		processed int
	)
	deliver := func(item domain.WorkItem, outcome domain.Outcome) {
		deliverMu.Lock()
		defer deliverMu.Unlock()

		processed++
		if onResult != nil {
			onResult(Result{Index: item.Index, Outcome: outcome})
		}
		if onProgress != nil {
			onProgress(Progress{Processed: processed, Total: total})
		}
	}

	g := new(errgroup.Group)
	for i := 0; i < e.policy.Concurrency; i++ {
		g.Go(func() error {
			for {
				// Cancellation is checked only at task-start boundaries.
				if e.cancelled.Load() || ctx.Err() != nil {
					return nil
				}

				item, ok := <-queue
				if !ok {
					return nil
				}

				outcome := task(ctx, item)
				deliver(item, outcome)

				if e.policy.PacingDelay > 0 {
					if err := e.sleep(ctx, e.policy.PacingDelay); err != nil {
						return nil
					}
				}
			}
		})
	}

	// Workers never return errors; Wait only synchronizes completion.
	_ = g.Wait()

	if ctx.Err() != nil {
		e.cancelled.Store(true)
	}

	deliverMu.Lock()
	report := Report{Processed: processed, Aborted: e.cancelled.Load() && processed < total}
	deliverMu.Unlock()
	return report, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

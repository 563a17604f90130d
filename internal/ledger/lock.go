package ledger

import (
	"context"
	"sync"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"go.uber.org/zap"
)

// OperationLock is the per-tenant single-flight guard: a tenant has at most
// one batch in flight. Release carries the batch stop reason and is the
// authoritative signal that the tenant may start again.
type OperationLock interface {
	Acquire(ctx context.Context, tenantID string) (bool, error)
	Release(ctx context.Context, tenantID string, reason domain.StopReason) error
}

// MemoryLock is the in-process OperationLock. A Redis-backed lease exists in
// internal/infra/redis for multi-instance deployments.
type MemoryLock struct {
	mu     sync.Mutex
	held   map[string]bool
	logger *zap.Logger
}

func NewMemoryLock(logger *zap.Logger) *MemoryLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLock{
		held:   make(map[string]bool),
		logger: logger,
	}
}

func (l *MemoryLock) Acquire(ctx context.Context, tenantID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[tenantID] {
		return false, nil
	}
	l.held[tenantID] = true
	return true, nil
}

// Release is lenient about a lock that is not held: the release path runs on
// every batch exit, and failing it would mask the original error.
func (l *MemoryLock) Release(ctx context.Context, tenantID string, reason domain.StopReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held[tenantID] {
		l.logger.Warn("operation lock released without being held",
			zap.String("tenantId", tenantID),
			zap.String("reason", reason.String()),
		)
		return nil
	}

	delete(l.held, tenantID)
	l.logger.Info("operation lock released",
		zap.String("tenantId", tenantID),
		zap.String("reason", reason.String()),
	)
	return nil
}

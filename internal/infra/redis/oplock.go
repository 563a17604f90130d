package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/haunguyenht/Stripula-sub007/internal/ledger"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultLockTTL = 15 * time.Minute

// releaseScript deletes the lock only when this instance still owns it, so a
// lease that expired and was re-acquired elsewhere is never stolen back.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ ledger.OperationLock = (*RedisOperationLock)(nil)

// RedisOperationLock is the distributed per-tenant single-flight lease. The
// TTL bounds how long a crashed instance can block a tenant.
type RedisOperationLock struct {
	client *goredis.Client
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisOperationLock(client *goredis.Client, ttl time.Duration, logger *zap.Logger) (*RedisOperationLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisOperationLock{
		client: client,
		ttl:    ttl,
		logger: logger,
		tokens: make(map[string]string),
	}, nil
}

func lockKey(tenantID string) string {
	return fmt.Sprintf("oplock:%s", strings.TrimSpace(tenantID))
}

func (l *RedisOperationLock) Acquire(ctx context.Context, tenantID string) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("operation lock is not initialized")
	}
	if strings.TrimSpace(tenantID) == "" {
		return false, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKey(tenantID), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire operation lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[tenantID] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisOperationLock) Release(ctx context.Context, tenantID string, reason domain.StopReason) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("operation lock is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	token, ok := l.tokens[tenantID]
	delete(l.tokens, tenantID)
	l.mu.Unlock()

	if !ok {
		l.logger.Warn("operation lock released without being held",
			zap.String("tenantId", tenantID),
			zap.String("reason", reason.String()),
		)
		return nil
	}

	deleted, err := releaseScript.Run(ctx, l.client, []string{lockKey(tenantID)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release operation lock: %w", err)
	}
	if deleted == 0 {
		l.logger.Warn("operation lock lease expired before release",
			zap.String("tenantId", tenantID),
			zap.String("reason", reason.String()),
		)
		return nil
	}

	l.logger.Info("operation lock released",
		zap.String("tenantId", tenantID),
		zap.String("reason", reason.String()),
	)
	return nil
}

// Package gateway holds the outbound call port, the per-kind caller registry,
// and the channel health tracker that gates batch admission.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
)

// Caller is the abstract gateway-call capability. One implementation exists
// per gateway kind; the engine never inspects what happens inside a call
// beyond the returned Outcome and error classification.
type Caller interface {
	Call(ctx context.Context, item domain.WorkItem, creds domain.Credentials, proxy *domain.ProxyEndpoint) (domain.Outcome, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, item domain.WorkItem, creds domain.Credentials, proxy *domain.ProxyEndpoint) (domain.Outcome, error)

func (f CallerFunc) Call(ctx context.Context, item domain.WorkItem, creds domain.Credentials, proxy *domain.ProxyEndpoint) (domain.Outcome, error) {
	return f(ctx, item, creds, proxy)
}

// Registry maps gateway kinds to their caller implementation. Selection is a
// table lookup keyed by kind, never runtime type inspection.
type Registry struct {
	mu      sync.RWMutex
	callers map[domain.GatewayKind]Caller
}

func NewRegistry() *Registry {
	return &Registry{callers: make(map[domain.GatewayKind]Caller)}
}

func (r *Registry) Register(kind domain.GatewayKind, caller Caller) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: invalid gateway kind %q", domain.ErrValidation, kind)
	}
	if caller == nil {
		return fmt.Errorf("%w: caller is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[kind] = caller
	return nil
}

func (r *Registry) Resolve(kind domain.GatewayKind) (Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caller, ok := r.callers[kind]
	if !ok {
		return nil, fmt.Errorf("no caller registered for gateway kind %q: %w", kind, domain.ErrNotFound)
	}
	return caller, nil
}

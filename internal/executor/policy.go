package executor

import (
	"time"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
)

// PolicyResolver maps a (gateway kind, tier) pair to its throughput policy.
type PolicyResolver interface {
	Resolve(kind domain.GatewayKind, tier domain.Tier) domain.TierPolicy
}

// PolicyResolverFunc adapts a function to the PolicyResolver interface.
type PolicyResolverFunc func(kind domain.GatewayKind, tier domain.Tier) domain.TierPolicy

func (f PolicyResolverFunc) Resolve(kind domain.GatewayKind, tier domain.Tier) domain.TierPolicy {
	return f(kind, tier)
}

// StaticPolicies is the default table. Charge-style gateways run slower than
// auth-style because a charge attempt is heavier on the remote side; checkout
// sits between. Higher tiers get more workers and less pacing.
type StaticPolicies struct {
	table map[domain.GatewayKind]map[domain.Tier]domain.TierPolicy
}

func NewStaticPolicies() *StaticPolicies {
	return &StaticPolicies{
		table: map[domain.GatewayKind]map[domain.Tier]domain.TierPolicy{
			domain.KindAuth: {
				domain.TierBasic: {Concurrency: 2, PacingDelay: 1500 * time.Millisecond},
				domain.TierPlus:  {Concurrency: 5, PacingDelay: 750 * time.Millisecond},
				domain.TierMax:   {Concurrency: 10, PacingDelay: 250 * time.Millisecond},
			},
			domain.KindCharge: {
				domain.TierBasic: {Concurrency: 1, PacingDelay: 3 * time.Second},
				domain.TierPlus:  {Concurrency: 3, PacingDelay: 1500 * time.Millisecond},
				domain.TierMax:   {Concurrency: 6, PacingDelay: 500 * time.Millisecond},
			},
			domain.KindCheckout: {
				domain.TierBasic: {Concurrency: 2, PacingDelay: 2 * time.Second},
				domain.TierPlus:  {Concurrency: 4, PacingDelay: time.Second},
				domain.TierMax:   {Concurrency: 8, PacingDelay: 400 * time.Millisecond},
			},
		},
	}
}

func (p *StaticPolicies) Resolve(kind domain.GatewayKind, tier domain.Tier) domain.TierPolicy {
	if byTier, ok := p.table[kind]; ok {
		if policy, ok := byTier[tier]; ok {
			return policy
		}
	}
	return domain.TierPolicy{Concurrency: 1, PacingDelay: 2 * time.Second}
}

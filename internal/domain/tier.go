package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tier classifies a tenant for throughput purposes. Higher tiers resolve to
// more concurrent workers and shorter pacing delays.
type Tier string

const (
	TierBasic Tier = "BASIC"
	TierPlus  Tier = "PLUS"
	TierMax   Tier = "MAX"
)

func (t Tier) String() string { return string(t) }

func (t Tier) IsValid() bool {
	switch t {
	case TierBasic, TierPlus, TierMax:
		return true
	}
	return false
}

func ParseTierFromString(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid tier %q", ErrValidation, s)
	}
	return t, nil
}

// TierPolicy resolves from a (gateway kind, tier) pair: at most Concurrency
// calls in flight and a per-worker PacingDelay after each completion.
type TierPolicy struct {
	Concurrency int
	PacingDelay time.Duration
}

func (p TierPolicy) Validate() error {
	if p.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrValidation)
	}
	if p.PacingDelay < 0 {
		return fmt.Errorf("%w: pacing delay must not be negative", ErrValidation)
	}
	return nil
}

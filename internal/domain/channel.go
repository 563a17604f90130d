package domain

import (
	"fmt"
	"strings"
	"time"
)

// GatewayKind selects the call strategy family used against a channel.
type GatewayKind string

const (
	KindAuth     GatewayKind = "AUTH"
	KindCharge   GatewayKind = "CHARGE"
	KindCheckout GatewayKind = "CHECKOUT"
)

func (k GatewayKind) String() string { return string(k) }

func (k GatewayKind) IsValid() bool {
	switch k {
	case KindAuth, KindCharge, KindCheckout:
		return true
	}
	return false
}

func ParseGatewayKindFromString(s string) (GatewayKind, error) {
	k := GatewayKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid gateway kind %q", ErrValidation, s)
	}
	return k, nil
}

// Availability is the derived health state of a gateway channel.
type Availability string

const (
	AvailabilityAvailable   Availability = "AVAILABLE"
	AvailabilityDegraded    Availability = "DEGRADED"
	AvailabilityUnavailable Availability = "UNAVAILABLE"
	AvailabilityMaintenance Availability = "MAINTENANCE"
)

func (a Availability) String() string { return string(a) }

// AdmitsBatches reports whether a new batch may start against the channel.
// Only a fully available channel admits work; degraded channels finish what
// is already running but take nothing new.
func (a Availability) AdmitsBatches() bool {
	return a == AvailabilityAvailable
}

// Credentials carry whatever secret material a gateway caller needs. The
// engine never interprets them.
type Credentials struct {
	Key    string
	Secret string
	Extra  map[string]string
}

// GatewayChannel is one configured logical destination with its own proxy
// preference, credentials, and health state.
type GatewayChannel struct {
	ID             string
	Name           string
	Kind           GatewayKind
	PreferredProxy ProxyTransport
	Credentials    Credentials
	Availability   Availability
	SuccessCount   int
	FailureCount   int
	LastLatency    time.Duration
}

func (c *GatewayChannel) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: channel id is required", ErrValidation)
	}
	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: invalid gateway kind %q", ErrValidation, c.Kind)
	}
	return nil
}

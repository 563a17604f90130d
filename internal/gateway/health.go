package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultWindowSize    = 20
	defaultMinSamples    = 5
	defaultSoftThreshold = 0.5
	defaultHardThreshold = 0.8
)

// TrackerConfig tunes the rolling failure window per channel.
type TrackerConfig struct {
	WindowSize    int
	MinSamples    int
	SoftThreshold float64
	HardThreshold float64
}

func (c *TrackerConfig) applyDefaults() {
	if c.WindowSize < 1 {
		c.WindowSize = defaultWindowSize
	}
	if c.MinSamples < 1 {
		c.MinSamples = defaultMinSamples
	}
	if c.SoftThreshold <= 0 || c.SoftThreshold > 1 {
		c.SoftThreshold = defaultSoftThreshold
	}
	if c.HardThreshold <= 0 || c.HardThreshold > 1 {
		c.HardThreshold = defaultHardThreshold
	}
	if c.HardThreshold < c.SoftThreshold {
		c.HardThreshold = c.SoftThreshold
	}
}

type channelState struct {
	channel     domain.GatewayChannel
	window      []bool // true = gateway-attributable failure
	maintenance bool
	lastFailure string
}

// Tracker owns channel configuration and derives availability from a rolling
// window of recent gateway-attributable outcomes. Input failures never touch
// the window: bad local data must not trip the breaker for every tenant.
type Tracker struct {
	mu       sync.Mutex
	channels map[string]*channelState
	cfg      TrackerConfig
	logger   *zap.Logger
}

func NewTracker(cfg TrackerConfig, logger *zap.Logger) *Tracker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{
		channels: make(map[string]*channelState),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register adds or replaces a channel configuration. A new channel starts
// available with an empty window.
func (t *Tracker) Register(channel domain.GatewayChannel) error {
	if err := channel.Validate(); err != nil {
		return err
	}

	channel.Availability = domain.AvailabilityAvailable
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[channel.ID] = &channelState{channel: channel}
	return nil
}

// Channel returns a copy of the channel configuration for orchestration.
func (t *Tracker) Channel(id string) (domain.GatewayChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.channels[strings.TrimSpace(id)]
	if !ok {
		return domain.GatewayChannel{}, fmt.Errorf("gateway channel %q: %w", id, domain.ErrNotFound)
	}
	return state.channel, nil
}

// Channels returns a snapshot of every registered channel sorted by ID.
func (t *Tracker) Channels() []domain.GatewayChannel {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.GatewayChannel, 0, len(t.channels))
	for _, state := range t.channels {
		out = append(out, state.channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) RecordSuccess(channelID string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.channels[channelID]
	if !ok {
		return
	}
	state.channel.SuccessCount++
	state.channel.LastLatency = latency
	t.push(state, false)
	t.deriveLocked(state)
}

// RecordFailure folds one failed outcome into the channel window. Only
// gateway-attributable categories count; anything else is ignored.
func (t *Tracker) RecordFailure(channelID string, message string, category domain.FailureCategory) {
	if !category.GatewayAttributable() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.channels[channelID]
	if !ok {
		return
	}
	state.channel.FailureCount++
	state.lastFailure = strings.TrimSpace(message)
	t.push(state, true)
	t.deriveLocked(state)
}

// SetMaintenance is the control-plane override. A channel in maintenance is
// never available regardless of its window.
func (t *Tracker) SetMaintenance(channelID string, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.channels[channelID]
	if !ok {
		return fmt.Errorf("gateway channel %q: %w", channelID, domain.ErrNotFound)
	}
	state.maintenance = on
	t.deriveLocked(state)
	return nil
}

func (t *Tracker) IsAvailable(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.channels[channelID]
	if !ok {
		return false
	}
	return state.channel.Availability.AdmitsBatches()
}

// UnavailabilityReason explains a closed gate for caller diagnostics.
func (t *Tracker) UnavailabilityReason(channelID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.channels[channelID]
	if !ok {
		return fmt.Sprintf("gateway channel %q is not configured", channelID), true
	}
	if state.channel.Availability.AdmitsBatches() {
		return "", false
	}

	if state.maintenance {
		return "channel is in maintenance", true
	}
	reason := "channel failure rate crossed the unavailability threshold"
	if state.channel.Availability == domain.AvailabilityDegraded {
		reason = "channel failure rate crossed the degradation threshold"
	}
	if state.lastFailure != "" {
		reason = fmt.Sprintf("%s (last failure: %s)", reason, state.lastFailure)
	}
	return reason, true
}

func (t *Tracker) push(state *channelState, failed bool) {
	state.window = append(state.window, failed)
	if len(state.window) > t.cfg.WindowSize {
		state.window = state.window[len(state.window)-t.cfg.WindowSize:]
	}
}

// deriveLocked recomputes availability; mu must be held.
func (t *Tracker) deriveLocked(state *channelState) {
	previous := state.channel.Availability

	switch {
	case state.maintenance:
		state.channel.Availability = domain.AvailabilityMaintenance
	case len(state.window) < t.cfg.MinSamples:
		state.channel.Availability = domain.AvailabilityAvailable
	default:
		failures := 0
		for _, failed := range state.window {
			if failed {
				failures++
			}
		}
		rate := float64(failures) / float64(len(state.window))
		switch {
		case rate >= t.cfg.HardThreshold:
			state.channel.Availability = domain.AvailabilityUnavailable
		case rate >= t.cfg.SoftThreshold:
			state.channel.Availability = domain.AvailabilityDegraded
		default:
			state.channel.Availability = domain.AvailabilityAvailable
		}
	}

	if state.channel.Availability != previous {
		t.logger.Info("gateway channel availability changed",
			zap.String("channelId", state.channel.ID),
			zap.String("from", previous.String()),
			zap.String("to", state.channel.Availability.String()),
		)
	}
}

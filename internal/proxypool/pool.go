// Package proxypool owns the rotating set of outbound proxy endpoints:
// selection, per-endpoint health accounting, and the periodic reachability
// sweep that evicts endpoints past the failure threshold.
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/haunguyenht/Stripula-sub007/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxFailures      = 3
	defaultSweepConcurrency = 10
)

// Manager is the proxy pool. All state is guarded by mu; endpoints handed out
// by SelectNext and List are copies.
type Manager struct {
	mu        sync.Mutex
	endpoints map[string]*domain.ProxyEndpoint
	enabled   bool

	maxFailures int
	prober      Prober
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	randIntn    func(n int) int
}

// SweepReport summarizes one health sweep.
type SweepReport struct {
	Working int
	Failed  int
	Removed []string
}

func NewManager(prober Prober, maxFailures int, logger *zap.Logger) *Manager {
	if maxFailures < 1 {
		maxFailures = defaultMaxFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		endpoints:   make(map[string]*domain.ProxyEndpoint),
		enabled:     true,
		maxFailures: maxFailures,
		prober:      prober,
		logger:      logger,
		now:         time.Now,
		randIntn:    rand.Intn,
	}
}

func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// Add registers an endpoint. A new endpoint starts untested with a clean
// failure counter.
func (m *Manager) Add(endpoint domain.ProxyEndpoint) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(endpoint.ID) == "" {
		return fmt.Errorf("%w: proxy id is required", domain.ErrValidation)
	}

	endpoint.Health = domain.ProxyUntested
	endpoint.FailCount = 0
	endpoint.SuccessCount = 0

	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[endpoint.ID] = &endpoint
	m.publishGauges()
	return nil
}

func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.endpoints, id)
	m.publishGauges()
	return nil
}

// List returns a stable snapshot ordered by endpoint ID.
func (m *Manager) List() []domain.ProxyEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ProxyEndpoint, 0, len(m.endpoints))
	for _, endpoint := range m.endpoints {
		out = append(out, *endpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled flips the global pool switch. It is independent of per-endpoint
// health: a disabled pool means callers go direct, not that selection fails.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SelectNext picks an endpoint uniformly at random among enabled, non-failed
// candidates, preferring the requested transport when at least one candidate
// matches it. If every candidate is flagged failed, the failed flags are
// cleared once and selection retried exactly one time before reporting
// ErrNoProxyAvailable. The retry is bounded: an empty enabled set fails
// immediately instead of looping.
func (m *Manager) SelectNext(preferred domain.ProxyTransport) (domain.ProxyEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if selected, ok := m.selectLocked(preferred); ok {
		return selected, nil
	}

	// One-shot recovery: forget failed flags and retry.
	cleared := false
	for _, endpoint := range m.endpoints {
		if endpoint.Enabled && endpoint.Health == domain.ProxyFailed {
			endpoint.Health = domain.ProxyUntested
			cleared = true
		}
	}
	if cleared {
		if selected, ok := m.selectLocked(preferred); ok {
			return selected, nil
		}
	}

	return domain.ProxyEndpoint{}, domain.ErrNoProxyAvailable
}

func (m *Manager) selectLocked(preferred domain.ProxyTransport) (domain.ProxyEndpoint, bool) {
	candidates := make([]*domain.ProxyEndpoint, 0, len(m.endpoints))
	for _, endpoint := range m.endpoints {
		if endpoint.Enabled && endpoint.Health != domain.ProxyFailed {
			candidates = append(candidates, endpoint)
		}
	}
	if len(candidates) == 0 {
		return domain.ProxyEndpoint{}, false
	}

	if preferred.IsValid() {
		matching := make([]*domain.ProxyEndpoint, 0, len(candidates))
		for _, endpoint := range candidates {
			if endpoint.Transport == preferred {
				matching = append(matching, endpoint)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}

	// Deterministic candidate order keeps randIntn injection meaningful in tests.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return *candidates[m.randIntn(len(candidates))], true
}

// ReportSuccess clears the failure counter and marks the endpoint working.
func (m *Manager) ReportSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return
	}
	endpoint.FailCount = 0
	endpoint.SuccessCount++
	endpoint.Health = domain.ProxyWorking
	testedAt := m.now().UTC()
	endpoint.LastTestedAt = &testedAt
	m.publishGauges()
}

// ReportFailure increments the failure counter and flags the endpoint failed.
// An endpoint reaching the configured maximum is dropped from the pool.
func (m *Manager) ReportFailure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return
	}
	endpoint.FailCount++
	endpoint.Health = domain.ProxyFailed
	testedAt := m.now().UTC()
	endpoint.LastTestedAt = &testedAt

	if endpoint.FailCount >= m.maxFailures {
		delete(m.endpoints, id)
		m.logger.Info("proxy endpoint removed after repeated failures",
			zap.String("proxyId", id),
			zap.Int("failCount", endpoint.FailCount),
		)
	}
	m.publishGauges()
}

// HealthSweep probes every endpoint against the reachability target with
// bounded concurrency, applies the success/failure accounting, and removes
// endpoints whose failure counter reached the maximum. Probe failures are
// expected outcomes, not errors; only a nil prober is an error.
func (m *Manager) HealthSweep(ctx context.Context, concurrency int) (SweepReport, error) {
	if m.prober == nil {
		return SweepReport{}, fmt.Errorf("proxy prober is not configured")
	}
	if concurrency < 1 {
		concurrency = defaultSweepConcurrency
	}
	if ctx == nil {
		ctx = context.Background()
	}

	snapshot := m.List()

	type probeResult struct {
		id string
		ok bool
	}
	results := make([]probeResult, len(snapshot))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range snapshot {
		i := i
		endpoint := snapshot[i]
		g.Go(func() error {
			err := m.prober.Probe(groupCtx, endpoint)
			results[i] = probeResult{id: endpoint.ID, ok: err == nil}
			if err != nil {
				m.logger.Debug("proxy probe failed",
					zap.String("proxyId", endpoint.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, result := range results {
		endpoint, ok := m.endpoints[result.id]
		if !ok {
			continue
		}

		testedAt := m.now().UTC()
		endpoint.LastTestedAt = &testedAt
		if result.ok {
			endpoint.FailCount = 0
			endpoint.SuccessCount++
			endpoint.Health = domain.ProxyWorking
			report.Working++
			continue
		}

		endpoint.FailCount++
		endpoint.Health = domain.ProxyFailed
		report.Failed++
		if endpoint.FailCount >= m.maxFailures {
			delete(m.endpoints, endpoint.ID)
			report.Removed = append(report.Removed, endpoint.ID)
		}
	}
	m.publishGauges()

	m.logger.Info("proxy health sweep finished",
		zap.Int("working", report.Working),
		zap.Int("failed", report.Failed),
		zap.Int("removed", len(report.Removed)),
	)
	return report, nil
}

// publishGauges must be called with mu held.
func (m *Manager) publishGauges() {
	if m.metrics == nil {
		return
	}
	counts := map[domain.ProxyHealth]int{}
	for _, endpoint := range m.endpoints {
		counts[endpoint.Health]++
	}
	for _, health := range []domain.ProxyHealth{domain.ProxyUntested, domain.ProxyWorking, domain.ProxyFailed} {
		m.metrics.SetProxyPoolSize(health.String(), counts[health])
	}
}

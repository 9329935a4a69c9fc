// Package targetmgr implements DNS resolution caching, a health-check
// scheduler, and per-rule target election with stickiness.
package targetmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepeer/relay/internal/config"
	"github.com/nodepeer/relay/internal/health"
	"github.com/nodepeer/relay/internal/metrics"
	"github.com/nodepeer/relay/internal/resolver"
)

const (
	// cycleInterval is the background cycle's outer ticker period.
	cycleInterval = 15 * time.Second
	// interPhaseSleep separates DNS refresh from health probing so probes
	// run against freshly resolved addresses
	interPhaseSleep = 5 * time.Second
	// probeTimeout is the per-target timeout during the batch health probe.
	probeTimeout = 5 * time.Second
)

// Manager owns the target cache and per-rule RuleInfo, and runs the
// periodic DNS-refresh + health-probe + election cycle.
type Manager struct {
	rules    []config.Rule
	resolver *resolver.Resolver
	prober   *health.Prober
	logger   zerolog.Logger

	// cache holds *Target values keyed by target string. Point reads/writes
	// are atomic per key; a read-modify-write replaces the whole entry.
	cache sync.Map

	// ruleInfos is guarded by a single reader-writer lock; the background
	// cycle takes the writer lock once per election pass, BestTarget takes
	// the reader lock.
	mu        sync.RWMutex
	ruleInfos map[string]*RuleInfo

	// probeClass maps a target string to the protocol class used to probe
	// it, computed once from the rule set. Last rule binding wins when a
	// target string is shared across rules with different protocols.
	probeClass map[string]health.Class

	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Manager for the given rules.
func New(rules []config.Rule, res *resolver.Resolver, prober *health.Prober, logger zerolog.Logger) *Manager {
	m := &Manager{
		rules:      rules,
		resolver:   res,
		prober:     prober,
		logger:     logger,
		ruleInfos:  make(map[string]*RuleInfo, len(rules)),
		probeClass: make(map[string]health.Class),
		done:       make(chan struct{}),
	}

	for _, r := range rules {
		class := health.ClassForProtocols(r.EffectiveProtocols())
		for _, t := range r.Targets {
			m.probeClass[t] = class // last binding wins: later rules overwrite earlier ones
		}
	}

	return m
}

// Initialize resolves every rule's targets, runs one synchronous batch
// health probe, runs election once, then spawns the background cycle.
func (m *Manager) Initialize(ctx context.Context) error {
	for _, r := range m.rules {
		m.initializeRuleTargets(ctx, r)
	}

	m.batchHealthProbe(ctx)
	m.electAll()

	go m.runCycle(ctx)

	return nil
}

func (m *Manager) initializeRuleTargets(ctx context.Context, r config.Rule) {
	targets := make([]Target, 0, len(r.Targets))

	for _, targetStr := range r.Targets {
		addr, err := m.resolver.Resolve(ctx, targetStr)
		if err != nil {
			m.logger.Error().Err(err).Str("rule", r.Name).Str("target", targetStr).Msg("initial target resolve failed")
			addr = "" // keep the target with no known address; probe will mark it unhealthy
		}

		t := Target{Original: targetStr, Resolved: addr, Healthy: true, LastCheck: time.Now()}
		targets = append(targets, t)
		m.cache.Store(targetStr, &t)
	}

	m.mu.Lock()
	m.ruleInfos[r.Name] = &RuleInfo{Targets: targets, LastUpdate: time.Now()}
	m.mu.Unlock()
}

// BestTarget returns a read-only snapshot of the rule's selected target's
// resolved address
func (m *Manager) BestTarget(ruleName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ri, ok := m.ruleInfos[ruleName]

	if !ok {
		return "", ErrUnknownRule
	}

	if ri.SelectedTarget == nil || ri.SelectedTarget.Resolved == "" {
		return "", ErrNoTargetAvailable
	}

	return ri.SelectedTarget.Resolved, nil
}

// RuleSnapshot returns a deep copy of a rule's current RuleInfo, for
// diagnostics (the admin HTTP surface) and tests.
func (m *Manager) RuleSnapshot(ruleName string) (*RuleInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ri, ok := m.ruleInfos[ruleName]

	if !ok {
		return nil, false
	}

	return ri.clone(), true
}

// AllRuleSnapshots returns a deep copy of every rule's RuleInfo.
func (m *Manager) AllRuleSnapshots() map[string]*RuleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*RuleInfo, len(m.ruleInfos))
	for name, ri := range m.ruleInfos {
		out[name] = ri.clone()
	}

	return out
}

// Stop halts the background cycle.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Manager) runCycle(ctx context.Context) {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.dnsRefresh(ctx)

			select {
			case <-time.After(interPhaseSleep):
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}

			m.batchHealthProbe(ctx)
			m.electAll()
		}
	}
}

// dnsRefresh re-resolves every cached target that looks like a domain,
// concurrently. A changed address is overwritten and the target's health
// is reset to force the next probe to re-establish the verdict.
func (m *Manager) dnsRefresh(ctx context.Context) {
	var wg sync.WaitGroup

	m.cache.Range(func(key, value any) bool {
		targetStr, _ := key.(string)

		if !resolver.LooksLikeDomain(targetStr) {
			return true
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			m.refreshOne(ctx, targetStr, value.(*Target)) //nolint:forcetypeassert // cache only ever stores *Target
		}()

		return true
	})

	wg.Wait()
}

func (m *Manager) refreshOne(ctx context.Context, targetStr string, cur *Target) {
	newAddr, err := m.resolver.Resolve(ctx, targetStr)
	if err != nil {
		m.logger.Warn().Err(err).Str("target", targetStr).Msg("dns refresh failed, keeping last known address")

		return
	}

	if newAddr == cur.Resolved {
		return
	}

	m.logger.Info().Str("target", targetStr).Str("old_addr", cur.Resolved).Str("new_addr", newAddr).Msg("dns refresh changed address")

	updated := *cur
	updated.Resolved = newAddr
	updated.Healthy = true
	updated.FailCount = 0
	m.cache.Store(targetStr, &updated)
}

// batchHealthProbe probes every cached target concurrently, each with a
// bounded timeout, and updates its health in place
func (m *Manager) batchHealthProbe(ctx context.Context) {
	var wg sync.WaitGroup

	m.cache.Range(func(key, value any) bool {
		targetStr, _ := key.(string)
		cur, _ := value.(*Target)

		wg.Add(1)

		go func() {
			defer wg.Done()

			m.probeOne(ctx, targetStr, cur)
		}()

		return true
	})

	wg.Wait()
}

func (m *Manager) probeOne(ctx context.Context, targetStr string, cur *Target) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	class := m.probeClass[targetStr]
	if class == "" {
		class = health.ClassTCP
	}

	_, err := m.prober.Probe(pctx, targetStr, cur.Resolved, class)

	updated := *cur
	updated.LastCheck = time.Now()

	if err == nil {
		updated.Healthy = true
		updated.FailCount = 0
	} else {
		updated.FailCount++
		// Single-failure flip: favors fast failover over flap dampening.
		if updated.FailCount >= 1 && cur.Healthy {
			updated.Healthy = false
		}
	}

	m.cache.Store(targetStr, &updated)
	metrics.TargetHealthy.WithLabelValues(targetStr).Set(boolToFloat(updated.Healthy))
}

// electAll runs the stickiness election for every rule
func (m *Manager) electAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ri := range m.ruleInfos {
		m.electRule(name, ri)
	}
}

// electRule mutates ri in place. Caller holds m.mu.
func (m *Manager) electRule(ruleName string, ri *RuleInfo) {
	for i := range ri.Targets {
		if cached, ok := m.cache.Load(ri.Targets[i].Original); ok {
			ri.Targets[i] = *cached.(*Target) //nolint:forcetypeassert // cache only ever stores *Target
		}
	}

	var healthy []*Target

	for i := range ri.Targets {
		if ri.Targets[i].Healthy {
			healthy = append(healthy, &ri.Targets[i])
		}
	}

	prevSelected := ri.SelectedTarget
	var next *Target

	switch {
	case len(healthy) == 0:
		// No healthy targets: fall back to the first configured target so
		// the data plane always has somewhere to aim
		next = &ri.Targets[0]
	case prevSelected != nil && containsResolved(healthy, prevSelected.Resolved):
		// Stickiness: keep the current selection if it's still healthy.
		next = findByResolved(ri.Targets, prevSelected.Resolved)
	default:
		next = healthy[0]
	}

	m.logSwap(ruleName, prevSelected, next)

	selected := *next
	ri.SelectedTarget = &selected
	ri.LastUpdate = time.Now()
}

func (m *Manager) logSwap(ruleName string, prev, next *Target) {
	switch {
	case prev == nil && next != nil:
		m.logger.Info().Str("rule", ruleName).Str("addr", next.Resolved).Msg("rule target newly available")
	case prev != nil && next == nil:
		m.logger.Warn().Str("rule", ruleName).Str("addr", prev.Resolved).Msg("rule target unavailable")
	case prev != nil && next != nil && prev.Resolved != next.Resolved:
		m.logger.Info().Str("rule", ruleName).Str("old_addr", prev.Resolved).Str("new_addr", next.Resolved).Msg("rule switch")
		metrics.TargetSwapsTotal.WithLabelValues(ruleName).Inc()
	}
}

func containsResolved(targets []*Target, resolved string) bool {
	for _, t := range targets {
		if t.Resolved == resolved {
			return true
		}
	}

	return false
}

func findByResolved(targets []Target, resolved string) *Target {
	for i := range targets {
		if targets[i].Resolved == resolved {
			return &targets[i]
		}
	}

	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

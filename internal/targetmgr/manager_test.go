package targetmgr

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	return New(nil, nil, nil, zerolog.Nop())
}

func seedCache(m *Manager, targets ...Target) {
	for i := range targets {
		t := targets[i]
		m.cache.Store(t.Original, &t)
	}
}

func ruleInfoFor(targets ...Target) *RuleInfo {
	cp := make([]Target, len(targets))
	copy(cp, targets)

	return &RuleInfo{Targets: cp}
}

// S1: the previously selected target is still healthy, and another target
// is also healthy — stickiness keeps the current selection rather than
// switching to the other healthy one.
func TestElectRule_StickinessKeepsHealthySelection(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	seedCache(m,
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
	)

	ri := ruleInfoFor(
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
	)
	ri.SelectedTarget = &Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true}

	m.electRule("r1", ri)

	require.NotNil(t, ri.SelectedTarget)
	assert.Equal(t, "10.0.0.2:80", ri.SelectedTarget.Resolved)
}

// S2: the previously selected target has gone unhealthy — failover picks
// the first remaining healthy target in configured order.
func TestElectRule_FailoverWhenSelectedBecomesUnhealthy(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	seedCache(m,
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: false},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
		Target{Original: "c", Resolved: "10.0.0.3:80", Healthy: true},
	)

	ri := ruleInfoFor(
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
		Target{Original: "c", Resolved: "10.0.0.3:80", Healthy: true},
	)
	ri.SelectedTarget = &Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true}

	m.electRule("r1", ri)

	require.NotNil(t, ri.SelectedTarget)
	assert.Equal(t, "10.0.0.2:80", ri.SelectedTarget.Resolved)
}

// S3: every target is unhealthy — falls back to the first configured
// target so the data plane always has somewhere to aim, rather than
// leaving SelectedTarget nil.
func TestElectRule_FallsBackToFirstConfiguredWhenAllUnhealthy(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	seedCache(m,
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: false},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: false},
	)

	ri := ruleInfoFor(
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
	)
	ri.SelectedTarget = &Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true}

	m.electRule("r1", ri)

	require.NotNil(t, ri.SelectedTarget)
	assert.Equal(t, "10.0.0.1:80", ri.SelectedTarget.Resolved)
	assert.False(t, ri.SelectedTarget.Healthy)
}

// No prior selection: the first healthy target is elected.
func TestElectRule_FirstElectionPicksFirstHealthy(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	seedCache(m,
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: false},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
	)

	ri := ruleInfoFor(
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
	)

	m.electRule("r1", ri)

	require.NotNil(t, ri.SelectedTarget)
	assert.Equal(t, "10.0.0.2:80", ri.SelectedTarget.Resolved)
}

// BestTarget surfaces ErrUnknownRule for a rule the Manager never saw, and
// ErrNoTargetAvailable when a rule's selection has no resolved address.
func TestBestTarget_ErrorsForUnknownAndUnresolvedRules(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	_, err := m.BestTarget("missing")
	assert.ErrorIs(t, err, ErrUnknownRule)

	m.mu.Lock()
	m.ruleInfos["r1"] = &RuleInfo{LastUpdate: time.Now()}
	m.mu.Unlock()

	_, err = m.BestTarget("r1")
	assert.ErrorIs(t, err, ErrNoTargetAvailable)
}

// electAll runs electRule for every rule the Manager tracks.
func TestElectAll_CoversEveryRule(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	seedCache(m,
		Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true},
		Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true},
	)

	m.mu.Lock()
	m.ruleInfos["r1"] = ruleInfoFor(Target{Original: "a", Resolved: "10.0.0.1:80", Healthy: true})
	m.ruleInfos["r2"] = ruleInfoFor(Target{Original: "b", Resolved: "10.0.0.2:80", Healthy: true})
	m.mu.Unlock()

	m.electAll()

	ri1, ok := m.RuleSnapshot("r1")
	require.True(t, ok)
	require.NotNil(t, ri1.SelectedTarget)
	assert.Equal(t, "10.0.0.1:80", ri1.SelectedTarget.Resolved)

	ri2, ok := m.RuleSnapshot("r2")
	require.True(t, ok)
	require.NotNil(t, ri2.SelectedTarget)
	assert.Equal(t, "10.0.0.2:80", ri2.SelectedTarget.Resolved)
}

package targetmgr

import "time"

// Target is an upstream endpoint identifier, resolved to a socket address
// and tracked for health
type Target struct {
	// Original is the configured identifier string; the cache's primary key.
	Original string
	// Resolved is the last-known socket address ("ip:port").
	Resolved string
	// Healthy reflects the most recent probe outcome.
	Healthy bool
	// LastCheck is when Healthy was last updated.
	LastCheck time.Time
	// FailCount is the number of consecutive failed probes.
	FailCount int
}

// RuleInfo is a rule's runtime state: live target snapshots, the elected
// target, and when it was last touched
type RuleInfo struct {
	Targets        []Target
	SelectedTarget *Target
	LastUpdate     time.Time
}

// clone returns a deep-enough copy for safe handoff across goroutines —
// RuleInfo readers always see a whole snapshot, never a shared reference.
func (ri *RuleInfo) clone() *RuleInfo {
	out := &RuleInfo{
		Targets:    make([]Target, len(ri.Targets)),
		LastUpdate: ri.LastUpdate,
	}
	copy(out.Targets, ri.Targets)

	if ri.SelectedTarget != nil {
		sel := *ri.SelectedTarget
		out.SelectedTarget = &sel
	}

	return out
}

package targetmgr

import "errors"

var (
	// ErrNoTargetAvailable is returned by BestTarget when a rule has no
	// elected target yet.
	ErrNoTargetAvailable = errors.New("no target available")
	// ErrUnknownRule is returned when a rule name has no RuleInfo.
	ErrUnknownRule = errors.New("unknown rule")
)

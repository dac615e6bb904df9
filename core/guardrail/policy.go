// Package guardrail decides whether execution pauses for a human. It
// turns raw per-node signals into an ordered list of blocking reasons,
// applies the risk policy that may downgrade some of them, and renders
// the survivors as either a bounded blocker report or durable gaps.
// Everything here is pure: same inputs, same outputs, no I/O.
package guardrail

// Autonomy orders how much the runtime may do without a human. The
// levels are strictly ordered from most to least supervised.
type Autonomy string

const (
	AutonomyGuided         Autonomy = "guided"
	AutonomyStopOnUserDeps Autonomy = "full_auto_stop_on_user_deps"
	AutonomyNeverStop      Autonomy = "full_auto_never_stop"
)

// Valid reports whether a is a declared autonomy level.
func (a Autonomy) Valid() bool {
	switch a {
	case AutonomyGuided, AutonomyStopOnUserDeps, AutonomyNeverStop:
		return true
	}
	return false
}

// RiskPolicy orders how aggressively capability doubts are downgraded.
type RiskPolicy string

const (
	RiskConservative RiskPolicy = "conservative"
	RiskBalanced     RiskPolicy = "balanced"
	RiskAggressive   RiskPolicy = "aggressive"
)

// Valid reports whether p is a declared risk policy.
func (p RiskPolicy) Valid() bool {
	switch p {
	case RiskConservative, RiskBalanced, RiskAggressive:
		return true
	}
	return false
}

// DefaultAutonomy and DefaultRiskPolicy apply when no preference event
// has ever been recorded for a node.
const (
	DefaultAutonomy   = AutonomyGuided
	DefaultRiskPolicy = RiskConservative
)

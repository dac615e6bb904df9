package guardrail

import (
	"fmt"

	coreerrors "github.com/davidahmann/weft/core/errors"
)

// ShouldBlock decides whether a non-empty reason list pauses execution
// under the given autonomy level. Only full_auto_never_stop continues
// past reasons; they become durable gaps instead.
func ShouldBlock(autonomy Autonomy, reasons []Reason) (bool, error) {
	if !autonomy.Valid() {
		return false, coreerrors.Wrap(
			fmt.Errorf("autonomy %q is not a declared level", autonomy),
			coreerrors.CategoryInvalidInput,
			"guardrail_autonomy_invalid",
			"use guided, full_auto_stop_on_user_deps, or full_auto_never_stop",
			false,
		)
	}
	if autonomy == AutonomyNeverStop {
		return false, nil
	}
	return len(reasons) > 0, nil
}

// Decision is the guardrail verdict for one reason: block, or continue
// with the reason downgraded to a warning. Rationale is non-empty
// exactly when the reason was downgraded.
type Decision struct {
	Block     bool
	Rationale string
}

// ApplyGuardrail applies the fixed risk-policy table to one reason.
// Only the two capability codes are policy-sensitive; every other code
// blocks under every policy. The table is:
//
//	                       conservative  balanced   aggressive
//	capability_unknown     block         downgrade  downgrade
//	capability_unavailable block         block      downgrade
func ApplyGuardrail(policy RiskPolicy, reason Reason) (Decision, error) {
	if !policy.Valid() {
		return Decision{}, coreerrors.Wrap(
			fmt.Errorf("risk policy %q is not a declared policy", policy),
			coreerrors.CategoryInvalidInput,
			"guardrail_policy_invalid",
			"use conservative, balanced, or aggressive",
			false,
		)
	}

	switch reason.Code {
	case ReasonCapabilityUnknown:
		if policy == RiskBalanced || policy == RiskAggressive {
			return Decision{
				Rationale: fmt.Sprintf("%s policy treats unknown capability %q as a warning", policy, reason.Capability),
			}, nil
		}
		return Decision{Block: true}, nil
	case ReasonCapabilityUnavailable:
		if policy == RiskAggressive {
			return Decision{
				Rationale: fmt.Sprintf("aggressive policy treats unavailable capability %q as a warning", reason.Capability),
			}, nil
		}
		return Decision{Block: true}, nil
	case ReasonMissingContextKey,
		ReasonContextBudgetExceeded,
		ReasonOutputMissing,
		ReasonOutputInvalid,
		ReasonUserOnlyDependency,
		ReasonInvariantViolation,
		ReasonStorageCorruption,
		ReasonEvaluationError,
		ReasonMissingNotes:
		return Decision{Block: true}, nil
	default:
		panic(fmt.Sprintf("guardrail: reason code %q has no guardrail row", reason.Code))
	}
}

// Downgraded pairs a reason with the rationale that softened it.
type Downgraded struct {
	Reason    Reason
	Rationale string
}

// ApplyGuardrails partitions reasons into those that still block and
// those downgraded to warnings, preserving input order in each half.
func ApplyGuardrails(policy RiskPolicy, reasons []Reason) (blocking []Reason, downgraded []Downgraded, err error) {
	for _, reason := range reasons {
		decision, err := ApplyGuardrail(policy, reason)
		if err != nil {
			return nil, nil, err
		}
		if decision.Block {
			blocking = append(blocking, reason)
		} else {
			downgraded = append(downgraded, Downgraded{Reason: reason, Rationale: decision.Rationale})
		}
	}
	return blocking, downgraded, nil
}

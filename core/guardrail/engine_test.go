package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/davidahmann/weft/core/errors"
)

// reasonForCode builds a representative reason for each declared code,
// so table walks over AllReasonCodes exercise every constructor.
func reasonForCode(code ReasonCode) Reason {
	node := reasonNode()
	switch code {
	case ReasonMissingContextKey:
		return NewMissingContextKey(node, "billing_region")
	case ReasonContextBudgetExceeded:
		return NewContextBudgetExceeded(node, 2048, 1024)
	case ReasonOutputMissing:
		return NewOutputMissing(node, "summary_doc")
	case ReasonOutputInvalid:
		return NewOutputInvalid(node, "summary_doc", "required field title absent")
	case ReasonCapabilityUnknown:
		return NewCapabilityUnknown(node, "vector_index")
	case ReasonCapabilityUnavailable:
		return NewCapabilityUnavailable(node, "object_store")
	case ReasonUserOnlyDependency:
		return NewUserOnlyDependency(node)
	case ReasonInvariantViolation:
		return NewInvariantViolation(node, "event index moved backwards")
	case ReasonStorageCorruption:
		return NewStorageCorruption(node, "segment digest mismatch")
	case ReasonEvaluationError:
		return NewEvaluationError(node, "node handler returned no result")
	case ReasonMissingNotes:
		return NewMissingNotes(node)
	}
	panic("no fixture for reason code " + string(code))
}

func TestShouldBlockPerAutonomy(t *testing.T) {
	blocking := []Reason{NewMissingNotes(reasonNode())}

	cases := []struct {
		autonomy Autonomy
		reasons  []Reason
		want     bool
	}{
		{autonomy: AutonomyGuided, reasons: blocking, want: true},
		{autonomy: AutonomyGuided, reasons: nil, want: false},
		{autonomy: AutonomyStopOnUserDeps, reasons: blocking, want: true},
		{autonomy: AutonomyStopOnUserDeps, reasons: nil, want: false},
		{autonomy: AutonomyNeverStop, reasons: blocking, want: false},
		{autonomy: AutonomyNeverStop, reasons: nil, want: false},
	}
	for _, tc := range cases {
		got, err := ShouldBlock(tc.autonomy, tc.reasons)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "autonomy %q with %d reasons", tc.autonomy, len(tc.reasons))
	}
}

func TestShouldBlockRejectsUnknownAutonomy(t *testing.T) {
	_, err := ShouldBlock("cowboy", []Reason{NewMissingNotes(reasonNode())})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
	assert.Equal(t, "guardrail_autonomy_invalid", coreerrors.CodeOf(err))
}

func TestApplyGuardrailCoversEveryCodeAndPolicy(t *testing.T) {
	downgrades := map[RiskPolicy]map[ReasonCode]bool{
		RiskConservative: {},
		RiskBalanced:     {ReasonCapabilityUnknown: true},
		RiskAggressive:   {ReasonCapabilityUnknown: true, ReasonCapabilityUnavailable: true},
	}

	for policy, downgraded := range downgrades {
		for _, code := range AllReasonCodes {
			decision, err := ApplyGuardrail(policy, reasonForCode(code))
			require.NoError(t, err, "%s/%s", policy, code)

			wantBlock := !downgraded[code]
			assert.Equal(t, wantBlock, decision.Block, "%s/%s", policy, code)
			if wantBlock {
				assert.Empty(t, decision.Rationale, "%s/%s", policy, code)
			} else {
				assert.NotEmpty(t, decision.Rationale, "%s/%s", policy, code)
			}
		}
	}
}

func TestApplyGuardrailRejectsUnknownPolicy(t *testing.T) {
	_, err := ApplyGuardrail("reckless", NewMissingNotes(reasonNode()))
	require.Error(t, err)
	assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
	assert.Equal(t, "guardrail_policy_invalid", coreerrors.CodeOf(err))
}

func TestApplyGuardrailsPartitionsPreservingOrder(t *testing.T) {
	node := reasonNode()
	reasons := []Reason{
		NewCapabilityUnknown(node, "vector_index"),
		NewOutputMissing(node, "summary_doc"),
		NewCapabilityUnavailable(node, "object_store"),
		NewMissingNotes(node),
	}

	blocking, downgraded, err := ApplyGuardrails(RiskAggressive, reasons)
	require.NoError(t, err)

	require.Len(t, blocking, 2)
	assert.Equal(t, ReasonOutputMissing, blocking[0].Code)
	assert.Equal(t, ReasonMissingNotes, blocking[1].Code)

	require.Len(t, downgraded, 2)
	assert.Equal(t, ReasonCapabilityUnknown, downgraded[0].Reason.Code)
	assert.Equal(t, ReasonCapabilityUnavailable, downgraded[1].Reason.Code)
	for _, d := range downgraded {
		assert.NotEmpty(t, d.Rationale)
	}
}

func TestApplyGuardrailsUnderConservativeBlocksEverything(t *testing.T) {
	var reasons []Reason
	for _, code := range AllReasonCodes {
		reasons = append(reasons, reasonForCode(code))
	}

	blocking, downgraded, err := ApplyGuardrails(RiskConservative, reasons)
	require.NoError(t, err)
	assert.Len(t, blocking, len(AllReasonCodes))
	assert.Empty(t, downgraded)
}

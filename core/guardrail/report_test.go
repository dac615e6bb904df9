package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/ident"
	schemaguardrail "github.com/davidahmann/weft/core/schema/v1/guardrail"
)

func TestReasonToBlockerPointerShapes(t *testing.T) {
	node := reasonNode()
	wantKinds := map[ReasonCode]string{
		ReasonMissingContextKey:     "context_key",
		ReasonContextBudgetExceeded: "context_budget",
		ReasonOutputMissing:         "output_contract",
		ReasonOutputInvalid:         "output_contract",
		ReasonCapabilityUnknown:     "capability",
		ReasonCapabilityUnavailable: "capability",
		ReasonUserOnlyDependency:    "workflow_step",
		ReasonInvariantViolation:    "workflow_step",
		ReasonStorageCorruption:     "workflow_step",
		ReasonEvaluationError:       "workflow_step",
		ReasonMissingNotes:          "workflow_step",
	}

	for _, code := range AllReasonCodes {
		blocker := ReasonToBlocker(reasonForCode(code))
		assert.Equal(t, string(code), blocker.Code)
		assert.Equal(t, wantKinds[code], blocker.Pointer.Kind, "code %q", code)
		assert.NotEmpty(t, blocker.Message, "code %q", code)
	}

	key := ReasonToBlocker(NewMissingContextKey(node, "billing_region"))
	assert.Equal(t, "billing_region", key.Pointer.ContextKey)

	budget := ReasonToBlocker(NewContextBudgetExceeded(node, 2048, 1024))
	assert.Equal(t, int64(2048), budget.Pointer.UsedBytes)
	assert.Equal(t, int64(1024), budget.Pointer.LimitBytes)

	missing := ReasonToBlocker(NewOutputMissing(node, "summary_doc"))
	assert.Equal(t, "summary_doc", missing.Pointer.Contract)
	assert.Equal(t, "missing", missing.Pointer.Status)

	invalid := ReasonToBlocker(NewOutputInvalid(node, "summary_doc", "required field title absent"))
	assert.Equal(t, "invalid", invalid.Pointer.Status)
	assert.Contains(t, invalid.Message, "required field title absent")

	unavailable := ReasonToBlocker(NewCapabilityUnavailable(node, "object_store"))
	assert.Equal(t, "object_store", unavailable.Pointer.Capability)
	assert.Equal(t, "unavailable", unavailable.Pointer.Status)

	unknown := ReasonToBlocker(NewCapabilityUnknown(node, "vector_index"))
	assert.Equal(t, "unknown", unknown.Pointer.Status)

	step := ReasonToBlocker(NewUserOnlyDependency(node))
	assert.Equal(t, node.String(), step.Pointer.NodeID)

	anonymous := ReasonToBlocker(NewMissingNotes(ident.NodeID{}))
	assert.Empty(t, anonymous.Pointer.NodeID)
}

func TestBuildBlockerReportGolden(t *testing.T) {
	report, err := BuildBlockerReport([]Reason{
		NewUserOnlyDependency(ident.NodeID{}),
		NewMissingContextKey(ident.NodeID{}, "billing_region"),
		NewCapabilityUnavailable(ident.NodeID{}, "object_store"),
		NewContextBudgetExceeded(ident.NodeID{}, 2048, 1024),
	})
	require.NoError(t, err)

	raw, err := json.Marshal(report)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "blocker_report", raw)
}

func TestBuildBlockerReportSortsAndBounds(t *testing.T) {
	var reasons []Reason
	for i := 12; i >= 0; i-- {
		reasons = append(reasons, NewMissingContextKey(ident.NodeID{}, fmt.Sprintf("key_%02d", i)))
	}

	report, err := BuildBlockerReport(reasons)
	require.NoError(t, err)
	assert.Equal(t, 1, report.V)
	require.Len(t, report.Blockers, MaxReportBlockers)
	assert.Equal(t, 3, report.Omitted)

	assert.Equal(t, "key_00", report.Blockers[0].Pointer.ContextKey)
	assert.Equal(t, "key_09", report.Blockers[MaxReportBlockers-1].Pointer.ContextKey)
	for i := 1; i < len(report.Blockers); i++ {
		assert.Less(t, report.Blockers[i-1].Pointer.ContextKey, report.Blockers[i].Pointer.ContextKey)
	}
}

func TestBuildBlockerReportEmptyInputStaysRenderable(t *testing.T) {
	report, err := BuildBlockerReport(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.V)
	require.NotNil(t, report.Blockers)
	assert.Empty(t, report.Blockers)

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1,"blockers":[]}`, string(raw))
}

func TestBuildBlockerReportRejectsOversizedText(t *testing.T) {
	long := strings.Repeat("x", MaxBlockerMessageBytes+1)
	_, err := BuildBlockerReport([]Reason{NewInvariantViolation(ident.NodeID{}, long)})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
	assert.Equal(t, "guardrail_text_oversized", coreerrors.CodeOf(err))
}

func TestBuildBlockerReportIsOrderInsensitive(t *testing.T) {
	node := reasonNode()
	forward := []Reason{
		NewMissingContextKey(node, "alpha"),
		NewCapabilityUnknown(node, "vector_index"),
		NewMissingNotes(node),
	}
	backward := []Reason{forward[2], forward[1], forward[0]}

	a, err := BuildBlockerReport(forward)
	require.NoError(t, err)
	b, err := BuildBlockerReport(backward)
	require.NoError(t, err)

	rawA, err := json.Marshal(a)
	require.NoError(t, err)
	rawB, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(rawA), string(rawB))
}

func TestValidateReportAcceptsBuiltReports(t *testing.T) {
	var reasons []Reason
	for _, code := range AllReasonCodes {
		reasons = append(reasons, reasonForCode(code))
	}

	report, err := BuildBlockerReport(reasons)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Omitted)
	assert.NoError(t, ValidateReport(report))
}

func TestValidateReportRejectsMalformedReports(t *testing.T) {
	base := func(t *testing.T) schemaguardrail.BlockerReport {
		t.Helper()
		report, err := BuildBlockerReport([]Reason{
			NewMissingContextKey(ident.NodeID{}, "alpha"),
			NewMissingNotes(reasonNode()),
		})
		require.NoError(t, err)
		return report
	}

	cases := []struct {
		name     string
		mutate   func(*schemaguardrail.BlockerReport)
		wantCode string
	}{
		{
			name:     "wrong version",
			mutate:   func(r *schemaguardrail.BlockerReport) { r.V = 2 },
			wantCode: "guardrail_report_invalid",
		},
		{
			name: "too many blockers",
			mutate: func(r *schemaguardrail.BlockerReport) {
				for len(r.Blockers) <= MaxReportBlockers {
					r.Blockers = append(r.Blockers, r.Blockers[0])
				}
			},
			wantCode: "guardrail_report_invalid",
		},
		{
			name:     "negative omitted",
			mutate:   func(r *schemaguardrail.BlockerReport) { r.Omitted = -1 },
			wantCode: "guardrail_report_invalid",
		},
		{
			name:     "undeclared code",
			mutate:   func(r *schemaguardrail.BlockerReport) { r.Blockers[0].Code = "gremlins" },
			wantCode: "guardrail_report_invalid",
		},
		{
			name:     "undeclared pointer kind",
			mutate:   func(r *schemaguardrail.BlockerReport) { r.Blockers[0].Pointer.Kind = "vibes" },
			wantCode: "guardrail_report_invalid",
		},
		{
			name:     "empty message",
			mutate:   func(r *schemaguardrail.BlockerReport) { r.Blockers[0].Message = "" },
			wantCode: "guardrail_report_invalid",
		},
		{
			name: "out of order",
			mutate: func(r *schemaguardrail.BlockerReport) {
				r.Blockers[0], r.Blockers[1] = r.Blockers[1], r.Blockers[0]
			},
			wantCode: "guardrail_report_invalid",
		},
		{
			name: "oversized message",
			mutate: func(r *schemaguardrail.BlockerReport) {
				r.Blockers[0].Message = strings.Repeat("y", MaxBlockerMessageBytes+1)
			},
			wantCode: "guardrail_text_oversized",
		},
		{
			name: "oversized fix",
			mutate: func(r *schemaguardrail.BlockerReport) {
				r.Blockers[0].SuggestedFix = strings.Repeat("y", MaxSuggestedFixBytes+1)
			},
			wantCode: "guardrail_text_oversized",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := base(t)
			tc.mutate(&report)
			err := ValidateReport(report)
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, coreerrors.CodeOf(err))
		})
	}
}

func TestReasonToGapRecordsContinuation(t *testing.T) {
	r := NewCapabilityUnknown(reasonNode(), "vector_index")

	gap := ReasonToGap(r, "")
	assert.Equal(t, DeriveGapID(r.DedupeKey()).String(), gap.GapID)
	assert.Equal(t, GapSeverityCritical, gap.Severity)
	assert.Equal(t, string(ReasonCapabilityUnknown), gap.Reason)
	assert.Contains(t, gap.Summary, `"vector_index"`)
	assert.Contains(t, gap.Summary, "Execution continued")
	assert.NotContains(t, gap.Summary, "Downgraded")
	assert.Equal(t, GapUnresolved, gap.Resolution.State)
	assert.Empty(t, gap.Resolution.By)
	assert.Empty(t, gap.Resolution.EventID)

	disclosed := ReasonToGap(r, "balanced policy treats unknown capability as a warning")
	assert.Contains(t, disclosed.Summary, "Downgraded: balanced policy treats unknown capability as a warning.")
	assert.Equal(t, gap.GapID, disclosed.GapID)
}

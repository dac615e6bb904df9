package guardrail

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/ident"
)

func filledRaw(b byte) [ident.RawLen]byte {
	var raw [ident.RawLen]byte
	for i := range raw {
		raw[i] = b
	}
	return raw
}

func reasonNode() ident.NodeID {
	return ident.NewNodeID(filledRaw(0x5a))
}

func TestAllReasonCodesAreDeclaredOnce(t *testing.T) {
	require.Len(t, AllReasonCodes, 11)
	seen := make(map[ReasonCode]bool, len(AllReasonCodes))
	for _, code := range AllReasonCodes {
		assert.True(t, ValidReasonCode(code), "code %q", code)
		assert.False(t, seen[code], "code %q listed twice", code)
		seen[code] = true
	}
	assert.False(t, ValidReasonCode("out_of_coffee"))
	assert.False(t, ValidReasonCode(""))
}

func TestDetectBlockingReasonsOrdersSignalGroups(t *testing.T) {
	node := reasonNode()
	reasons, err := DetectBlockingReasons(Signals{
		NodeID:             node,
		MissingContextKeys: []string{"billing_region", "customer_tier"},
		ContextBytesUsed:   4096,
		ContextBytesLimit:  1024,
		OutputStatus:       OutputMissing,
		OutputContract:     "summary_doc",
		MissingNotes:       true,
	})
	require.NoError(t, err)
	require.Len(t, reasons, 5)

	assert.Equal(t, ReasonMissingContextKey, reasons[0].Code)
	assert.Equal(t, "billing_region", reasons[0].ContextKey)
	assert.Equal(t, ReasonMissingContextKey, reasons[1].Code)
	assert.Equal(t, "customer_tier", reasons[1].ContextKey)
	assert.Equal(t, ReasonContextBudgetExceeded, reasons[2].Code)
	assert.Equal(t, int64(4096), reasons[2].UsedBytes)
	assert.Equal(t, int64(1024), reasons[2].LimitBytes)
	assert.Equal(t, ReasonOutputMissing, reasons[3].Code)
	assert.Equal(t, "summary_doc", reasons[3].Contract)
	assert.Equal(t, ReasonMissingNotes, reasons[4].Code)
	for i, r := range reasons {
		assert.Equal(t, node, r.NodeID, "reason %d", i)
	}
}

func TestDetectBlockingReasonsQuietSignals(t *testing.T) {
	for _, status := range []OutputStatus{"", OutputNotRequired, OutputSatisfied} {
		reasons, err := DetectBlockingReasons(Signals{
			NodeID:            reasonNode(),
			ContextBytesUsed:  512,
			ContextBytesLimit: 1024,
			OutputStatus:      status,
		})
		require.NoError(t, err)
		assert.Empty(t, reasons, "status %q", status)
	}
}

func TestDetectBlockingReasonsIgnoresAbsentBudget(t *testing.T) {
	reasons, err := DetectBlockingReasons(Signals{
		NodeID:           reasonNode(),
		ContextBytesUsed: 1 << 30,
	})
	require.NoError(t, err)
	assert.Empty(t, reasons)
}

func TestDetectBlockingReasonsRejectsUnsafeIdentifiers(t *testing.T) {
	cases := []struct {
		name    string
		signals Signals
	}{
		{name: "context key with space", signals: Signals{MissingContextKeys: []string{"user name"}}},
		{name: "context key uppercase", signals: Signals{MissingContextKeys: []string{"Region"}}},
		{name: "context key empty", signals: Signals{MissingContextKeys: []string{""}}},
		{name: "context key with colon", signals: Signals{MissingContextKeys: []string{"a:b"}}},
		{name: "contract with dot", signals: Signals{OutputStatus: OutputMissing, OutputContract: "report.pdf"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DetectBlockingReasons(tc.signals)
			require.Error(t, err)
			assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
			assert.Equal(t, "guardrail_identifier_unsafe", coreerrors.CodeOf(err))
		})
	}
}

func TestDetectBlockingReasonsRejectsUnknownOutputStatus(t *testing.T) {
	_, err := DetectBlockingReasons(Signals{OutputStatus: "mostly_fine"})
	require.Error(t, err)
	assert.Equal(t, "guardrail_signal_invalid", coreerrors.CodeOf(err))
}

func TestDetectBlockingReasonsAllowsUnnamedContract(t *testing.T) {
	reasons, err := DetectBlockingReasons(Signals{OutputStatus: OutputInvalid})
	require.NoError(t, err)
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonOutputInvalid, reasons[0].Code)
	assert.Empty(t, reasons[0].Contract)
}

func TestDedupeKeyShapes(t *testing.T) {
	node := reasonNode()
	cases := []struct {
		name   string
		reason Reason
		want   string
	}{
		{name: "context key", reason: NewMissingContextKey(node, "billing_region"), want: "missing_context_key:" + node.String() + ":billing_region"},
		{name: "budget", reason: NewContextBudgetExceeded(node, 10, 5), want: "context_budget_exceeded:" + node.String()},
		{name: "output with contract", reason: NewOutputMissing(node, "summary_doc"), want: "output_missing:" + node.String() + ":summary_doc"},
		{name: "output without contract", reason: NewOutputMissing(node, ""), want: "output_missing:" + node.String()},
		{name: "capability without node", reason: NewCapabilityUnknown(ident.NodeID{}, "vector_index"), want: "capability_unknown:vector_index"},
		{name: "node only", reason: NewUserOnlyDependency(node), want: "user_only_dependency:" + node.String()},
		{name: "bare code", reason: NewMissingNotes(ident.NodeID{}), want: "missing_notes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.reason.DedupeKey())
		})
	}
}

func TestDeriveGapIDIsStableAndDomainSeparated(t *testing.T) {
	key := NewMissingNotes(reasonNode()).DedupeKey()

	first := DeriveGapID(key)
	second := DeriveGapID(key)
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first.String(), "gap_"))

	other := DeriveGapID(key + ":x")
	assert.NotEqual(t, first, other)

	sum := sha256.Sum256([]byte("wr_gap_v1:" + key))
	want := ident.NewGapID(ident.MustRaw(sum[:ident.RawLen]))
	assert.Equal(t, want, first)

	reparsed, err := ident.ParseGapID(first.String())
	require.NoError(t, err)
	assert.Equal(t, first, reparsed)
}

package guardrail

import (
	"crypto/sha256"
	"fmt"
	"strings"

	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/ident"
)

// ReasonCode enumerates every blocking cause. The set is closed: the
// mapping tables in this package cover each code exactly once, and a
// completeness test walks AllReasonCodes against every table.
type ReasonCode string

const (
	ReasonMissingContextKey     ReasonCode = "missing_context_key"
	ReasonContextBudgetExceeded ReasonCode = "context_budget_exceeded"
	ReasonOutputMissing         ReasonCode = "output_missing"
	ReasonOutputInvalid         ReasonCode = "output_invalid"
	ReasonCapabilityUnknown     ReasonCode = "capability_unknown"
	ReasonCapabilityUnavailable ReasonCode = "capability_unavailable"
	ReasonUserOnlyDependency    ReasonCode = "user_only_dependency"
	ReasonInvariantViolation    ReasonCode = "invariant_violation"
	ReasonStorageCorruption     ReasonCode = "storage_corruption"
	ReasonEvaluationError       ReasonCode = "evaluation_error"
	ReasonMissingNotes          ReasonCode = "missing_notes"
)

// AllReasonCodes lists every declared code in a stable order.
var AllReasonCodes = []ReasonCode{
	ReasonMissingContextKey,
	ReasonContextBudgetExceeded,
	ReasonOutputMissing,
	ReasonOutputInvalid,
	ReasonCapabilityUnknown,
	ReasonCapabilityUnavailable,
	ReasonUserOnlyDependency,
	ReasonInvariantViolation,
	ReasonStorageCorruption,
	ReasonEvaluationError,
	ReasonMissingNotes,
}

// ValidReasonCode reports whether code names a declared variant.
func ValidReasonCode(code ReasonCode) bool {
	for _, c := range AllReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Reason is one blocking cause with its variant payload. Build Reasons
// through the constructors or DetectBlockingReasons so the payload
// matches the code.
type Reason struct {
	Code ReasonCode

	ContextKey string
	UsedBytes  int64
	LimitBytes int64
	Contract   string
	Capability string
	NodeID     ident.NodeID
	Detail     string
}

func NewMissingContextKey(node ident.NodeID, key string) Reason {
	return Reason{Code: ReasonMissingContextKey, NodeID: node, ContextKey: key}
}

func NewContextBudgetExceeded(node ident.NodeID, used, limit int64) Reason {
	return Reason{Code: ReasonContextBudgetExceeded, NodeID: node, UsedBytes: used, LimitBytes: limit}
}

func NewOutputMissing(node ident.NodeID, contract string) Reason {
	return Reason{Code: ReasonOutputMissing, NodeID: node, Contract: contract}
}

func NewOutputInvalid(node ident.NodeID, contract, detail string) Reason {
	return Reason{Code: ReasonOutputInvalid, NodeID: node, Contract: contract, Detail: detail}
}

func NewCapabilityUnknown(node ident.NodeID, capability string) Reason {
	return Reason{Code: ReasonCapabilityUnknown, NodeID: node, Capability: capability}
}

func NewCapabilityUnavailable(node ident.NodeID, capability string) Reason {
	return Reason{Code: ReasonCapabilityUnavailable, NodeID: node, Capability: capability}
}

func NewUserOnlyDependency(node ident.NodeID) Reason {
	return Reason{Code: ReasonUserOnlyDependency, NodeID: node}
}

func NewInvariantViolation(node ident.NodeID, detail string) Reason {
	return Reason{Code: ReasonInvariantViolation, NodeID: node, Detail: detail}
}

func NewStorageCorruption(node ident.NodeID, detail string) Reason {
	return Reason{Code: ReasonStorageCorruption, NodeID: node, Detail: detail}
}

func NewEvaluationError(node ident.NodeID, detail string) Reason {
	return Reason{Code: ReasonEvaluationError, NodeID: node, Detail: detail}
}

func NewMissingNotes(node ident.NodeID) Reason {
	return Reason{Code: ReasonMissingNotes, NodeID: node}
}

// DedupeKey derives the stable key under which this reason's gap or
// event is deduplicated: the code, the node when scoped, and the
// discriminating identifier, joined by colons.
func (r Reason) DedupeKey() string {
	parts := []string{string(r.Code)}
	if !r.NodeID.IsZero() {
		parts = append(parts, r.NodeID.String())
	}
	switch r.Code {
	case ReasonMissingContextKey:
		parts = append(parts, r.ContextKey)
	case ReasonOutputMissing, ReasonOutputInvalid:
		if r.Contract != "" {
			parts = append(parts, r.Contract)
		}
	case ReasonCapabilityUnknown, ReasonCapabilityUnavailable:
		if r.Capability != "" {
			parts = append(parts, r.Capability)
		}
	}
	return strings.Join(parts, ":")
}

// gapDomain prefixes the hash input when deriving gap ids, keeping them
// disjoint from every other derived identifier.
const gapDomain = "wr_gap_v1:"

// DeriveGapID maps a dedupe key to its gap id. Re-recording the same
// gap always reproduces the same id.
func DeriveGapID(dedupeKey string) ident.GapID {
	sum := sha256.Sum256([]byte(gapDomain + dedupeKey))
	return ident.NewGapID(ident.MustRaw(sum[:ident.RawLen]))
}

// OutputStatus is the required-output signal a node reports.
type OutputStatus string

const (
	OutputNotRequired OutputStatus = "not_required"
	OutputSatisfied   OutputStatus = "satisfied"
	OutputMissing     OutputStatus = "missing"
	OutputInvalid     OutputStatus = "invalid"
)

// Signals is the raw per-node input to DetectBlockingReasons.
type Signals struct {
	NodeID ident.NodeID

	// MissingContextKeys lists required context keys absent at the
	// node; detection preserves their order.
	MissingContextKeys []string

	// ContextBytesLimit of 0 means no budget applies.
	ContextBytesUsed  int64
	ContextBytesLimit int64

	OutputStatus   OutputStatus
	OutputContract string

	MissingNotes bool
}

// DetectBlockingReasons converts signals into an ordered Reason list:
// missing context keys in input order, then the budget check, then the
// output status, then the missing-notes marker. Identifiers that later
// feed dedupe keys must match [a-z0-9_-]+; detection fails fast on
// anything else rather than producing an unkeyable reason.
func DetectBlockingReasons(signals Signals) ([]Reason, error) {
	var reasons []Reason

	for _, key := range signals.MissingContextKeys {
		if !identifierSafe(key) {
			return nil, unsafeIdentifier("context key", key)
		}
		reasons = append(reasons, NewMissingContextKey(signals.NodeID, key))
	}

	if signals.ContextBytesLimit > 0 && signals.ContextBytesUsed > signals.ContextBytesLimit {
		reasons = append(reasons, NewContextBudgetExceeded(signals.NodeID, signals.ContextBytesUsed, signals.ContextBytesLimit))
	}

	switch signals.OutputStatus {
	case "", OutputNotRequired, OutputSatisfied:
	case OutputMissing, OutputInvalid:
		if signals.OutputContract != "" && !identifierSafe(signals.OutputContract) {
			return nil, unsafeIdentifier("output contract", signals.OutputContract)
		}
		if signals.OutputStatus == OutputMissing {
			reasons = append(reasons, NewOutputMissing(signals.NodeID, signals.OutputContract))
		} else {
			reasons = append(reasons, NewOutputInvalid(signals.NodeID, signals.OutputContract, ""))
		}
	default:
		return nil, coreerrors.Wrap(
			fmt.Errorf("output status %q is not recognized", signals.OutputStatus),
			coreerrors.CategoryInvalidInput,
			"guardrail_signal_invalid",
			"report one of not_required, satisfied, missing, or invalid",
			false,
		)
	}

	if signals.MissingNotes {
		reasons = append(reasons, NewMissingNotes(signals.NodeID))
	}

	return reasons, nil
}

// identifierSafe reports whether s can embed in a dedupe key without
// colliding with the delimiter: lowercase alphanumerics, hyphen, and
// underscore only.
func identifierSafe(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func unsafeIdentifier(what, value string) error {
	return coreerrors.Wrap(
		fmt.Errorf("%s %q contains characters outside [a-z0-9_-]", what, value),
		coreerrors.CategoryInvalidInput,
		"guardrail_identifier_unsafe",
		"identifiers that feed dedupe keys must be lowercase alphanumerics, hyphen, or underscore",
		false,
	)
}

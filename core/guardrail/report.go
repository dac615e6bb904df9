package guardrail

import (
	"fmt"
	"sort"

	coreerrors "github.com/davidahmann/weft/core/errors"
	schemaguardrail "github.com/davidahmann/weft/core/schema/v1/guardrail"
)

// Byte and size caps on rendered blocker reports. Oversized text is
// rejected outright, never truncated, so a report either carries the
// full message or the caller learns to shorten it.
const (
	MaxBlockerMessageBytes = 512
	MaxSuggestedFixBytes   = 1024
	MaxReportBlockers      = 10
)

// Gap severity and resolution states.
const (
	GapSeverityCritical = "critical"
	GapUnresolved       = "unresolved"
	GapResolved         = "resolved"
)

// Pointer kinds.
const (
	pointerContextKey     = "context_key"
	pointerContextBudget  = "context_budget"
	pointerOutputContract = "output_contract"
	pointerCapability     = "capability"
	pointerWorkflowStep   = "workflow_step"
)

// ReasonToBlocker renders one reason as its blocker. The mapping is
// exhaustive over ReasonCode; an undeclared code panics.
func ReasonToBlocker(r Reason) schemaguardrail.Blocker {
	blocker := schemaguardrail.Blocker{
		Code:    string(r.Code),
		Message: messageFor(r),
	}
	if fix, ok := fixFor(r); ok {
		blocker.SuggestedFix = fix
	}

	switch r.Code {
	case ReasonMissingContextKey:
		blocker.Pointer = schemaguardrail.Pointer{Kind: pointerContextKey, ContextKey: r.ContextKey}
	case ReasonContextBudgetExceeded:
		blocker.Pointer = schemaguardrail.Pointer{Kind: pointerContextBudget, UsedBytes: r.UsedBytes, LimitBytes: r.LimitBytes}
	case ReasonOutputMissing:
		blocker.Pointer = schemaguardrail.Pointer{Kind: pointerOutputContract, Contract: r.Contract, Status: string(OutputMissing)}
	case ReasonOutputInvalid:
		blocker.Pointer = schemaguardrail.Pointer{Kind: pointerOutputContract, Contract: r.Contract, Status: string(OutputInvalid)}
	case ReasonCapabilityUnknown:
		blocker.Pointer = schemaguardrail.Pointer{Kind: pointerCapability, Capability: r.Capability, Status: "unknown"}
	case ReasonCapabilityUnavailable:
		blocker.Pointer = schemaguardrail.Pointer{Kind: pointerCapability, Capability: r.Capability, Status: "unavailable"}
	case ReasonUserOnlyDependency, ReasonInvariantViolation, ReasonStorageCorruption, ReasonEvaluationError, ReasonMissingNotes:
		blocker.Pointer = schemaguardrail.Pointer{Kind: pointerWorkflowStep, NodeID: nodeText(r)}
	default:
		panic(fmt.Sprintf("guardrail: reason code %q has no blocker mapping", r.Code))
	}
	return blocker
}

// ReasonToGap renders one reason as the gap recorded when execution
// continues past it. A non-empty rationale is disclosed in the summary
// so the downgrade stays visible in the durable record. The mapping is
// exhaustive over ReasonCode; an undeclared code panics.
func ReasonToGap(r Reason, rationale string) schemaguardrail.Gap {
	summary := messageFor(r) + " Execution continued without stopping."
	if rationale != "" {
		summary += " Downgraded: " + rationale + "."
	}
	return schemaguardrail.Gap{
		GapID:      DeriveGapID(r.DedupeKey()).String(),
		Severity:   GapSeverityCritical,
		Reason:     string(r.Code),
		Summary:    summary,
		Resolution: schemaguardrail.Resolution{State: GapUnresolved},
	}
}

// BuildBlockerReport renders reasons as a bounded report: map each
// reason, sort for reproducibility, then cap at MaxReportBlockers with
// the overflow counted in Omitted. A message or suggested fix over its
// byte budget fails the whole report.
func BuildBlockerReport(reasons []Reason) (schemaguardrail.BlockerReport, error) {
	blockers := make([]schemaguardrail.Blocker, 0, len(reasons))
	for _, r := range reasons {
		blocker := ReasonToBlocker(r)
		if len(blocker.Message) > MaxBlockerMessageBytes {
			return schemaguardrail.BlockerReport{}, oversized("message", len(blocker.Message), MaxBlockerMessageBytes)
		}
		if len(blocker.SuggestedFix) > MaxSuggestedFixBytes {
			return schemaguardrail.BlockerReport{}, oversized("suggested fix", len(blocker.SuggestedFix), MaxSuggestedFixBytes)
		}
		blockers = append(blockers, blocker)
	}

	sortBlockers(blockers)

	report := schemaguardrail.BlockerReport{V: 1, Blockers: blockers}
	if len(blockers) > MaxReportBlockers {
		report.Omitted = len(blockers) - MaxReportBlockers
		report.Blockers = blockers[:MaxReportBlockers]
	}
	return report, nil
}

// ValidateReport checks a durable blocker report: version, size cap,
// declared codes and pointer kinds, byte budgets, and sorted order.
func ValidateReport(report schemaguardrail.BlockerReport) error {
	if report.V != 1 {
		return invalidReport(fmt.Errorf("report version %d, want 1", report.V))
	}
	if len(report.Blockers) > MaxReportBlockers {
		return invalidReport(fmt.Errorf("report carries %d blockers, cap is %d", len(report.Blockers), MaxReportBlockers))
	}
	if report.Omitted < 0 {
		return invalidReport(fmt.Errorf("omitted count %d is negative", report.Omitted))
	}
	for i, b := range report.Blockers {
		if !ValidReasonCode(ReasonCode(b.Code)) {
			return invalidReport(fmt.Errorf("blocker %d code %q is not declared", i, b.Code))
		}
		switch b.Pointer.Kind {
		case pointerContextKey, pointerContextBudget, pointerOutputContract, pointerCapability, pointerWorkflowStep:
		default:
			return invalidReport(fmt.Errorf("blocker %d pointer kind %q is not declared", i, b.Pointer.Kind))
		}
		if b.Message == "" {
			return invalidReport(fmt.Errorf("blocker %d has an empty message", i))
		}
		if len(b.Message) > MaxBlockerMessageBytes {
			return oversized("message", len(b.Message), MaxBlockerMessageBytes)
		}
		if len(b.SuggestedFix) > MaxSuggestedFixBytes {
			return oversized("suggested fix", len(b.SuggestedFix), MaxSuggestedFixBytes)
		}
		if i > 0 && blockerLess(report.Blockers[i], report.Blockers[i-1]) {
			return invalidReport(fmt.Errorf("blockers %d and %d are out of sorted order", i-1, i))
		}
	}
	return nil
}

func sortBlockers(blockers []schemaguardrail.Blocker) {
	sort.SliceStable(blockers, func(i, j int) bool {
		return blockerLess(blockers[i], blockers[j])
	})
}

// blockerLess orders by code, then pointer kind, then each pointer
// field, then message, so equal inputs always render identically.
func blockerLess(a, b schemaguardrail.Blocker) bool {
	if a.Code != b.Code {
		return a.Code < b.Code
	}
	if a.Pointer.Kind != b.Pointer.Kind {
		return a.Pointer.Kind < b.Pointer.Kind
	}
	if a.Pointer.ContextKey != b.Pointer.ContextKey {
		return a.Pointer.ContextKey < b.Pointer.ContextKey
	}
	if a.Pointer.UsedBytes != b.Pointer.UsedBytes {
		return a.Pointer.UsedBytes < b.Pointer.UsedBytes
	}
	if a.Pointer.LimitBytes != b.Pointer.LimitBytes {
		return a.Pointer.LimitBytes < b.Pointer.LimitBytes
	}
	if a.Pointer.Contract != b.Pointer.Contract {
		return a.Pointer.Contract < b.Pointer.Contract
	}
	if a.Pointer.Status != b.Pointer.Status {
		return a.Pointer.Status < b.Pointer.Status
	}
	if a.Pointer.Capability != b.Pointer.Capability {
		return a.Pointer.Capability < b.Pointer.Capability
	}
	if a.Pointer.NodeID != b.Pointer.NodeID {
		return a.Pointer.NodeID < b.Pointer.NodeID
	}
	return a.Message < b.Message
}

func messageFor(r Reason) string {
	switch r.Code {
	case ReasonMissingContextKey:
		return fmt.Sprintf("Required context key %q has not been provided.", r.ContextKey)
	case ReasonContextBudgetExceeded:
		return fmt.Sprintf("Run context uses %d bytes, exceeding the %d byte budget.", r.UsedBytes, r.LimitBytes)
	case ReasonOutputMissing:
		if r.Contract == "" {
			return "A required output was not produced."
		}
		return fmt.Sprintf("The required output %q was not produced.", r.Contract)
	case ReasonOutputInvalid:
		base := "The produced output failed its contract."
		if r.Contract != "" {
			base = fmt.Sprintf("The output %q failed its contract.", r.Contract)
		}
		if r.Detail != "" {
			base += " " + r.Detail
		}
		return base
	case ReasonCapabilityUnknown:
		return fmt.Sprintf("Capability %q is not known to this runtime.", r.Capability)
	case ReasonCapabilityUnavailable:
		return fmt.Sprintf("Capability %q is currently unavailable.", r.Capability)
	case ReasonUserOnlyDependency:
		return "This step depends on an action only a person can perform."
	case ReasonInvariantViolation:
		return withDetail("An execution invariant was violated.", r.Detail)
	case ReasonStorageCorruption:
		return withDetail("The session store reported corruption.", r.Detail)
	case ReasonEvaluationError:
		return withDetail("Evaluating the step failed.", r.Detail)
	case ReasonMissingNotes:
		return "The step finished without the required operator notes."
	default:
		panic(fmt.Sprintf("guardrail: reason code %q has no message mapping", r.Code))
	}
}

func fixFor(r Reason) (string, bool) {
	switch r.Code {
	case ReasonMissingContextKey:
		return fmt.Sprintf("Provide a value for %q and resume the run.", r.ContextKey), true
	case ReasonContextBudgetExceeded:
		return "Trim or summarize the run context before resuming.", true
	case ReasonOutputMissing, ReasonOutputInvalid:
		return "Re-run the step, or correct its output contract.", true
	case ReasonCapabilityUnknown:
		return fmt.Sprintf("Register capability %q or remove the step that needs it.", r.Capability), true
	case ReasonCapabilityUnavailable:
		return fmt.Sprintf("Restore capability %q and resume the run.", r.Capability), true
	case ReasonMissingNotes:
		return "Add operator notes to the step and resume.", true
	case ReasonUserOnlyDependency, ReasonInvariantViolation, ReasonStorageCorruption, ReasonEvaluationError:
		return "", false
	default:
		panic(fmt.Sprintf("guardrail: reason code %q has no fix mapping", r.Code))
	}
}

func nodeText(r Reason) string {
	if r.NodeID.IsZero() {
		return ""
	}
	return r.NodeID.String()
}

func oversized(what string, got, limit int) error {
	return coreerrors.Wrap(
		fmt.Errorf("blocker %s is %d bytes, cap is %d", what, got, limit),
		coreerrors.CategoryInvalidInput,
		"guardrail_text_oversized",
		"shorten the text; oversized blocker text is rejected, never truncated",
		false,
	)
}

func invalidReport(cause error) error {
	return coreerrors.Wrap(
		cause,
		coreerrors.CategoryInvalidInput,
		"guardrail_report_invalid",
		"build reports with BuildBlockerReport rather than by hand",
		false,
	)
}

// Package guardrail holds the durable JSON shapes produced by the
// blocking-decision engine.
package guardrail

// Blocker is one actionable blocking condition surfaced to a human.
type Blocker struct {
	Code         string  `json:"code"`
	Pointer      Pointer `json:"pointer"`
	Message      string  `json:"message"`
	SuggestedFix string  `json:"suggestedFix,omitempty"`
}

// Pointer locates what a blocker is about. Kind selects the populated
// fields: context_key carries ContextKey; context_budget carries
// UsedBytes/LimitBytes; output_contract carries Contract/Status;
// capability carries Capability/Status; workflow_step carries NodeID.
type Pointer struct {
	Kind       string `json:"kind"`
	ContextKey string `json:"contextKey,omitempty"`
	UsedBytes  int64  `json:"usedBytes,omitempty"`
	LimitBytes int64  `json:"limitBytes,omitempty"`
	Contract   string `json:"contract,omitempty"`
	Status     string `json:"status,omitempty"`
	Capability string `json:"capability,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
}

// BlockerReport is the bounded, sorted set of blockers attached to an
// execution outcome. Omitted counts blockers dropped by the size cap.
type BlockerReport struct {
	V        int       `json:"v"`
	Blockers []Blocker `json:"blockers"`
	Omitted  int       `json:"omitted,omitempty"`
}

// Gap records a blocking condition that execution continued past.
type Gap struct {
	GapID      string     `json:"gapId"`
	Severity   string     `json:"severity"`
	Reason     string     `json:"reason"`
	Summary    string     `json:"summary"`
	Resolution Resolution `json:"resolution"`
}

// Resolution is the gap lifecycle state: unresolved, or resolved with
// attribution.
type Resolution struct {
	State   string `json:"state"`
	By      string `json:"by,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

package ident

// SessionID names one durable session and scopes its event log on disk.
type SessionID struct{ raw [RawLen]byte }

// NewSessionID wraps raw bytes as a session id.
func NewSessionID(raw [RawLen]byte) SessionID { return SessionID{raw: raw} }

// MintSessionID draws a fresh session id from src.
func MintSessionID(src IDSource) (SessionID, error) {
	raw, err := src.NewRawID()
	if err != nil {
		return SessionID{}, err
	}
	return SessionID{raw: raw}, nil
}

// ParseSessionID parses the "ses_" text form.
func ParseSessionID(text string) (SessionID, error) {
	raw, err := parseID("session", "ses", text)
	if err != nil {
		return SessionID{}, err
	}
	return SessionID{raw: raw}, nil
}

func (id SessionID) String() string    { return formatID("ses", id.raw) }
func (id SessionID) Raw() [RawLen]byte { return id.raw }
func (id SessionID) IsZero() bool      { return id.raw == [RawLen]byte{} }

// RunID names one workflow run within a session.
type RunID struct{ raw [RawLen]byte }

func NewRunID(raw [RawLen]byte) RunID { return RunID{raw: raw} }

func MintRunID(src IDSource) (RunID, error) {
	raw, err := src.NewRawID()
	if err != nil {
		return RunID{}, err
	}
	return RunID{raw: raw}, nil
}

func ParseRunID(text string) (RunID, error) {
	raw, err := parseID("run", "run", text)
	if err != nil {
		return RunID{}, err
	}
	return RunID{raw: raw}, nil
}

func (id RunID) String() string    { return formatID("run", id.raw) }
func (id RunID) Raw() [RawLen]byte { return id.raw }
func (id RunID) IsZero() bool      { return id.raw == [RawLen]byte{} }

// NodeID names one node of a compiled workflow graph.
type NodeID struct{ raw [RawLen]byte }

func NewNodeID(raw [RawLen]byte) NodeID { return NodeID{raw: raw} }

func MintNodeID(src IDSource) (NodeID, error) {
	raw, err := src.NewRawID()
	if err != nil {
		return NodeID{}, err
	}
	return NodeID{raw: raw}, nil
}

func ParseNodeID(text string) (NodeID, error) {
	raw, err := parseID("node", "node", text)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID{raw: raw}, nil
}

func (id NodeID) String() string    { return formatID("node", id.raw) }
func (id NodeID) Raw() [RawLen]byte { return id.raw }
func (id NodeID) IsZero() bool      { return id.raw == [RawLen]byte{} }

// AttemptID names one execution attempt of a node. Fresh attempts are
// minted; successor attempts are derived deterministically by the token
// package.
type AttemptID struct{ raw [RawLen]byte }

func NewAttemptID(raw [RawLen]byte) AttemptID { return AttemptID{raw: raw} }

func MintAttemptID(src IDSource) (AttemptID, error) {
	raw, err := src.NewRawID()
	if err != nil {
		return AttemptID{}, err
	}
	return AttemptID{raw: raw}, nil
}

func ParseAttemptID(text string) (AttemptID, error) {
	raw, err := parseID("attempt", "att", text)
	if err != nil {
		return AttemptID{}, err
	}
	return AttemptID{raw: raw}, nil
}

func (id AttemptID) String() string    { return formatID("att", id.raw) }
func (id AttemptID) Raw() [RawLen]byte { return id.raw }
func (id AttemptID) IsZero() bool      { return id.raw == [RawLen]byte{} }

// WorkflowHashRef is the 16-byte abbreviation of a workflow content
// digest, sized to fit a token payload block. It is always derived from
// the full digest, never minted.
type WorkflowHashRef struct{ raw [RawLen]byte }

func NewWorkflowHashRef(raw [RawLen]byte) WorkflowHashRef { return WorkflowHashRef{raw: raw} }

func ParseWorkflowHashRef(text string) (WorkflowHashRef, error) {
	raw, err := parseID("workflow hash", "wfh", text)
	if err != nil {
		return WorkflowHashRef{}, err
	}
	return WorkflowHashRef{raw: raw}, nil
}

func (id WorkflowHashRef) String() string    { return formatID("wfh", id.raw) }
func (id WorkflowHashRef) Raw() [RawLen]byte { return id.raw }
func (id WorkflowHashRef) IsZero() bool      { return id.raw == [RawLen]byte{} }

// EventID names one appended event.
type EventID struct{ raw [RawLen]byte }

func NewEventID(raw [RawLen]byte) EventID { return EventID{raw: raw} }

func MintEventID(src IDSource) (EventID, error) {
	raw, err := src.NewRawID()
	if err != nil {
		return EventID{}, err
	}
	return EventID{raw: raw}, nil
}

func ParseEventID(text string) (EventID, error) {
	raw, err := parseID("event", "evt", text)
	if err != nil {
		return EventID{}, err
	}
	return EventID{raw: raw}, nil
}

func (id EventID) String() string    { return formatID("evt", id.raw) }
func (id EventID) Raw() [RawLen]byte { return id.raw }
func (id EventID) IsZero() bool      { return id.raw == [RawLen]byte{} }

// GapID names one recorded gap. It is derived from the gap's dedupe key,
// never minted, so re-recording the same gap reuses the same id.
type GapID struct{ raw [RawLen]byte }

func NewGapID(raw [RawLen]byte) GapID { return GapID{raw: raw} }

func ParseGapID(text string) (GapID, error) {
	raw, err := parseID("gap", "gap", text)
	if err != nil {
		return GapID{}, err
	}
	return GapID{raw: raw}, nil
}

func (id GapID) String() string    { return formatID("gap", id.raw) }
func (id GapID) Raw() [RawLen]byte { return id.raw }
func (id GapID) IsZero() bool      { return id.raw == [RawLen]byte{} }

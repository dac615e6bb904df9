// Package session holds the durable JSON shapes written to a session's
// event log. Field names are part of the on-disk format and never
// change within v1.
package session

import "time"

// Event is one line of an events/NNNNNN.jsonl segment.
type Event struct {
	V          int            `json:"v"`
	EventID    string         `json:"eventId"`
	EventIndex uint64         `json:"eventIndex"`
	SessionID  string         `json:"sessionId"`
	Kind       string         `json:"kind"`
	DedupeKey  string         `json:"dedupeKey"`
	Scope      EventScope     `json:"scope"`
	Data       map[string]any `json:"data"`
}

// EventScope narrows an event to a run and optionally a node. Both
// fields are empty for session-wide events.
type EventScope struct {
	RunID  string `json:"runId,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
}

// ManifestRecord is one line of manifest.jsonl. Kind selects which of
// the optional field groups is populated; indexes start at 1 so a zero
// value always means absent.
type ManifestRecord struct {
	V             int    `json:"v"`
	ManifestIndex uint64 `json:"manifestIndex"`
	Kind          string `json:"kind"`

	// segment_closed
	FirstEventIndex uint64 `json:"firstEventIndex,omitempty"`
	LastEventIndex  uint64 `json:"lastEventIndex,omitempty"`
	SegmentRelPath  string `json:"segmentRelPath,omitempty"`
	SHA256          string `json:"sha256,omitempty"`
	Bytes           int64  `json:"bytes,omitempty"`

	// snapshot_pinned
	EventIndex       uint64 `json:"eventIndex,omitempty"`
	SnapshotRef      string `json:"snapshotRef,omitempty"`
	CreatedByEventID string `json:"createdByEventId,omitempty"`
}

// PreferencesPatch is the payload of a preferences_changed event: a
// partial override applied along the node ancestry chain.
type PreferencesPatch struct {
	Autonomy   string `json:"autonomy,omitempty"`
	RiskPolicy string `json:"riskPolicy,omitempty"`
}

// Preferences is a fully resolved autonomy/risk pair.
type Preferences struct {
	Autonomy   string `json:"autonomy"`
	RiskPolicy string `json:"riskPolicy"`
}

// LockMetadata is the JSON body of a session .lock file.
type LockMetadata struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

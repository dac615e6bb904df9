package sessionlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/davidahmann/weft/core/canon"
	"github.com/davidahmann/weft/core/fsx"
	"github.com/davidahmann/weft/core/guardrail"
	"github.com/davidahmann/weft/core/ident"
	schemaguardrail "github.com/davidahmann/weft/core/schema/v1/guardrail"
	schemasession "github.com/davidahmann/weft/core/schema/v1/session"
)

const maxDedupeKeyBytes = 256

// AppendOptions describes one event to append. Data holds the
// kind-specific payload object; nil means an empty object.
type AppendOptions struct {
	Kind      string
	DedupeKey string
	Scope     schemasession.EventScope
	Data      map[string]any
}

// AppendResult carries the appended event. Deduped is true when the
// dedupe key had already been recorded; Event is then the original
// event and nothing was written.
type AppendResult struct {
	Event   schemasession.Event
	Deduped bool
}

// Append validates and appends one event to the session's active
// segment, assigning the next eventIndex. Appending the same dedupe
// key again is idempotent. When the active segment crosses a size
// threshold it is closed afterwards, so an append may also grow the
// manifest.
func (s *Store) Append(lock *Lock, opts AppendOptions) (AppendResult, error) {
	if err := lock.live(); err != nil {
		return AppendResult{}, err
	}
	if opts.Data == nil {
		opts.Data = map[string]any{}
	}
	if err := validateScope(opts.Kind, opts.Scope); err != nil {
		return AppendResult{}, err
	}
	if err := validateDedupeKey(opts.DedupeKey); err != nil {
		return AppendResult{}, err
	}
	if err := validatePayload(opts.Kind, opts.Data); err != nil {
		return AppendResult{}, err
	}

	if prior, ok := lock.state.eventsByDedupe[opts.DedupeKey]; ok {
		return AppendResult{Event: prior, Deduped: true}, nil
	}

	eventID, err := ident.MintEventID(s.ids)
	if err != nil {
		return AppendResult{}, err
	}
	event := schemasession.Event{
		V:          SchemaVersion,
		EventID:    eventID.String(),
		EventIndex: lock.state.lastEventIndex + 1,
		SessionID:  lock.sessionID.String(),
		Kind:       opts.Kind,
		DedupeKey:  opts.DedupeKey,
		Scope:      opts.Scope,
		Data:       opts.Data,
	}

	line, err := encodeLine(event, "event")
	if err != nil {
		return AppendResult{}, err
	}
	segPath := s.segmentPath(lock.sessionID, lock.state.activeSegment)
	if err := fsx.AppendLineAtomic(segPath, string(line), fileMode); err != nil {
		return AppendResult{}, ioFailure(
			fmt.Errorf("append event to %s: %w", segPath, err),
			"event_append_failed",
			"check free space and permissions on the session directory",
		)
	}

	lock.state.lastEventIndex = event.EventIndex
	lock.state.eventsByDedupe[event.DedupeKey] = event
	if lock.state.activeFirstIndex == 0 {
		lock.state.activeFirstIndex = event.EventIndex
	}
	lock.state.activeEventCount++
	lock.state.activeBytes += int64(len(line)) + 1

	if lock.state.activeBytes >= s.segmentMaxBytes || lock.state.activeEventCount >= s.segmentMaxEvents {
		if _, err := s.closeActiveSegment(lock); err != nil {
			return AppendResult{}, err
		}
	}
	return AppendResult{Event: event}, nil
}

// RotateSegment closes the active segment regardless of its size. An
// empty active segment cannot be closed: closed segments always cover
// at least one event.
func (s *Store) RotateSegment(lock *Lock) (schemasession.ManifestRecord, error) {
	if err := lock.live(); err != nil {
		return schemasession.ManifestRecord{}, err
	}
	if lock.state.activeEventCount == 0 {
		return schemasession.ManifestRecord{}, invalidInput(
			fmt.Errorf("active segment of %s is empty", lock.sessionID),
			"segment_empty",
			"append at least one event before rotating",
		)
	}
	return s.closeActiveSegment(lock)
}

// closeActiveSegment digests the active segment's raw bytes, appends
// the segment_closed manifest record, and opens a fresh segment
// number. The segment file itself is never touched again.
func (s *Store) closeActiveSegment(lock *Lock) (schemasession.ManifestRecord, error) {
	number := lock.state.activeSegment
	segPath := s.segmentPath(lock.sessionID, number)
	content, err := os.ReadFile(segPath)
	if err != nil {
		return schemasession.ManifestRecord{}, ioFailure(
			fmt.Errorf("read segment for close: %w", err),
			"segment_read_failed",
			"check permissions on the session directory",
		)
	}
	sum := sha256.Sum256(content)

	record := schemasession.ManifestRecord{
		V:               SchemaVersion,
		ManifestIndex:   lock.state.lastManifestIndex + 1,
		Kind:            ManifestSegmentClosed,
		FirstEventIndex: lock.state.activeFirstIndex,
		LastEventIndex:  lock.state.lastEventIndex,
		SegmentRelPath:  segmentRelPath(number),
		SHA256:          hex.EncodeToString(sum[:]),
		Bytes:           int64(len(content)),
	}
	if err := s.appendManifestRecord(lock, record); err != nil {
		return schemasession.ManifestRecord{}, err
	}

	lock.state.activeSegment++
	lock.state.activeFirstIndex = 0
	lock.state.activeEventCount = 0
	lock.state.activeBytes = 0
	return record, nil
}

// PinResult carries the snapshot ref and the snapshot_taken event.
// Deduped is true when this exact snapshot content was already pinned;
// the store is then unchanged.
type PinResult struct {
	Ref     canon.Digest
	Event   schemasession.Event
	Deduped bool
}

// PinSnapshot content-addresses an execution snapshot into the shared
// object area, appends a snapshot_taken event for the run, and links
// both with a snapshot_pinned manifest record. Pinning identical
// content twice is idempotent; a hash collision with different bytes
// is corruption.
func (s *Store) PinSnapshot(lock *Lock, runID ident.RunID, snapshot canon.Value) (PinResult, error) {
	if err := lock.live(); err != nil {
		return PinResult{}, err
	}
	if runID.IsZero() {
		return PinResult{}, invalidInput(
			fmt.Errorf("run id is zero"),
			"run_id_missing",
			"pass the run the snapshot belongs to",
		)
	}

	content, err := canon.Canonicalize(snapshot)
	if err != nil {
		return PinResult{}, err
	}
	ref := canon.DigestCanonical(content)

	if err := os.MkdirAll(s.snapshotsDir(), dirMode); err != nil {
		return PinResult{}, ioFailure(
			fmt.Errorf("create snapshots directory: %w", err),
			"snapshot_dir_unwritable",
			"check permissions under the store root",
		)
	}
	if _, err := fsx.WriteFileOnce(s.snapshotPath(ref), content, fileMode); err != nil {
		if errors.Is(err, fsx.ErrConflict) {
			return PinResult{}, corrupt(
				fmt.Errorf("snapshot %s exists with different content", ref),
				"snapshot_pin_conflict",
			)
		}
		return PinResult{}, ioFailure(
			fmt.Errorf("write snapshot object: %w", err),
			"snapshot_write_failed",
			"check free space and permissions under the store root",
		)
	}

	appended, err := s.Append(lock, AppendOptions{
		Kind:      KindSnapshotTaken,
		DedupeKey: "snapshot:" + ref.Hex(),
		Scope:     schemasession.EventScope{RunID: runID.String()},
		Data:      map[string]any{"snapshotRef": ref.String()},
	})
	if err != nil {
		return PinResult{}, err
	}
	if appended.Deduped {
		return PinResult{Ref: ref, Event: appended.Event, Deduped: true}, nil
	}

	record := schemasession.ManifestRecord{
		V:                SchemaVersion,
		ManifestIndex:    lock.state.lastManifestIndex + 1,
		Kind:             ManifestSnapshotPinned,
		EventIndex:       appended.Event.EventIndex,
		SnapshotRef:      ref.String(),
		CreatedByEventID: appended.Event.EventID,
	}
	if err := s.appendManifestRecord(lock, record); err != nil {
		return PinResult{}, err
	}
	return PinResult{Ref: ref, Event: appended.Event}, nil
}

// LoadSnapshot reads a pinned snapshot back and verifies its bytes
// still hash to ref before returning them.
func (s *Store) LoadSnapshot(ref canon.Digest) (canon.CanonicalBytes, error) {
	content, err := os.ReadFile(s.snapshotPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ioFailure(
				fmt.Errorf("snapshot %s is not pinned in this store", ref),
				"snapshot_not_found",
				"pin the snapshot first or check the ref",
			)
		}
		return nil, ioFailure(
			fmt.Errorf("read snapshot object: %w", err),
			"snapshot_read_failed",
			"check permissions under the store root",
		)
	}
	if canon.DigestCanonical(canon.CanonicalBytes(content)) != ref {
		return nil, corrupt(
			fmt.Errorf("snapshot %s content does not match its ref", ref),
			"snapshot_digest_mismatch",
		)
	}
	return canon.CanonicalBytes(content), nil
}

func (s *Store) appendManifestRecord(lock *Lock, record schemasession.ManifestRecord) error {
	line, err := encodeLine(record, "manifest record")
	if err != nil {
		return err
	}
	manifestPath := s.manifestPath(lock.sessionID)
	if err := fsx.AppendLineAtomic(manifestPath, string(line), fileMode); err != nil {
		return ioFailure(
			fmt.Errorf("append manifest record to %s: %w", manifestPath, err),
			"manifest_append_failed",
			"check free space and permissions on the session directory",
		)
	}
	lock.state.lastManifestIndex = record.ManifestIndex
	return nil
}

// encodeLine renders a durable record as one canonical JSON line, so
// identical records always produce identical bytes on disk.
func encodeLine(record any, what string) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, invalidInput(
			fmt.Errorf("encode %s: %w", what, err),
			"record_unencodable",
			"payload values must be plain JSON-representable data",
		)
	}
	line, err := canon.CanonicalizeJSON(raw)
	if err != nil {
		return nil, err
	}
	return line, nil
}

func validateDedupeKey(key string) error {
	if key == "" {
		return invalidInput(
			fmt.Errorf("dedupe key is empty"),
			"dedupe_key_missing",
			"every event carries a dedupe key; derive one from the operation identity",
		)
	}
	if len(key) > maxDedupeKeyBytes {
		return invalidInput(
			fmt.Errorf("dedupe key is %d bytes, cap is %d", len(key), maxDedupeKeyBytes),
			"dedupe_key_oversized",
			"derive dedupe keys from identifiers, not payloads",
		)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ':':
		default:
			return invalidInput(
				fmt.Errorf("dedupe key %q contains characters outside [a-z0-9_:-]", key),
				"dedupe_key_invalid",
				"dedupe keys are lowercase alphanumerics, hyphen, underscore, and colon",
			)
		}
	}
	return nil
}

// validateScope checks scope ids and the per-kind scope requirements:
// context_set, blocker_report, and snapshot_taken are run-scoped;
// preferences_changed is node-scoped; gap_recorded may be session-wide.
func validateScope(kind string, scope schemasession.EventScope) error {
	if scope.RunID != "" {
		if _, err := ident.ParseRunID(scope.RunID); err != nil {
			return err
		}
	}
	if scope.NodeID != "" {
		if _, err := ident.ParseNodeID(scope.NodeID); err != nil {
			return err
		}
	}
	switch kind {
	case KindContextSet, KindBlockerReport, KindSnapshotTaken:
		if scope.RunID == "" {
			return invalidInput(
				fmt.Errorf("event kind %s requires scope.runId", kind),
				"event_scope_missing",
				"set Scope.RunID to the run this event belongs to",
			)
		}
	case KindPreferencesChanged:
		if scope.NodeID == "" {
			return invalidInput(
				fmt.Errorf("event kind %s requires scope.nodeId", kind),
				"event_scope_missing",
				"set Scope.NodeID to the node whose preferences change",
			)
		}
	case KindGapRecorded:
	default:
		return invalidInput(
			fmt.Errorf("event kind %q is not declared", kind),
			"event_kind_unknown",
			"use one of the declared event kinds",
		)
	}
	return nil
}

// validatePayload runs the kind-specific checks on the data object.
// context_set data is the run-context snapshot itself and is only
// required to be canonically encodable, which Append checks anyway.
func validatePayload(kind string, data map[string]any) error {
	switch kind {
	case KindContextSet:
		return nil
	case KindPreferencesChanged:
		return validatePreferencesPatch(data)
	case KindGapRecorded:
		return validateGapPayload(data)
	case KindBlockerReport:
		var report schemaguardrail.BlockerReport
		if err := decodeStrict(data, &report); err != nil {
			return invalidPayload(kind, err)
		}
		return guardrail.ValidateReport(report)
	case KindSnapshotTaken:
		refText, _ := data["snapshotRef"].(string)
		if _, err := canon.ParseDigest(refText); err != nil {
			return invalidPayload(kind, fmt.Errorf("snapshotRef: %w", err))
		}
		if len(data) != 1 {
			return invalidPayload(kind, fmt.Errorf("payload carries fields beyond snapshotRef"))
		}
		return nil
	default:
		return invalidInput(
			fmt.Errorf("event kind %q is not declared", kind),
			"event_kind_unknown",
			"use one of the declared event kinds",
		)
	}
}

func validatePreferencesPatch(data map[string]any) error {
	if len(data) == 0 {
		return invalidPayload(KindPreferencesChanged, fmt.Errorf("patch is empty"))
	}
	for key, value := range data {
		text, isString := value.(string)
		switch key {
		case "autonomy":
			if !isString || !guardrail.Autonomy(text).Valid() {
				return invalidPayload(KindPreferencesChanged, fmt.Errorf("autonomy %v is not a declared mode", value))
			}
		case "riskPolicy":
			if !isString || !guardrail.RiskPolicy(text).Valid() {
				return invalidPayload(KindPreferencesChanged, fmt.Errorf("riskPolicy %v is not a declared policy", value))
			}
		default:
			return invalidPayload(KindPreferencesChanged, fmt.Errorf("unknown field %q", key))
		}
	}
	return nil
}

func validateGapPayload(data map[string]any) error {
	var gap schemaguardrail.Gap
	if err := decodeStrict(data, &gap); err != nil {
		return invalidPayload(KindGapRecorded, err)
	}
	if _, err := ident.ParseGapID(gap.GapID); err != nil {
		return invalidPayload(KindGapRecorded, fmt.Errorf("gapId: %w", err))
	}
	if gap.Severity != guardrail.GapSeverityCritical {
		return invalidPayload(KindGapRecorded, fmt.Errorf("severity %q, want %q", gap.Severity, guardrail.GapSeverityCritical))
	}
	if !guardrail.ValidReasonCode(guardrail.ReasonCode(gap.Reason)) {
		return invalidPayload(KindGapRecorded, fmt.Errorf("reason %q is not a declared code", gap.Reason))
	}
	if gap.Summary == "" {
		return invalidPayload(KindGapRecorded, fmt.Errorf("summary is empty"))
	}
	switch gap.Resolution.State {
	case guardrail.GapUnresolved:
		if gap.Resolution.By != "" || gap.Resolution.EventID != "" {
			return invalidPayload(KindGapRecorded, fmt.Errorf("unresolved gap carries attribution"))
		}
	case guardrail.GapResolved:
		if gap.Resolution.By == "" {
			return invalidPayload(KindGapRecorded, fmt.Errorf("resolved gap missing by"))
		}
		if gap.Resolution.EventID != "" {
			if _, err := ident.ParseEventID(gap.Resolution.EventID); err != nil {
				return invalidPayload(KindGapRecorded, fmt.Errorf("resolution.eventId: %w", err))
			}
		}
	default:
		return invalidPayload(KindGapRecorded, fmt.Errorf("resolution state %q is not declared", gap.Resolution.State))
	}
	return nil
}

func invalidPayload(kind string, cause error) error {
	return invalidInput(
		fmt.Errorf("%s payload: %w", kind, cause),
		"event_payload_invalid",
		"fix the payload to the declared shape for this event kind",
	)
}

// decodeStrict round-trips a payload object into its declared struct,
// rejecting unknown fields.
func decodeStrict(data map[string]any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

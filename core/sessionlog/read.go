package sessionlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/weft/core/canon"
	"github.com/davidahmann/weft/core/fsx"
	"github.com/davidahmann/weft/core/ident"
	schemasession "github.com/davidahmann/weft/core/schema/v1/session"
)

// ReadManifest replays manifest.jsonl, validating contiguous
// manifestIndex from 1, the per-kind field groups, and recorded path
// safety. A missing manifest is an empty history, not an error.
func (s *Store) ReadManifest(sessionID ident.SessionID) ([]schemasession.ManifestRecord, error) {
	if sessionID.IsZero() {
		return nil, invalidInput(
			fmt.Errorf("session id is zero"),
			"session_id_missing",
			"mint or parse a session id before reading",
		)
	}
	manifestPath := s.manifestPath(sessionID)
	file, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioFailure(
			fmt.Errorf("open manifest %s: %w", manifestPath, err),
			"manifest_open_failed",
			"check permissions on the session directory",
		)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 128*1024), 8*1024*1024)
	lineNo := 0
	next := uint64(1)
	closedSegments := uint64(0)
	var lastClosedEnd uint64
	var records []schemasession.ManifestRecord

	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var record schemasession.ManifestRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, corrupt(fmt.Errorf("manifest line %d: %w", lineNo, err), "manifest_line_invalid")
		}
		if record.V != SchemaVersion {
			return nil, corrupt(fmt.Errorf("manifest line %d: version %d, want %d", lineNo, record.V, SchemaVersion), "manifest_version_invalid")
		}
		if record.ManifestIndex != next {
			return nil, corrupt(fmt.Errorf("manifest line %d: manifestIndex %d, want %d", lineNo, record.ManifestIndex, next), "manifest_index_break")
		}

		switch record.Kind {
		case ManifestSegmentClosed:
			closedSegments++
			if err := checkSegmentClosed(record, closedSegments, lastClosedEnd, lineNo); err != nil {
				return nil, err
			}
			lastClosedEnd = record.LastEventIndex
		case ManifestSnapshotPinned:
			if err := checkSnapshotPinned(record, lineNo); err != nil {
				return nil, err
			}
		default:
			return nil, corrupt(fmt.Errorf("manifest line %d: kind %q is not declared", lineNo, record.Kind), "manifest_kind_unknown")
		}

		records = append(records, record)
		next++
	}
	if err := scanner.Err(); err != nil {
		return nil, ioFailure(
			fmt.Errorf("read manifest %s: %w", manifestPath, err),
			"manifest_read_failed",
			"check the session directory for truncated files",
		)
	}
	return records, nil
}

func checkSegmentClosed(record schemasession.ManifestRecord, closedSegments, lastClosedEnd uint64, lineNo int) error {
	if _, err := fsx.ValidateRelPath(record.SegmentRelPath); err != nil {
		return corrupt(fmt.Errorf("manifest line %d: %w", lineNo, err), "manifest_path_invalid")
	}
	if record.SegmentRelPath != segmentRelPath(closedSegments) {
		return corrupt(
			fmt.Errorf("manifest line %d: segment path %q, want %q", lineNo, record.SegmentRelPath, segmentRelPath(closedSegments)),
			"manifest_segment_order",
		)
	}
	if record.FirstEventIndex == 0 || record.LastEventIndex < record.FirstEventIndex {
		return corrupt(
			fmt.Errorf("manifest line %d: event range [%d,%d] invalid", lineNo, record.FirstEventIndex, record.LastEventIndex),
			"manifest_range_invalid",
		)
	}
	if record.FirstEventIndex != lastClosedEnd+1 {
		return corrupt(
			fmt.Errorf("manifest line %d: segment starts at %d, previous closed at %d", lineNo, record.FirstEventIndex, lastClosedEnd),
			"manifest_range_break",
		)
	}
	if !isLowerHex64(record.SHA256) {
		return corrupt(fmt.Errorf("manifest line %d: sha256 %q malformed", lineNo, record.SHA256), "manifest_digest_invalid")
	}
	if record.Bytes <= 0 {
		return corrupt(fmt.Errorf("manifest line %d: byte count %d invalid", lineNo, record.Bytes), "manifest_bytes_invalid")
	}
	if record.EventIndex != 0 || record.SnapshotRef != "" || record.CreatedByEventID != "" {
		return corrupt(fmt.Errorf("manifest line %d: segment_closed carries snapshot fields", lineNo), "manifest_fields_mixed")
	}
	return nil
}

func checkSnapshotPinned(record schemasession.ManifestRecord, lineNo int) error {
	if record.EventIndex == 0 {
		return corrupt(fmt.Errorf("manifest line %d: snapshot_pinned missing eventIndex", lineNo), "manifest_range_invalid")
	}
	if _, err := canon.ParseDigest(record.SnapshotRef); err != nil {
		return corrupt(fmt.Errorf("manifest line %d: snapshotRef: %w", lineNo, err), "manifest_snapshot_ref_invalid")
	}
	if _, err := ident.ParseEventID(record.CreatedByEventID); err != nil {
		return corrupt(fmt.Errorf("manifest line %d: createdByEventId: %w", lineNo, err), "manifest_event_id_invalid")
	}
	if record.FirstEventIndex != 0 || record.LastEventIndex != 0 || record.SegmentRelPath != "" || record.SHA256 != "" || record.Bytes != 0 {
		return corrupt(fmt.Errorf("manifest line %d: snapshot_pinned carries segment fields", lineNo), "manifest_fields_mixed")
	}
	return nil
}

// ReadEvents replays every event for a session, closed segments first
// then the active one, re-validating the chain: contiguous eventIndex
// from 1, a consistent session identity, and closed-segment ranges
// matching the manifest. Reading takes no lock; the atomic write
// discipline means readers only ever observe complete lines.
func (s *Store) ReadEvents(sessionID ident.SessionID) ([]schemasession.Event, error) {
	manifest, err := s.ReadManifest(sessionID)
	if err != nil {
		return nil, err
	}

	next := uint64(1)
	var events []schemasession.Event
	closedSegments := uint64(0)
	for _, record := range manifest {
		if record.Kind != ManifestSegmentClosed {
			continue
		}
		closedSegments++
		segEvents, readErr := s.readSegmentFile(sessionID, record.SegmentRelPath, &next, false)
		if readErr != nil {
			return nil, readErr
		}
		if len(segEvents) == 0 {
			return nil, corrupt(
				fmt.Errorf("closed segment %s holds no events", record.SegmentRelPath),
				"segment_empty_closed",
			)
		}
		first := segEvents[0].EventIndex
		last := segEvents[len(segEvents)-1].EventIndex
		if first != record.FirstEventIndex || last != record.LastEventIndex {
			return nil, corrupt(
				fmt.Errorf("segment %s covers [%d,%d], manifest says [%d,%d]",
					record.SegmentRelPath, first, last, record.FirstEventIndex, record.LastEventIndex),
				"segment_range_mismatch",
			)
		}
		events = append(events, segEvents...)
	}

	activeEvents, err := s.readSegmentFile(sessionID, segmentRelPath(closedSegments+1), &next, true)
	if err != nil {
		return nil, err
	}
	return append(events, activeEvents...), nil
}

func (s *Store) readSegmentFile(sessionID ident.SessionID, rel string, next *uint64, active bool) ([]schemasession.Event, error) {
	full := filepath.Join(s.sessionDir(sessionID), filepath.FromSlash(rel))
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			if active {
				return nil, nil
			}
			return nil, corrupt(fmt.Errorf("segment %s named by manifest is missing", rel), "segment_missing")
		}
		return nil, ioFailure(
			fmt.Errorf("open segment %s: %w", rel, err),
			"segment_open_failed",
			"check permissions on the session directory",
		)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 128*1024), 8*1024*1024)
	lineNo := 0
	want := sessionID.String()
	var events []schemasession.Event

	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var event schemasession.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, corrupt(fmt.Errorf("segment %s line %d: %w", rel, lineNo, err), "event_line_invalid")
		}
		if event.V != SchemaVersion {
			return nil, corrupt(fmt.Errorf("segment %s line %d: version %d, want %d", rel, lineNo, event.V, SchemaVersion), "event_version_invalid")
		}
		if event.EventIndex != *next {
			return nil, corrupt(
				fmt.Errorf("segment %s line %d: eventIndex %d, want %d", rel, lineNo, event.EventIndex, *next),
				"event_index_break",
			)
		}
		if event.SessionID != want {
			return nil, corrupt(
				fmt.Errorf("segment %s line %d: sessionId %q does not match %q", rel, lineNo, event.SessionID, want),
				"event_session_mismatch",
			)
		}
		if _, err := ident.ParseEventID(event.EventID); err != nil {
			return nil, corrupt(fmt.Errorf("segment %s line %d: eventId: %w", rel, lineNo, err), "event_id_invalid")
		}
		events = append(events, event)
		*next++
	}
	if err := scanner.Err(); err != nil {
		return nil, ioFailure(
			fmt.Errorf("read segment %s: %w", rel, err),
			"segment_read_failed",
			"check the session directory for truncated files",
		)
	}
	return events, nil
}

// VerifySegments re-reads every closed segment and checks its size and
// raw SHA-256 against the manifest. It returns the number of segments
// verified.
func (s *Store) VerifySegments(sessionID ident.SessionID) (int, error) {
	manifest, err := s.ReadManifest(sessionID)
	if err != nil {
		return 0, err
	}
	verified := 0
	for _, record := range manifest {
		if record.Kind != ManifestSegmentClosed {
			continue
		}
		full := filepath.Join(s.sessionDir(sessionID), filepath.FromSlash(record.SegmentRelPath))
		content, readErr := os.ReadFile(full)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				return verified, corrupt(
					fmt.Errorf("segment %s named by manifest is missing", record.SegmentRelPath),
					"segment_missing",
				)
			}
			return verified, ioFailure(
				fmt.Errorf("read segment %s: %w", record.SegmentRelPath, readErr),
				"segment_read_failed",
				"check permissions on the session directory",
			)
		}
		if int64(len(content)) != record.Bytes {
			return verified, corrupt(
				fmt.Errorf("segment %s is %d bytes, manifest says %d", record.SegmentRelPath, len(content), record.Bytes),
				"segment_size_mismatch",
			)
		}
		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != record.SHA256 {
			return verified, corrupt(
				fmt.Errorf("segment %s digest does not match manifest", record.SegmentRelPath),
				"segment_digest_mismatch",
			)
		}
		verified++
	}
	return verified, nil
}

func isLowerHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Package sessionlog implements the per-session durable event store:
// an append-only log of canonical-JSON event lines in rotated segments,
// an append-only manifest indexing closed segments and pinned
// snapshots, and an exclusive per-session lock.
//
// Layout under the store root:
//
//	<root>/<sessionID>/events/000001.jsonl   closed and active segments
//	<root>/<sessionID>/manifest.jsonl        segment_closed / snapshot_pinned
//	<root>/<sessionID>/.lock                 exclusive session lock
//	<root>/objects/snapshots/<hex>.json      content-addressed snapshots
//
// Segments, once closed, are immutable and digested; the manifest and
// the active segment only ever grow. Every durable write goes through
// the fsx write-temp/fsync/rename discipline, so a crash leaves either
// the prior complete file or the new complete file.
package sessionlog

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/davidahmann/weft/core/canon"
	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/ident"
)

// SchemaVersion is the value of the "v" field in every durable record.
const SchemaVersion = 1

// Defaults applied by Open for zero-valued Options fields.
const (
	DefaultSegmentMaxBytes  = 1 << 20
	DefaultSegmentMaxEvents = 1024
	DefaultLockRetryAfter   = 250 * time.Millisecond
	DefaultLockStaleAfter   = 5 * time.Minute
)

const (
	segmentDirName   = "events"
	manifestFileName = "manifest.jsonl"
	lockFileName     = ".lock"
	objectsDirName   = "objects"
	snapshotsDirName = "snapshots"

	fileMode = os.FileMode(0o600)
	dirMode  = os.FileMode(0o700)
)

// Event kinds accepted by Append.
const (
	KindContextSet         = "context_set"
	KindPreferencesChanged = "preferences_changed"
	KindGapRecorded        = "gap_recorded"
	KindBlockerReport      = "blocker_report"
	KindSnapshotTaken      = "snapshot_taken"
)

// Manifest record kinds.
const (
	ManifestSegmentClosed  = "segment_closed"
	ManifestSnapshotPinned = "snapshot_pinned"
)

// Clock supplies the store's notion of now. Lock staleness decisions
// and lock metadata timestamps come from here, never from time.Now
// directly, so tests can drive them deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Options configures Open. Zero-valued fields fall back to the
// package defaults; Clock and IDs fall back to the system clock and
// random minting.
type Options struct {
	Root             string
	Clock            Clock
	IDs              ident.IDSource
	SegmentMaxBytes  int64
	SegmentMaxEvents int
	LockRetryAfter   time.Duration
	LockStaleAfter   time.Duration
}

// Store is a handle on one store root. It is safe for concurrent use
// across sessions; mutations within one session are serialized by the
// session lock.
type Store struct {
	root             string
	clock            Clock
	ids              ident.IDSource
	segmentMaxBytes  int64
	segmentMaxEvents int
	lockRetryAfter   time.Duration
	lockStaleAfter   time.Duration
}

// Open validates the root directory and returns a store handle,
// creating the root when absent.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, invalidInput(
			fmt.Errorf("store root is empty"),
			"store_root_missing",
			"set Options.Root to the store directory",
		)
	}
	if err := os.MkdirAll(opts.Root, dirMode); err != nil {
		return nil, ioFailure(
			fmt.Errorf("create store root %s: %w", opts.Root, err),
			"store_root_unwritable",
			"check permissions on the store root directory",
		)
	}

	s := &Store{
		root:             opts.Root,
		clock:            opts.Clock,
		ids:              opts.IDs,
		segmentMaxBytes:  opts.SegmentMaxBytes,
		segmentMaxEvents: opts.SegmentMaxEvents,
		lockRetryAfter:   opts.LockRetryAfter,
		lockStaleAfter:   opts.LockStaleAfter,
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.ids == nil {
		s.ids = ident.RandomSource{}
	}
	if s.segmentMaxBytes <= 0 {
		s.segmentMaxBytes = DefaultSegmentMaxBytes
	}
	if s.segmentMaxEvents <= 0 {
		s.segmentMaxEvents = DefaultSegmentMaxEvents
	}
	if s.lockRetryAfter <= 0 {
		s.lockRetryAfter = DefaultLockRetryAfter
	}
	if s.lockStaleAfter <= 0 {
		s.lockStaleAfter = DefaultLockStaleAfter
	}
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Sessions lists every session directory under the store root, in
// lexical order. Non-session entries such as objects/ are skipped.
func (s *Store) Sessions() ([]ident.SessionID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, ioFailure(
			fmt.Errorf("read store root %s: %w", s.root, err),
			"store_root_unreadable",
			"check permissions on the store root directory",
		)
	}
	var ids []ident.SessionID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, parseErr := ident.ParseSessionID(entry.Name())
		if parseErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) sessionDir(id ident.SessionID) string {
	return filepath.Join(s.root, id.String())
}

func (s *Store) segmentsDir(id ident.SessionID) string {
	return filepath.Join(s.sessionDir(id), segmentDirName)
}

func (s *Store) manifestPath(id ident.SessionID) string {
	return filepath.Join(s.sessionDir(id), manifestFileName)
}

func (s *Store) lockPath(id ident.SessionID) string {
	return filepath.Join(s.sessionDir(id), lockFileName)
}

func (s *Store) segmentPath(id ident.SessionID, number uint64) string {
	return filepath.Join(s.sessionDir(id), filepath.FromSlash(segmentRelPath(number)))
}

func (s *Store) snapshotsDir() string {
	return filepath.Join(s.root, objectsDirName, snapshotsDirName)
}

func (s *Store) snapshotPath(ref canon.Digest) string {
	return filepath.Join(s.snapshotsDir(), ref.Hex()+".json")
}

// segmentRelPath is the recorded, session-relative path of segment
// number n. Recorded paths always use forward slashes.
func segmentRelPath(n uint64) string {
	return path.Join(segmentDirName, fmt.Sprintf("%06d.jsonl", n))
}

func invalidInput(cause error, code, hint string) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryInvalidInput, code, hint, false)
}

func ioFailure(cause error, code, hint string) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryIOFailure, code, hint, false)
}

func corrupt(cause error, code string) error {
	return coreerrors.Wrap(
		cause,
		coreerrors.CategoryCorruption,
		code,
		"inspect the session directory and restore from backup; the log is never rewritten in place",
		false,
	)
}

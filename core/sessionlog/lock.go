package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/ident"
	schemasession "github.com/davidahmann/weft/core/schema/v1/session"
)

// Lock is the witness for exclusive ownership of one session. Every
// mutating operation takes a live witness; Release invalidates it for
// good, even if the same session is later locked again by another
// caller.
type Lock struct {
	store     *Store
	sessionID ident.SessionID
	path      string
	released  atomic.Bool
	state     *sessionState
}

// sessionState is the in-memory tail of the session, built once at
// Acquire and advanced by appends. It is only ever touched under the
// lock, so no further synchronization applies.
type sessionState struct {
	lastEventIndex    uint64
	lastManifestIndex uint64
	activeSegment     uint64
	activeFirstIndex  uint64
	activeEventCount  int
	activeBytes       int64
	eventsByDedupe    map[string]schemasession.Event
}

// Acquire takes the exclusive lock for sessionID without blocking. A
// held lock fails immediately with a retryable state_contention error
// carrying the configured retry hint; a stale lock (older than the
// configured window) is broken once and the acquire retried. On
// success the full session history is scanned and validated so the
// witness starts from a trusted tail.
func (s *Store) Acquire(sessionID ident.SessionID) (*Lock, error) {
	if sessionID.IsZero() {
		return nil, invalidInput(
			fmt.Errorf("session id is zero"),
			"session_id_missing",
			"mint or parse a session id before acquiring",
		)
	}
	if err := os.MkdirAll(s.segmentsDir(sessionID), dirMode); err != nil {
		return nil, ioFailure(
			fmt.Errorf("create session directory: %w", err),
			"session_dir_unwritable",
			"check permissions under the store root",
		)
	}

	lockPath := s.lockPath(sessionID)
	brokeStale := false
	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
		if err == nil {
			meta := schemasession.LockMetadata{PID: os.Getpid(), AcquiredAt: s.clock.Now().UTC()}
			if encoded, marshalErr := json.Marshal(meta); marshalErr == nil {
				_, _ = file.Write(append(encoded, '\n'))
			}
			_ = file.Close()
			break
		}
		if !os.IsExist(err) {
			return nil, ioFailure(
				fmt.Errorf("create session lock: %w", err),
				"session_lock_io",
				"check permissions on the session directory",
			)
		}
		if !brokeStale && s.lockIsStale(lockPath) {
			brokeStale = true
			_ = os.Remove(lockPath)
			continue
		}
		return nil, coreerrors.WrapRetryAfter(
			fmt.Errorf("session %s is locked by another writer", sessionID),
			coreerrors.CategoryStateContention,
			"session_lock_busy",
			"retry after the hinted delay; the store never queues waiters",
			s.lockRetryAfter,
		)
	}

	state, err := s.scanState(sessionID)
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, err
	}
	return &Lock{store: s, sessionID: sessionID, path: lockPath, state: state}, nil
}

// lockIsStale reports whether the lock file at lockPath is older than
// the stale window. The acquiredAt metadata is authoritative; when the
// body is unreadable (an interrupted writer can create the file
// without finishing it) the file mtime decides instead.
func (s *Store) lockIsStale(lockPath string) bool {
	now := s.clock.Now().UTC()
	if content, err := os.ReadFile(lockPath); err == nil {
		var meta schemasession.LockMetadata
		if json.Unmarshal(content, &meta) == nil && !meta.AcquiredAt.IsZero() {
			return now.Sub(meta.AcquiredAt) > s.lockStaleAfter
		}
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime().UTC()) > s.lockStaleAfter
}

// SessionID returns the session this witness locks.
func (l *Lock) SessionID() ident.SessionID { return l.sessionID }

// Release removes the lock file and invalidates the witness. The
// witness is marked invalid before the file is removed, so a crash in
// between leaves a lock file that stale recovery will break, never a
// usable witness without a lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l.released.Swap(true) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return ioFailure(
			fmt.Errorf("remove session lock: %w", err),
			"session_unlock_failed",
			"remove the .lock file by hand if it persists",
		)
	}
	return nil
}

func (l *Lock) live() error {
	if l.released.Load() {
		return invalidInput(
			fmt.Errorf("lock witness for %s was released", l.sessionID),
			"session_lock_released",
			"acquire the session again; witnesses do not survive release",
		)
	}
	return nil
}

// scanState replays the manifest and every segment to rebuild the
// session tail. Replay runs the full reader validation, so a corrupted
// session refuses to lock rather than appending past the damage.
func (s *Store) scanState(sessionID ident.SessionID) (*sessionState, error) {
	manifest, err := s.ReadManifest(sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return nil, err
	}

	state := &sessionState{
		activeSegment:  1,
		eventsByDedupe: make(map[string]schemasession.Event, len(events)),
	}
	var lastClosed uint64
	for _, record := range manifest {
		state.lastManifestIndex = record.ManifestIndex
		if record.Kind == ManifestSegmentClosed {
			state.activeSegment++
			lastClosed = record.LastEventIndex
		}
	}
	for _, event := range events {
		state.lastEventIndex = event.EventIndex
		state.eventsByDedupe[event.DedupeKey] = event
		if event.EventIndex > lastClosed {
			if state.activeFirstIndex == 0 {
				state.activeFirstIndex = event.EventIndex
			}
			state.activeEventCount++
		}
	}
	if info, statErr := os.Stat(s.segmentPath(sessionID, state.activeSegment)); statErr == nil {
		state.activeBytes = info.Size()
	}
	return state, nil
}

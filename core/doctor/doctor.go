// Package doctor runs health checks over a store root and its keyring,
// reporting damage and suggesting fix commands without repairing
// anything itself. Checks are read-only apart from a short-lived
// writability probe in the store root.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/weft/core/engineconfig"
	"github.com/davidahmann/weft/core/fsx"
	"github.com/davidahmann/weft/core/ident"
	"github.com/davidahmann/weft/core/keyring"
	"github.com/davidahmann/weft/core/schema/validate"
	schemasession "github.com/davidahmann/weft/core/schema/v1/session"
	"github.com/davidahmann/weft/core/sessionlog"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

const (
	manifestFileName = "manifest.jsonl"
	segmentDirName   = "events"
	lockFileName     = ".lock"
	probeFileName    = ".weft-doctor-writecheck"
)

// Options configures a doctor run. Zero-valued fields fall back to the
// engineconfig defaults, the store's stale-lock window, and the system
// clock.
type Options struct {
	StoreRoot       string
	KeyringPath     string
	ProducerVersion string
	LockStaleAfter  time.Duration
	Clock           sessionlog.Clock
}

type Result struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	NonFixable      bool     `json:"non_fixable"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func Run(opts Options) Result {
	storeRoot := strings.TrimSpace(opts.StoreRoot)
	if storeRoot == "" {
		storeRoot = engineconfig.DefaultStoreRoot
	}
	keyringPath := strings.TrimSpace(opts.KeyringPath)
	if keyringPath == "" {
		keyringPath = engineconfig.DefaultKeyringPath
	}
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = engineconfig.DefaultProducerVersion
	}
	staleAfter := opts.LockStaleAfter
	if staleAfter <= 0 {
		staleAfter = sessionlog.DefaultLockStaleAfter
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}

	rootCheck, store, sessions := scanStoreRoot(storeRoot, clock, staleAfter)
	checks := []Check{
		rootCheck,
		checkKeyring(keyringPath),
		checkManifests(store, sessions),
		checkSegmentDigests(store, sessions),
		checkRecordSchemas(store, sessions),
		checkTempFiles(store),
		checkLocks(store, sessions, clock, staleAfter),
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := statusPass
	if failed > 0 {
		status = statusFail
	} else if warned > 0 {
		status = statusWarn
	}

	sort.Strings(fixCommands)
	summary := fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable)

	return Result{
		SchemaID:        "weft.doctor.result",
		SchemaVersion:   "1.0.0",
		CreatedAt:       clock.Now().UTC().Format(time.RFC3339Nano),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         summary,
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

// scanStoreRoot checks the root directory itself and, when it is
// usable, opens a store handle and lists its sessions for the checks
// that follow. A missing root warns rather than fails: the store
// creates it on first open.
func scanStoreRoot(root string, clock sessionlog.Clock, staleAfter time.Duration) (Check, *sessionlog.Store, []ident.SessionID) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       "store_root",
				Status:     statusWarn,
				Message:    "store root does not exist yet; the first session creates it",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(root)),
			}, nil, nil
		}
		return Check{
			Name:    "store_root",
			Status:  statusFail,
			Message: fmt.Sprintf("store root not accessible: %v", err),
		}, nil, nil
	}
	if !info.IsDir() {
		return Check{
			Name:    "store_root",
			Status:  statusFail,
			Message: "store root is not a directory",
		}, nil, nil
	}
	probePath := filepath.Join(root, probeFileName)
	if err := os.WriteFile(probePath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       "store_root",
			Status:     statusFail,
			Message:    fmt.Sprintf("store root not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(root)),
		}, nil, nil
	}
	_ = os.Remove(probePath)

	store, err := sessionlog.Open(sessionlog.Options{Root: root, Clock: clock, LockStaleAfter: staleAfter})
	if err != nil {
		return Check{
			Name:    "store_root",
			Status:  statusFail,
			Message: fmt.Sprintf("open store: %v", err),
		}, nil, nil
	}
	sessions, err := store.Sessions()
	if err != nil {
		return Check{
			Name:    "store_root",
			Status:  statusFail,
			Message: fmt.Sprintf("list sessions: %v", err),
		}, nil, nil
	}
	return Check{
		Name:    "store_root",
		Status:  statusPass,
		Message: fmt.Sprintf("store root is writable (%d sessions)", len(sessions)),
	}, store, sessions
}

// checkKeyring validates the keyring file shape without creating or
// rewriting it. A missing file is healthy: the first token issue mints
// one.
func checkKeyring(path string) Check {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:    "keyring",
				Status:  statusPass,
				Message: "keyring not created yet; the first token issue mints one",
			}
		}
		return Check{
			Name:    "keyring",
			Status:  statusFail,
			Message: fmt.Sprintf("keyring not accessible: %v", err),
		}
	}
	k, err := keyring.LoadOrCreate(path, nil)
	if err != nil {
		return Check{
			Name:       "keyring",
			Status:     statusFail,
			Message:    fmt.Sprintf("keyring damaged: %v", err),
			NonFixable: true,
		}
	}
	if _, ok := k.PreviousKey(); ok {
		return Check{
			Name:    "keyring",
			Status:  statusPass,
			Message: "keyring holds current and previous keys",
		}
	}
	return Check{
		Name:    "keyring",
		Status:  statusPass,
		Message: "keyring holds a current key",
	}
}

// checkManifests replays every session manifest through the reader
// validation: contiguous indexes, per-kind field groups, recorded path
// safety.
func checkManifests(store *sessionlog.Store, sessions []ident.SessionID) Check {
	if store == nil {
		return Check{Name: "manifests", Status: statusPass, Message: "no store root to scan"}
	}
	var broken []string
	for _, id := range sessions {
		if _, err := store.ReadManifest(id); err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", id, err))
		}
	}
	if len(broken) > 0 {
		return Check{
			Name:       "manifests",
			Status:     statusFail,
			Message:    fmt.Sprintf("manifest replay failed: %s", strings.Join(broken, "; ")),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "manifests",
		Status:  statusPass,
		Message: fmt.Sprintf("%d session manifests replay cleanly", len(sessions)),
	}
}

// checkSegmentDigests re-reads every closed segment and compares its
// size and raw SHA-256 against the manifest record that sealed it.
func checkSegmentDigests(store *sessionlog.Store, sessions []ident.SessionID) Check {
	if store == nil {
		return Check{Name: "segment_digests", Status: statusPass, Message: "no store root to scan"}
	}
	verified := 0
	var broken []string
	for _, id := range sessions {
		n, err := store.VerifySegments(id)
		verified += n
		if err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", id, err))
		}
	}
	if len(broken) > 0 {
		return Check{
			Name:       "segment_digests",
			Status:     statusFail,
			Message:    fmt.Sprintf("segment verification failed: %s", strings.Join(broken, "; ")),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "segment_digests",
		Status:  statusPass,
		Message: fmt.Sprintf("%d closed segments match their recorded digests", verified),
	}
}

// checkRecordSchemas validates the record shapes the digest check
// cannot cover: manifest lines and the active segment, which is still
// growing and has no recorded digest yet.
func checkRecordSchemas(store *sessionlog.Store, sessions []ident.SessionID) Check {
	if store == nil {
		return Check{Name: "record_schemas", Status: statusPass, Message: "no store root to scan"}
	}
	sampled := 0
	var broken []string
	for _, id := range sessions {
		dir := filepath.Join(store.Root(), id.String())
		manifestPath := filepath.Join(dir, manifestFileName)
		if _, err := os.Stat(manifestPath); err == nil {
			sampled++
			if err := validate.ValidateJSONLFile(validate.ManifestRecord, manifestPath); err != nil {
				broken = append(broken, fmt.Sprintf("%s manifest: %v", id, err))
			}
		}
		segPath, ok := activeSegmentPath(dir)
		if !ok {
			continue
		}
		sampled++
		if err := validate.ValidateJSONLFile(validate.SessionEvent, segPath); err != nil {
			broken = append(broken, fmt.Sprintf("%s %s: %v", id, filepath.Base(segPath), err))
		}
	}
	if len(broken) > 0 {
		return Check{
			Name:       "record_schemas",
			Status:     statusFail,
			Message:    fmt.Sprintf("schema validation failed: %s", strings.Join(broken, "; ")),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "record_schemas",
		Status:  statusPass,
		Message: fmt.Sprintf("%d record files validate against the embedded schemas", sampled),
	}
}

// activeSegmentPath returns the highest-numbered segment file, the one
// appends are still rewriting.
func activeSegmentPath(sessionDir string) (string, bool) {
	entries, err := os.ReadDir(filepath.Join(sessionDir, segmentDirName))
	if err != nil {
		return "", false
	}
	last := ""
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if name > last {
			last = name
		}
	}
	if last == "" {
		return "", false
	}
	return filepath.Join(sessionDir, segmentDirName, last), true
}

// checkTempFiles walks the store for leftovers of interrupted atomic
// writes. Readers never observe them, so they warn rather than fail,
// but they accumulate until removed.
func checkTempFiles(store *sessionlog.Store) Check {
	if store == nil {
		return Check{Name: "temp_files", Status: statusPass, Message: "no store root to scan"}
	}
	orphans := 0
	_ = filepath.WalkDir(store.Root(), func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() && fsx.TempFilePattern(entry.Name()) {
			orphans++
		}
		return nil
	})
	if orphans > 0 {
		return Check{
			Name:       "temp_files",
			Status:     statusWarn,
			Message:    fmt.Sprintf("%d temp files left by interrupted writes", orphans),
			FixCommand: fmt.Sprintf("find %s -name '.*.tmp-*' -type f -delete", shellQuote(store.Root())),
		}
	}
	return Check{
		Name:    "temp_files",
		Status:  statusPass,
		Message: "no leftover temp files",
	}
}

// checkLocks reports lock files under the store. A fresh lock means a
// writer is live somewhere; one older than the stale window is left
// over from a crash and the next acquire on that session breaks it.
func checkLocks(store *sessionlog.Store, sessions []ident.SessionID, clock sessionlog.Clock, staleAfter time.Duration) Check {
	if store == nil {
		return Check{Name: "locks", Status: statusPass, Message: "no store root to scan"}
	}
	now := clock.Now().UTC()
	held := 0
	var stale []string
	for _, id := range sessions {
		path := filepath.Join(store.Root(), id.String(), lockFileName)
		age, ok := lockAge(path, now)
		if !ok {
			continue
		}
		if age > staleAfter {
			stale = append(stale, shellQuote(path))
		} else {
			held++
		}
	}
	if len(stale) > 0 {
		return Check{
			Name:       "locks",
			Status:     statusWarn,
			Message:    fmt.Sprintf("%d stale locks; the next acquire on each session breaks them", len(stale)),
			FixCommand: fmt.Sprintf("rm %s", strings.Join(stale, " ")),
		}
	}
	if held > 0 {
		return Check{
			Name:    "locks",
			Status:  statusPass,
			Message: fmt.Sprintf("%d locks held by live writers", held),
		}
	}
	return Check{
		Name:    "locks",
		Status:  statusPass,
		Message: "no session locks held",
	}
}

// lockAge mirrors the store's staleness rule: the acquiredAt metadata
// decides when readable, the file mtime otherwise.
func lockAge(path string, now time.Time) (time.Duration, bool) {
	if content, err := os.ReadFile(path); err == nil { // #nosec G304 -- path built from the store root.
		var meta schemasession.LockMetadata
		if json.Unmarshal(content, &meta) == nil && !meta.AcquiredAt.IsZero() {
			return now.Sub(meta.AcquiredAt), true
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return now.Sub(info.ModTime().UTC()), true
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

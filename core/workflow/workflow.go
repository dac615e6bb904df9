// Package workflow is the boundary with the external workflow compiler.
// The core never interprets node semantics: it schema-checks the
// compiler's snapshot JSON, derives its content hash, and pins the
// canonical bytes write-once into the shared object area so the same
// hash always resolves to the same workflow after a restart.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/weft/core/canon"
	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/fsx"
	"github.com/davidahmann/weft/core/ident"
	"github.com/davidahmann/weft/core/schema/validate"
	schemaworkflow "github.com/davidahmann/weft/core/schema/v1/workflow"
)

const (
	objectsDirName   = "objects"
	workflowsDirName = "workflows"

	dirMode  = 0o750
	fileMode = 0o600
)

// Intake is a schema-checked compiled workflow together with its
// canonical bytes and content hash. The hash is the workflow's
// identity everywhere downstream, including state tokens.
type Intake struct {
	Hash      canon.Digest
	Canonical canon.CanonicalBytes
	Doc       schemaworkflow.CompiledWorkflow
}

// IntakeCompiledWorkflow accepts the compiler's JSON snapshot.
// Validation happens on the raw bytes so a malformed snapshot is
// rejected before anything about it is hashed or decoded.
func IntakeCompiledWorkflow(raw []byte) (Intake, error) {
	if err := validate.ValidateJSON(validate.CompiledWorkflow, raw); err != nil {
		return Intake{}, formatInvalid(
			err,
			"workflow_schema_invalid",
			"regenerate the snapshot with a current compiler",
		)
	}
	canonical, err := canon.CanonicalizeJSON(raw)
	if err != nil {
		return Intake{}, err
	}
	var doc schemaworkflow.CompiledWorkflow
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Intake{}, formatInvalid(
			fmt.Errorf("decode compiled workflow: %w", err),
			"workflow_decode_failed",
			"regenerate the snapshot with a current compiler",
		)
	}
	return Intake{
		Hash:      canon.DigestCanonical(canonical),
		Canonical: canonical,
		Doc:       doc,
	}, nil
}

// WorkflowHashRefFromHash abbreviates a workflow hash to the first 16
// raw digest bytes, the id form sized for a token payload block.
func WorkflowHashRefFromHash(hash canon.Digest) (ident.WorkflowHashRef, error) {
	sum, err := hash.Sum256()
	if err != nil {
		return ident.WorkflowHashRef{}, err
	}
	var raw [ident.RawLen]byte
	copy(raw[:], sum[:ident.RawLen])
	return ident.NewWorkflowHashRef(raw), nil
}

// ExecutionSnapshotValue schema-checks the typed snapshot envelope and
// converts it to the canonical value form the session store pins. The
// returned ref equals the SnapshotRef PinSnapshot computes for the
// value, so callers can know the address before writing anything.
func ExecutionSnapshotValue(snapshot schemaworkflow.ExecutionSnapshot) (canon.Value, canon.Digest, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, "", formatInvalid(
			fmt.Errorf("encode execution snapshot: %w", err),
			"snapshot_encode_failed",
			"snapshot state must be plain JSON data",
		)
	}
	if err := validate.ValidateJSON(validate.ExecutionSnapshot, raw); err != nil {
		return nil, "", formatInvalid(
			err,
			"snapshot_schema_invalid",
			"fill every envelope field before pinning",
		)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, "", formatInvalid(
			fmt.Errorf("reload execution snapshot: %w", err),
			"snapshot_encode_failed",
			"snapshot state must be plain JSON data",
		)
	}
	value, err := canon.FromAny(plain)
	if err != nil {
		return nil, "", err
	}
	ref, err := canon.DigestValue(value)
	if err != nil {
		return nil, "", err
	}
	return value, ref, nil
}

// Store pins compiled workflows under the same root the session store
// uses, in a workflows/ area beside its snapshots.
type Store struct {
	root string
}

// Open validates the root path. The object area itself is created
// lazily on the first pin.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, invalidInput(
			fmt.Errorf("store root is empty"),
			"store_root_missing",
			"pass the directory that holds the object area",
		)
	}
	return &Store{root: root}, nil
}

// PinResult reports where an intake was pinned. Deduped is set when
// identical content was already present.
type PinResult struct {
	Hash    canon.Digest
	Deduped bool
}

// PinWorkflow persists the intake's canonical bytes write-once at
// objects/workflows/<hex>.json. Pinning identical content twice is
// idempotent; different bytes behind the same hash is corruption.
func (s *Store) PinWorkflow(intake Intake) (PinResult, error) {
	if intake.Hash == "" || len(intake.Canonical) == 0 {
		return PinResult{}, invalidInput(
			fmt.Errorf("intake carries no canonical content"),
			"workflow_intake_empty",
			"pass the result of IntakeCompiledWorkflow",
		)
	}
	if canon.DigestCanonical(intake.Canonical) != intake.Hash {
		return PinResult{}, invalidInput(
			fmt.Errorf("intake hash does not match its canonical bytes"),
			"workflow_intake_mismatched",
			"pass the result of IntakeCompiledWorkflow unmodified",
		)
	}
	if err := os.MkdirAll(s.workflowsDir(), dirMode); err != nil {
		return PinResult{}, ioFailure(
			fmt.Errorf("create workflows directory: %w", err),
			"workflow_dir_unwritable",
			"check permissions under the store root",
		)
	}
	wrote, err := fsx.WriteFileOnce(s.workflowPath(intake.Hash), intake.Canonical, fileMode)
	if err != nil {
		if errors.Is(err, fsx.ErrConflict) {
			return PinResult{}, corrupt(
				fmt.Errorf("workflow %s exists with different content", intake.Hash),
				"workflow_pin_conflict",
			)
		}
		return PinResult{}, ioFailure(
			fmt.Errorf("write workflow object: %w", err),
			"workflow_write_failed",
			"check free space and permissions under the store root",
		)
	}
	return PinResult{Hash: intake.Hash, Deduped: !wrote}, nil
}

// LoadWorkflow reads a pinned workflow back, verifies its bytes still
// hash to hash, and decodes the envelope.
func (s *Store) LoadWorkflow(hash canon.Digest) (Intake, error) {
	content, err := os.ReadFile(s.workflowPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return Intake{}, ioFailure(
				fmt.Errorf("workflow %s is not pinned in this store", hash),
				"workflow_not_found",
				"pin the workflow first or check the hash",
			)
		}
		return Intake{}, ioFailure(
			fmt.Errorf("read workflow object: %w", err),
			"workflow_read_failed",
			"check permissions under the store root",
		)
	}
	canonical := canon.CanonicalBytes(content)
	if canon.DigestCanonical(canonical) != hash {
		return Intake{}, corrupt(
			fmt.Errorf("workflow %s content does not match its hash", hash),
			"workflow_digest_mismatch",
		)
	}
	var doc schemaworkflow.CompiledWorkflow
	if err := json.Unmarshal(content, &doc); err != nil {
		return Intake{}, corrupt(
			fmt.Errorf("decode pinned workflow: %w", err),
			"workflow_object_invalid",
		)
	}
	return Intake{Hash: hash, Canonical: canonical, Doc: doc}, nil
}

func (s *Store) workflowsDir() string {
	return filepath.Join(s.root, objectsDirName, workflowsDirName)
}

func (s *Store) workflowPath(hash canon.Digest) string {
	return filepath.Join(s.workflowsDir(), hash.Hex()+".json")
}

func invalidInput(cause error, code, hint string) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryInvalidInput, code, hint, false)
}

func formatInvalid(cause error, code, hint string) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryFormatInvalid, code, hint, false)
}

func ioFailure(cause error, code, hint string) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryIOFailure, code, hint, false)
}

func corrupt(cause error, code string) error {
	return coreerrors.Wrap(
		cause,
		coreerrors.CategoryCorruption,
		code,
		"inspect the object area and restore from backup; pinned objects are never rewritten in place",
		false,
	)
}

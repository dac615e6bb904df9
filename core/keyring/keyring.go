// Package keyring manages the HMAC keys behind resumption tokens: one
// current signing key and at most one previous key, kept so tokens
// signed just before a rotation still verify.
package keyring

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/fsx"
)

const (
	// KeyLen is the exact byte length of every signing key.
	KeyLen = 32

	// Alg is the only algorithm a v1 keyring file may carry.
	Alg = "hmac_sha256"

	fileVersion = 1
	fileMode    = 0o600
)

// fileShape mirrors the on-disk JSON exactly. Previous is serialized
// even when nil so the file always shows all three fields.
type fileShape struct {
	V        int        `json:"v"`
	Current  *fileEntry `json:"current"`
	Previous *fileEntry `json:"previous"`
}

type fileEntry struct {
	Alg          string `json:"alg"`
	KeyBase64URL string `json:"keyBase64Url"`
}

// Keyring holds the decoded keys and persists every change through the
// crash-safe write path before exposing it.
type Keyring struct {
	path     string
	entropy  io.Reader
	current  []byte
	previous []byte
}

// LoadOrCreate opens the keyring at path, minting and persisting a
// fresh key when the file does not exist. An existing file is validated
// strictly: any shape deviation fails closed as corruption and is never
// silently regenerated. A nil entropy reader falls back to crypto/rand.
func LoadOrCreate(path string, entropy io.Reader) (*Keyring, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	k := &Keyring{path: path, entropy: entropy}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, coreerrors.Wrap(
				fmt.Errorf("read keyring %s: %w", path, err),
				coreerrors.CategoryIOFailure,
				"keyring_read_failed",
				"check permissions on the keyring file",
				false,
			)
		}
		key, err := k.mintKey()
		if err != nil {
			return nil, err
		}
		k.current = key
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}

	shape, err := parseStrict(raw)
	if err != nil {
		return nil, err
	}
	k.current, err = decodeKey(shape.Current)
	if err != nil {
		return nil, err
	}
	if shape.Previous != nil {
		k.previous, err = decodeKey(shape.Previous)
		if err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Rotate demotes the current key to previous and mints a fresh current
// key. The new state is persisted before it takes effect in memory, so
// a failed rotation leaves the keyring unchanged.
func (k *Keyring) Rotate() error {
	fresh, err := k.mintKey()
	if err != nil {
		return err
	}
	next := fileShape{
		V:        fileVersion,
		Current:  &fileEntry{Alg: Alg, KeyBase64URL: encodeKey(fresh)},
		Previous: &fileEntry{Alg: Alg, KeyBase64URL: encodeKey(k.current)},
	}
	if err := k.write(next); err != nil {
		return err
	}
	k.previous = k.current
	k.current = fresh
	return nil
}

// CurrentKey returns a copy of the active signing key.
func (k *Keyring) CurrentKey() []byte {
	return append([]byte(nil), k.current...)
}

// PreviousKey returns a copy of the retired key, when one exists.
func (k *Keyring) PreviousKey() ([]byte, bool) {
	if k.previous == nil {
		return nil, false
	}
	return append([]byte(nil), k.previous...), true
}

// Path returns the keyring file location.
func (k *Keyring) Path() string {
	return k.path
}

func (k *Keyring) mintKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(k.entropy, key); err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("mint signing key: %w", err),
			coreerrors.CategoryCryptoFailed,
			"keyring_entropy_failed",
			"the entropy source could not supply 32 bytes",
			false,
		)
	}
	return key, nil
}

func (k *Keyring) persist() error {
	shape := fileShape{
		V:       fileVersion,
		Current: &fileEntry{Alg: Alg, KeyBase64URL: encodeKey(k.current)},
	}
	if k.previous != nil {
		shape.Previous = &fileEntry{Alg: Alg, KeyBase64URL: encodeKey(k.previous)}
	}
	return k.write(shape)
}

func (k *Keyring) write(shape fileShape) error {
	data, err := json.Marshal(shape)
	if err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("marshal keyring: %w", err),
			coreerrors.CategoryInternalFailure,
			"keyring_marshal_failed",
			"report this: the keyring shape failed to serialize",
			false,
		)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("create keyring directory: %w", err),
			coreerrors.CategoryIOFailure,
			"keyring_write_failed",
			"check permissions on the store root",
			false,
		)
	}
	if err := fsx.WriteFileAtomic(k.path, append(data, '\n'), fileMode); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("write keyring %s: %w", k.path, err),
			coreerrors.CategoryIOFailure,
			"keyring_write_failed",
			"check permissions on the store root",
			false,
		)
	}
	return nil
}

func parseStrict(raw []byte) (fileShape, error) {
	var shape fileShape
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&shape); err != nil {
		return fileShape{}, corrupt(fmt.Errorf("parse keyring: %w", err))
	}
	if dec.More() {
		return fileShape{}, corrupt(fmt.Errorf("trailing content after keyring document"))
	}
	if shape.V != fileVersion {
		return fileShape{}, corrupt(fmt.Errorf("keyring version %d, want %d", shape.V, fileVersion))
	}
	if shape.Current == nil {
		return fileShape{}, corrupt(fmt.Errorf("keyring has no current key"))
	}
	return shape, nil
}

func decodeKey(entry *fileEntry) ([]byte, error) {
	if entry.Alg != Alg {
		return nil, corrupt(fmt.Errorf("keyring algorithm %q, want %q", entry.Alg, Alg))
	}
	key, err := base64.RawURLEncoding.DecodeString(entry.KeyBase64URL)
	if err != nil {
		return nil, corrupt(fmt.Errorf("decode keyring key: %w", err))
	}
	if len(key) != KeyLen {
		return nil, corrupt(fmt.Errorf("keyring key length %d, want %d", len(key), KeyLen))
	}
	return key, nil
}

func encodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

func corrupt(cause error) error {
	return coreerrors.Wrap(
		cause,
		coreerrors.CategoryCorruption,
		"keyring_corrupt",
		"the keyring file is damaged; restore it from backup rather than deleting it",
		false,
	)
}

// Package canon produces the canonical byte form of JSON documents
// (RFC 8785 / JCS) and the sha256 content addresses derived from it.
// Canonical bytes are the only thing this repository ever hashes, so
// equal documents yield equal digests no matter how they were built.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"

	coreerrors "github.com/davidahmann/weft/core/errors"
)

// CanonicalBytes holds RFC 8785 output. Treat it as produced only by
// Canonicalize or CanonicalizeJSON; hashing anything else breaks the
// equal-document equal-digest guarantee.
type CanonicalBytes []byte

// maxDepth bounds nesting during validation walks so cyclic or
// adversarially deep documents fail instead of exhausting the stack.
const maxDepth = 512

// Canonicalize renders v as RFC 8785 canonical JSON. NaN and infinite
// numbers, invalid UTF-8, and nesting beyond maxDepth are rejected.
func Canonicalize(v Value) (CanonicalBytes, error) {
	plain, err := toPlain(v, 0)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("marshal validated value: %w", err),
			coreerrors.CategoryInternalFailure,
			"canon_marshal_failed",
			"report this: a validated value failed to serialize",
			false,
		)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("canonicalize: %w", err),
			coreerrors.CategoryFormatInvalid,
			"canon_transform_failed",
			"the document is outside the canonical JSON subset",
			false,
		)
	}
	return CanonicalBytes(out), nil
}

// CanonicalizeJSON renders already-encoded JSON in canonical form. The
// input must be a single well-formed document, valid UTF-8, with no
// duplicate object keys anywhere.
func CanonicalizeJSON(raw []byte) (CanonicalBytes, error) {
	if !utf8.Valid(raw) {
		return nil, coreerrors.Wrap(
			fmt.Errorf("input is not valid UTF-8"),
			coreerrors.CategoryFormatInvalid,
			"canon_utf8_invalid",
			"canonical JSON requires UTF-8 input",
			false,
		)
	}
	if err := checkStrictJSON(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("canonicalize: %w", err),
			coreerrors.CategoryFormatInvalid,
			"canon_transform_failed",
			"the document is outside the canonical JSON subset",
			false,
		)
	}
	return CanonicalBytes(out), nil
}

func toPlain(v Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, depthError()
	}
	switch t := v.(type) {
	case nil, Null:
		return nil, nil
	case Bool:
		return bool(t), nil
	case String:
		if !utf8.ValidString(string(t)) {
			return nil, coreerrors.Wrap(
				fmt.Errorf("string is not valid UTF-8"),
				coreerrors.CategoryFormatInvalid,
				"canon_utf8_invalid",
				"canonical JSON strings must be valid UTF-8",
				false,
			)
		}
		return string(t), nil
	case Number:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, coreerrors.Wrap(
				fmt.Errorf("number %v has no JSON representation", f),
				coreerrors.CategoryFormatInvalid,
				"canon_number_invalid",
				"NaN and infinite values cannot appear in canonical JSON",
				false,
			)
		}
		if f == 0 {
			// Negative zero collapses to zero.
			f = 0
		}
		return f, nil
	case Array:
		out := make([]any, 0, len(t))
		for i, elem := range t {
			plain, err := toPlain(elem, depth+1)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			out = append(out, plain)
		}
		return out, nil
	case Object:
		out := make(map[string]any, len(t))
		for key, elem := range t {
			if !utf8.ValidString(key) {
				return nil, coreerrors.Wrap(
					fmt.Errorf("object key is not valid UTF-8"),
					coreerrors.CategoryFormatInvalid,
					"canon_utf8_invalid",
					"canonical JSON object keys must be valid UTF-8",
					false,
				)
			}
			plain, err := toPlain(elem, depth+1)
			if err != nil {
				return nil, fmt.Errorf("object key %q: %w", key, err)
			}
			out[key] = plain
		}
		return out, nil
	default:
		return nil, coreerrors.Wrap(
			fmt.Errorf("unhandled value variant %T", v),
			coreerrors.CategoryInternalFailure,
			"canon_variant_unhandled",
			"report this: the value union grew without updating the canonicalizer",
			false,
		)
	}
}

// checkStrictJSON walks raw as a single JSON document and fails on
// duplicate object keys, trailing content, or excessive nesting. The
// stock decoder tolerates all three.
func checkStrictJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := checkValue(dec, 0); err != nil {
		return err
	}
	if dec.More() {
		return coreerrors.Wrap(
			fmt.Errorf("trailing content after JSON document"),
			coreerrors.CategoryFormatInvalid,
			"canon_json_invalid",
			"supply exactly one JSON document",
			false,
		)
	}
	return nil
}

func checkValue(dec *json.Decoder, depth int) error {
	tok, err := dec.Token()
	if err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("parse JSON: %w", err),
			coreerrors.CategoryFormatInvalid,
			"canon_json_invalid",
			"supply well-formed JSON",
			false,
		)
	}
	return checkTokenValue(dec, tok, depth)
}

func checkTokenValue(dec *json.Decoder, tok json.Token, depth int) error {
	if depth > maxDepth {
		return depthError()
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return coreerrors.Wrap(
					fmt.Errorf("parse object key: %w", err),
					coreerrors.CategoryFormatInvalid,
					"canon_json_invalid",
					"supply well-formed JSON",
					false,
				)
			}
			key, isString := keyTok.(string)
			if !isString {
				return coreerrors.Wrap(
					fmt.Errorf("object key token %v is not a string", keyTok),
					coreerrors.CategoryFormatInvalid,
					"canon_json_invalid",
					"supply well-formed JSON",
					false,
				)
			}
			if _, dup := seen[key]; dup {
				return coreerrors.Wrap(
					fmt.Errorf("duplicate object key %q", key),
					coreerrors.CategoryFormatInvalid,
					"canon_json_duplicate_key",
					"canonical JSON objects cannot repeat keys",
					false,
				)
			}
			seen[key] = struct{}{}
			if err := checkValue(dec, depth+1); err != nil {
				return err
			}
		}
		// Consume the closing brace.
		if _, err := dec.Token(); err != nil {
			return coreerrors.Wrap(
				fmt.Errorf("parse object end: %w", err),
				coreerrors.CategoryFormatInvalid,
				"canon_json_invalid",
				"supply well-formed JSON",
				false,
			)
		}
	case '[':
		for dec.More() {
			if err := checkValue(dec, depth+1); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return coreerrors.Wrap(
				fmt.Errorf("parse array end: %w", err),
				coreerrors.CategoryFormatInvalid,
				"canon_json_invalid",
				"supply well-formed JSON",
				false,
			)
		}
	}
	return nil
}

func depthError() error {
	return coreerrors.Wrap(
		fmt.Errorf("nesting exceeds %d levels", maxDepth),
		coreerrors.CategoryFormatInvalid,
		"canon_depth_exceeded",
		"flatten the document or raise the nesting limit",
		false,
	)
}

// Digest is a content address over canonical bytes, rendered as
// "sha256:" followed by 64 lowercase hex digits.
type Digest string

const (
	digestPrefix = "sha256:"
	digestHexLen = 64
)

// DigestCanonical hashes canonical bytes into a Digest.
func DigestCanonical(canonical CanonicalBytes) Digest {
	sum := sha256.Sum256(canonical)
	return Digest(digestPrefix + hex.EncodeToString(sum[:]))
}

// DigestValue canonicalizes v and returns its content address.
func DigestValue(v Value) (Digest, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return DigestCanonical(canonical), nil
}

// ParseDigest validates the textual digest form. Uppercase hex, a
// missing prefix, or a wrong length all fail.
func ParseDigest(s string) (Digest, error) {
	rest, ok := strings.CutPrefix(s, digestPrefix)
	if !ok {
		return "", digestFormatError(fmt.Errorf("digest %q lacks the %q prefix", s, digestPrefix))
	}
	if len(rest) != digestHexLen {
		return "", digestFormatError(fmt.Errorf("digest hex length %d, want %d", len(rest), digestHexLen))
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", digestFormatError(fmt.Errorf("digest hex contains %q at position %d", c, i))
		}
	}
	return Digest(s), nil
}

func digestFormatError(cause error) error {
	return coreerrors.Wrap(
		cause,
		coreerrors.CategoryFormatInvalid,
		"digest_format_invalid",
		"digests look like sha256:<64 lowercase hex digits>",
		false,
	)
}

// String returns the full textual form including the prefix.
func (d Digest) String() string {
	return string(d)
}

// Hex returns only the 64 hex digits.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), digestPrefix)
}

// Sum256 decodes the digest back into raw hash bytes, validating the
// textual form first.
func (d Digest) Sum256() ([32]byte, error) {
	var sum [32]byte
	if _, err := ParseDigest(string(d)); err != nil {
		return sum, err
	}
	raw, err := hex.DecodeString(d.Hex())
	if err != nil {
		return sum, digestFormatError(fmt.Errorf("decode digest hex: %w", err))
	}
	copy(sum[:], raw)
	return sum, nil
}

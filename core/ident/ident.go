// Package ident defines the opaque identifiers used across the durable
// core. Every identifier backs exactly 16 raw bytes and renders as
// "<prefix>_" followed by 26 lowercase base32 characters. The prefix is
// part of the type: a session id never parses as a run id.
package ident

import (
	"encoding/base32"
	"fmt"

	"github.com/google/uuid"

	coreerrors "github.com/davidahmann/weft/core/errors"
)

const (
	// RawLen is the number of raw bytes behind every identifier.
	RawLen = 16

	encodedLen = 26
	alphabet   = "abcdefghijklmnopqrstuvwxyz234567"
)

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// IDSource supplies raw identifier material. Injecting it keeps minting
// deterministic under test; production callers use RandomSource.
type IDSource interface {
	NewRawID() ([RawLen]byte, error)
}

// RandomSource mints raw identifiers from random UUIDs.
type RandomSource struct{}

// NewRawID returns 16 random bytes.
func (RandomSource) NewRawID() ([RawLen]byte, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return [RawLen]byte{}, coreerrors.Wrap(
			fmt.Errorf("mint random id: %w", err),
			coreerrors.CategoryInternalFailure,
			"ident_entropy_failed",
			"the random source is unavailable; check the host entropy pool",
			false,
		)
	}
	return [RawLen]byte(u), nil
}

// MustRaw converts b into raw identifier bytes, panicking unless it is
// exactly 16 bytes long. Reserved for derivations whose input length is
// fixed by construction; anything reachable from caller input must use
// the parse functions instead.
func MustRaw(b []byte) [RawLen]byte {
	if len(b) != RawLen {
		panic(fmt.Sprintf("ident: raw identifier must be %d bytes, got %d", RawLen, len(b)))
	}
	var raw [RawLen]byte
	copy(raw[:], b)
	return raw
}

func encodeRaw(raw [RawLen]byte) string {
	return encoding.EncodeToString(raw[:])
}

func decodeRaw(kind, text string) ([RawLen]byte, error) {
	var raw [RawLen]byte
	if len(text) != encodedLen {
		return raw, formatError(kind, fmt.Errorf("body length %d, want %d", len(text), encodedLen))
	}
	decoded, err := encoding.DecodeString(text)
	if err != nil {
		return raw, formatError(kind, fmt.Errorf("decode base32: %w", err))
	}
	if len(decoded) != RawLen {
		return raw, formatError(kind, fmt.Errorf("decoded length %d, want %d", len(decoded), RawLen))
	}
	// Reject non-canonical trailing bits: each raw value has exactly one
	// text form.
	if encoding.EncodeToString(decoded) != text {
		return raw, formatError(kind, fmt.Errorf("non-canonical base32 body"))
	}
	copy(raw[:], decoded)
	return raw, nil
}

func formatID(prefix string, raw [RawLen]byte) string {
	return prefix + "_" + encodeRaw(raw)
}

func parseID(kind, prefix, text string) ([RawLen]byte, error) {
	want := prefix + "_"
	if len(text) < len(want) || text[:len(want)] != want {
		return [RawLen]byte{}, formatError(kind, fmt.Errorf("%q lacks the %q prefix", text, want))
	}
	return decodeRaw(kind, text[len(want):])
}

func formatError(kind string, cause error) error {
	return coreerrors.Wrap(
		fmt.Errorf("parse %s id: %w", kind, cause),
		coreerrors.CategoryFormatInvalid,
		"ident_format_invalid",
		"identifiers look like <prefix>_<26 lowercase base32 characters>",
		false,
	)
}

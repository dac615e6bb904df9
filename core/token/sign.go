package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/keyring"
)

// Sign packs the payload, signs it with the keyring's current key, and
// returns the bech32m wire string.
func Sign(p Payload, kr *keyring.Keyring) (string, error) {
	if !p.kind.valid() {
		return "", coreerrors.Wrap(
			fmt.Errorf("payload kind %d is not signable", uint8(p.kind)),
			coreerrors.CategoryInvalidInput,
			"token_kind_unknown",
			"build payloads with the New*Payload constructors",
			false,
		)
	}
	packed := p.Pack()
	sig := computeSig(kr.CurrentKey(), packed)

	raw := make([]byte, 0, WireRawLen)
	raw = append(raw, packed[:]...)
	raw = append(raw, sig...)

	grouped, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", coreerrors.Wrap(
			fmt.Errorf("regroup token bits: %w", err),
			coreerrors.CategoryInternalFailure,
			"token_encode_failed",
			"report this: a fixed-size token failed to encode",
			false,
		)
	}
	wire, err := bech32.EncodeM(p.kind.HRP(), grouped)
	if err != nil {
		return "", coreerrors.Wrap(
			fmt.Errorf("encode token: %w", err),
			coreerrors.CategoryInternalFailure,
			"token_encode_failed",
			"report this: a fixed-size token failed to encode",
			false,
		)
	}
	return wire, nil
}

// Parse decodes and verifies a wire token. The bech32m checksum, the
// kind prefix, the payload version and kind byte, and the signature are
// all enforced; the signature is checked against the current key and
// then the previous key, so tokens signed one rotation ago still parse.
func Parse(wire string, expect Kind, kr *keyring.Keyring) (Payload, error) {
	if !expect.valid() {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("expected kind %d is not a known token kind", uint8(expect)),
			coreerrors.CategoryInvalidInput,
			"token_kind_unknown",
			"pass one of the declared token kinds",
			false,
		)
	}

	// The token outgrows the 90-character cap the limited decoder
	// enforces, so decode without it and pin bech32m by re-encoding.
	hrp, grouped, err := bech32.DecodeNoLimit(wire)
	if err != nil {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("decode token: %w", err),
			coreerrors.CategoryFormatInvalid,
			"token_encoding_invalid",
			"the token string is not well-formed bech32; the cause names the failing position when known",
			false,
		)
	}
	canonical, err := bech32.EncodeM(hrp, grouped)
	if err != nil {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("re-encode token: %w", err),
			coreerrors.CategoryFormatInvalid,
			"token_encoding_invalid",
			"the token string is not well-formed bech32",
			false,
		)
	}
	if !strings.EqualFold(canonical, wire) {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("token checksum is not bech32m"),
			coreerrors.CategoryFormatInvalid,
			"token_checksum_variant",
			"tokens use the bech32m checksum; plain bech32 strings are rejected",
			false,
		)
	}
	if !strings.EqualFold(hrp, expect.HRP()) {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("token prefix %q, want %q", hrp, expect.HRP()),
			coreerrors.CategoryFormatInvalid,
			"token_hrp_mismatch",
			fmt.Sprintf("a %s token was supplied where a %s token is required", hrp, expect),
			false,
		)
	}

	raw, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("regroup token bits: %w", err),
			coreerrors.CategoryFormatInvalid,
			"token_encoding_invalid",
			"the token carries non-canonical padding bits",
			false,
		)
	}
	if len(raw) != WireRawLen {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("token carries %d raw bytes, want %d", len(raw), WireRawLen),
			coreerrors.CategoryFormatInvalid,
			"token_length_invalid",
			"the token is truncated or padded",
			false,
		)
	}

	var packed [PayloadLen]byte
	copy(packed[:], raw[:PayloadLen])
	sig := raw[PayloadLen:]

	payload, err := Unpack(packed)
	if err != nil {
		return Payload{}, err
	}
	if payload.kind != expect {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("payload kind %s under prefix %q", payload.kind, hrp),
			coreerrors.CategoryFormatInvalid,
			"token_kind_mismatch",
			"the token prefix and payload kind disagree; the token is damaged or forged",
			false,
		)
	}

	if !verifySig(kr, packed, sig) {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("token signature does not verify under the current or previous key"),
			coreerrors.CategoryCryptoFailed,
			"token_signature_invalid",
			"the token is forged, damaged, or older than one key rotation",
			false,
		)
	}
	return payload, nil
}

func computeSig(key []byte, packed [PayloadLen]byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(packed[:])
	return mac.Sum(nil)
}

func verifySig(kr *keyring.Keyring, packed [PayloadLen]byte, sig []byte) bool {
	if hmac.Equal(sig, computeSig(kr.CurrentKey(), packed)) {
		return true
	}
	if prev, ok := kr.PreviousKey(); ok {
		return hmac.Equal(sig, computeSig(prev, packed))
	}
	return false
}

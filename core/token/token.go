// Package token implements the signed resumption tokens handed to
// callers between steps. A token is a fixed 66-byte payload plus a
// 32-byte HMAC-SHA256 signature, carried as a bech32m string whose
// human-readable prefix names the token kind. Payload blocks are opaque
// 16-byte identifiers, never native integers, so the wire form is
// independent of host endianness.
package token

import (
	"crypto/sha256"
	"fmt"

	coreerrors "github.com/davidahmann/weft/core/errors"
	"github.com/davidahmann/weft/core/ident"
)

const (
	// Version is the only payload version this package reads or writes.
	Version = 1

	// PayloadLen is the packed payload size: version byte, kind byte,
	// then four 16-byte identifier blocks.
	PayloadLen = 66

	// SigLen is the HMAC-SHA256 signature size.
	SigLen = 32

	// WireRawLen is the raw byte count inside the bech32m wrapper.
	WireRawLen = PayloadLen + SigLen
)

// Block offsets within the packed payload.
const (
	offSession = 2
	offRun     = 18
	offNode    = 34
	offTail    = 50
)

// Kind discriminates the three token families. The byte values are part
// of the wire format.
type Kind uint8

const (
	// KindState resumes a paused run; its tail block is the workflow
	// hash reference.
	KindState Kind = 0
	// KindAck acknowledges a completed attempt; tail is the attempt id.
	KindAck Kind = 1
	// KindCheckpoint resumes from a pinned snapshot; tail is the
	// attempt id.
	KindCheckpoint Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindAck:
		return "ack"
	case KindCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// HRP returns the bech32m human-readable prefix for the kind, or the
// empty string for an invalid kind.
func (k Kind) HRP() string {
	switch k {
	case KindState:
		return "st"
	case KindAck:
		return "ack"
	case KindCheckpoint:
		return "chk"
	default:
		return ""
	}
}

func (k Kind) valid() bool {
	return k == KindState || k == KindAck || k == KindCheckpoint
}

// Payload is the identity a token binds: session, run, node, and a
// kind-specific fourth block. Construct it with one of the New*Payload
// functions; the zero value packs as an all-zero state payload.
type Payload struct {
	kind      Kind
	sessionID ident.SessionID
	runID     ident.RunID
	nodeID    ident.NodeID
	tail      [ident.RawLen]byte
}

// NewStatePayload builds the payload of a state token.
func NewStatePayload(session ident.SessionID, run ident.RunID, node ident.NodeID, workflowRef ident.WorkflowHashRef) Payload {
	return Payload{
		kind:      KindState,
		sessionID: session,
		runID:     run,
		nodeID:    node,
		tail:      workflowRef.Raw(),
	}
}

// NewAckPayload builds the payload of an ack token.
func NewAckPayload(session ident.SessionID, run ident.RunID, node ident.NodeID, attempt ident.AttemptID) Payload {
	return Payload{
		kind:      KindAck,
		sessionID: session,
		runID:     run,
		nodeID:    node,
		tail:      attempt.Raw(),
	}
}

// NewCheckpointPayload builds the payload of a checkpoint token.
func NewCheckpointPayload(session ident.SessionID, run ident.RunID, node ident.NodeID, attempt ident.AttemptID) Payload {
	return Payload{
		kind:      KindCheckpoint,
		sessionID: session,
		runID:     run,
		nodeID:    node,
		tail:      attempt.Raw(),
	}
}

func (p Payload) Kind() Kind                 { return p.kind }
func (p Payload) SessionID() ident.SessionID { return p.sessionID }
func (p Payload) RunID() ident.RunID         { return p.runID }
func (p Payload) NodeID() ident.NodeID       { return p.nodeID }

// WorkflowRef returns the tail block as a workflow hash reference. The
// second result is false for non-state payloads.
func (p Payload) WorkflowRef() (ident.WorkflowHashRef, bool) {
	if p.kind != KindState {
		return ident.WorkflowHashRef{}, false
	}
	return ident.NewWorkflowHashRef(p.tail), true
}

// AttemptID returns the tail block as an attempt id. The second result
// is false for state payloads.
func (p Payload) AttemptID() (ident.AttemptID, bool) {
	if p.kind == KindState {
		return ident.AttemptID{}, false
	}
	return ident.NewAttemptID(p.tail), true
}

// Pack serializes the payload into its fixed wire layout.
func (p Payload) Pack() [PayloadLen]byte {
	var buf [PayloadLen]byte
	buf[0] = Version
	buf[1] = byte(p.kind)
	session := p.sessionID.Raw()
	run := p.runID.Raw()
	node := p.nodeID.Raw()
	copy(buf[offSession:offRun], session[:])
	copy(buf[offRun:offNode], run[:])
	copy(buf[offNode:offTail], node[:])
	copy(buf[offTail:], p.tail[:])
	return buf
}

// Unpack is the strict inverse of Pack. Unknown versions and kinds are
// rejected, never coerced.
func Unpack(buf [PayloadLen]byte) (Payload, error) {
	if buf[0] != Version {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("payload version %d, want %d", buf[0], Version),
			coreerrors.CategoryFormatInvalid,
			"token_version_unsupported",
			"the token was minted by an incompatible producer",
			false,
		)
	}
	kind := Kind(buf[1])
	if !kind.valid() {
		return Payload{}, coreerrors.Wrap(
			fmt.Errorf("payload kind byte %d is not a known token kind", buf[1]),
			coreerrors.CategoryFormatInvalid,
			"token_kind_unknown",
			"the token payload is damaged or forged",
			false,
		)
	}
	return Payload{
		kind:      kind,
		sessionID: ident.NewSessionID([ident.RawLen]byte(buf[offSession:offRun])),
		runID:     ident.NewRunID([ident.RawLen]byte(buf[offRun:offNode])),
		nodeID:    ident.NewNodeID([ident.RawLen]byte(buf[offNode:offTail])),
		tail:      [ident.RawLen]byte(buf[offTail:]),
	}, nil
}

// childDomain prefixes the hash input when deriving successor attempts,
// keeping the derivation disjoint from every other hash in the system.
const childDomain = "wr_attempt_next_v1:"

// DeriveChildAttemptID derives the successor of an attempt. The mapping
// is pure, so replaying a chain of attempts reproduces the same ids
// without storing them.
func DeriveChildAttemptID(parent ident.AttemptID) ident.AttemptID {
	sum := sha256.Sum256([]byte(childDomain + parent.String()))
	return ident.NewAttemptID(ident.MustRaw(sum[:ident.RawLen]))
}

package authakarin

import (
	E "github.com/sagernet/sing/common/exceptions"
)

// Kind classifies a failure the way the error-handling design separates
// them: some are swallowed into raw_trans/poison responses, others are
// fatal to the host connection.
type Kind int

const (
	// KindBenign covers an unrecognised first packet on the server: the
	// HMAC over the first four bytes doesn't check out. Returned to the
	// caller together with the poison response it must send.
	KindBenign Kind = iota
	// KindAuthFailure covers a authenticated-but-rejected handshake:
	// user HMAC mismatch, stale timestamp, or a replay-guard refusal.
	KindAuthFailure
	// KindFraming covers a bad tag or oversize packet after the
	// handshake has completed. Fatal: the host must tear the connection
	// down once this is returned.
	KindFraming
)

// ProtocolError wraps one of the above kinds with causal context via
// sing's exception helper, so the host logs get a real chain instead of
// a flat string.
type ProtocolError struct {
	Kind  Kind
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return E.Cause(e.cause, e.Kind.String()).Error()
}

func (e *ProtocolError) Unwrap() error { return e.cause }

func (k Kind) String() string {
	switch k {
	case KindBenign:
		return "unrecognized handshake prefix"
	case KindAuthFailure:
		return "authentication rejected"
	case KindFraming:
		return "framing error"
	default:
		return "protocol error"
	}
}

func newProtoErr(kind Kind, msg string) *ProtocolError {
	return &ProtocolError{Kind: kind, cause: E.New(msg)}
}

func wrapProtoErr(kind Kind, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, cause: cause}
}

// ErrRawTrans is returned by Session methods once the session has fallen
// back to byte pass-through. Callers that see it should stop calling
// in to the Framer/Handshake entirely and just relay bytes.
var ErrRawTrans = E.New("session is in raw_trans pass-through mode")

// errHeaderNotBlockAligned guards encryptHeader/decryptHeader: both only
// ever see the fixed 16-byte handshake header in practice, so this is an
// invariant violation, not a reachable runtime condition.
var errHeaderNotBlockAligned = E.New("handshake header is not AES-block aligned")

package service

import (
	"errors"
	"fmt"

	"github.com/danmuck/peerctl/internal/protocol"
)

var (
	ErrHandshakeTimeout = errors.New("service: handshake timeout")
	ErrIdle             = errors.New("service: session idle")
	ErrPeerClosed       = errors.New("service: closed by peer")
	ErrBlocked          = errors.New("service: peer blocked")
	ErrShutdown         = errors.New("service: shutting down")
	ErrSessionClosed    = errors.New("service: session closed")
	ErrNoProvider       = errors.New("service: no established peer provides repo")
	ErrTooManyRequests  = errors.New("service: too many outstanding requests")
	ErrRemoteNotFound   = errors.New("service: peer does not have object")
	ErrRemoteDenied     = errors.New("service: peer denied request")
	ErrRemoteBusy       = errors.New("service: peer busy")
	ErrInvalidConfig    = errors.New("service: invalid config")
)

type ViolationKind string

const (
	ViolationUnexpectedMessage  ViolationKind = "unexpected_message"
	ViolationVersionMismatch    ViolationKind = "version_mismatch"
	ViolationBadProof           ViolationKind = "bad_proof"
	ViolationSelfConnection     ViolationKind = "self_connection"
	ViolationUnmatchedResponse  ViolationKind = "unmatched_response"
	ViolationDuplicateRequest   ViolationKind = "duplicate_request"
	ViolationChunkBeforeHeader  ViolationKind = "chunk_before_response"
	ViolationChunkOutOfSequence ViolationKind = "chunk_out_of_sequence"
	ViolationChunkTooLarge      ViolationKind = "chunk_too_large"
)

// Violation is a protocol logic error. It is fatal to the session.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	if v.Detail == "" {
		return fmt.Sprintf("service: protocol violation: %s", v.Kind)
	}
	return fmt.Sprintf("service: protocol violation: %s: %s", v.Kind, v.Detail)
}

func violation(kind ViolationKind, format string, args ...any) *Violation {
	return &Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// RemoteError is an Error message the peer sent for one of our requests.
type RemoteError struct {
	Code   protocol.ErrorCode
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("service: peer error code=%d: %s", e.Code, e.Reason)
}

package common

import (
	"errors"
	"strings"
)

// Kind classifies every failure an adapter may report. Adapters map their
// transport specific failures onto one of these before returning.
type Kind uint8

const (
	// TransportUnavailable means the local resource could not be set up
	// (bind, listen, discovery socket, library lookup)
	TransportUnavailable Kind = iota + 1
	// PeerNotFound means discovery finished without a match
	PeerNotFound
	// HandshakeFailed means a peer was found but never became ready
	HandshakeFailed
	// ConnectionBroken means the transport failed mid-session
	ConnectionBroken
	// IncompatibleEndpoint means the peer lacks a required capability
	IncompatibleEndpoint
	// Cancelled means the cooperative cancellation flag was observed. It is a
	// normal terminal outcome, not a failure.
	Cancelled
)

var kindNames = map[Kind]string{
	TransportUnavailable: `transport unavailable`,
	PeerNotFound:         `peer not found`,
	HandshakeFailed:      `handshake failed`,
	ConnectionBroken:     `connection broken`,
	IncompatibleEndpoint: `incompatible endpoint`,
	Cancelled:            `cancelled`,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return `unknown`
}

// Error allows a Kind to be used directly as an errors.Is target
func (k Kind) Error() string {
	return k.String()
}

// Key returns the localisation key suffix for this kind, eg
// `peer_not_found`
func (k Kind) Key() string {
	return strings.ReplaceAll(k.String(), ` `, `_`)
}

// Error is the only error type returned across the Generator boundary. Detail
// carries a flattened description of the underlying cause; the cause itself is
// never wrapped.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != `` {
		msg = e.Op + `: ` + msg
	}
	if e.Detail != `` {
		msg += `: ` + e.Detail
	}
	return msg
}

// Is matches against a Kind, or another *Error of the same Kind
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.Op == `` || t.Op == e.Op)
	}
	return false
}

// NewError builds an *Error, flattening cause into the detail string
func NewError(kind Kind, op string, cause error) *Error {
	e := &Error{Kind: kind, Op: op}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// Errorf builds an *Error with a literal detail
func Errorf(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// KindOf reports the Kind carried by err, or zero if err is not one of ours
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

// AsError returns err unchanged when it already belongs to the taxonomy,
// otherwise it is flattened into an *Error of the fallback kind
func AsError(err error, fallback Kind, op string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != 0 || isSentinel(err) {
		return err
	}
	return NewError(fallback, op, err)
}

var (
	// ErrCancelled is returned by blocking operations that observed the
	// cancellation flag
	ErrCancelled = &Error{Kind: Cancelled}
	// ErrNotFound not found
	ErrNotFound = errors.New(`not found`)
	// ErrTimeout timed out
	ErrTimeout = errors.New(`timeout`)
	// ErrDuplicate already exists
	ErrDuplicate = errors.New(`already exists`)
	// ErrClosed connection or subscription closed
	ErrClosed = errors.New(`closed`)
	// ErrInvalid patch or profile out of range
	ErrInvalid = errors.New(`invalid argument`)
	// ErrState operation not permitted in the current session state
	ErrState = errors.New(`invalid session state`)
)

func isSentinel(err error) bool {
	for _, s := range []error{ErrNotFound, ErrTimeout, ErrDuplicate, ErrClosed, ErrInvalid, ErrState} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

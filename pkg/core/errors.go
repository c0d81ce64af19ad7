package core

import (
	"errors"
	"fmt"
)

// ErrConnection matches every error that can end a connect attempt:
// permission, handshake and transport failures.
//
//	if errors.Is(err, core.ErrConnection) { ... }
var ErrConnection = errors.New("connection error")

// Error is the engine's canonical error. It carries a kind from the failure
// taxonomy, the operation that failed and an optional underlying cause.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports connect-time kinds as ErrConnection.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if target == ErrConnection {
		return e.Kind.connectionFailure()
	}
	return false
}

// IsRetryable returns true if a fresh connect is likely to succeed without
// operator action.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindHandshake, KindTransport:
		return true
	default:
		return false
	}
}

// ErrorKind categorizes errors.
type ErrorKind string

const (
	// KindPermission is a denied microphone or camera.
	KindPermission ErrorKind = "permission_error"
	// KindHandshake is a remote rejection of the session or its configuration,
	// including credential acquisition failures.
	KindHandshake ErrorKind = "handshake_error"
	// KindTransport is an unreachable endpoint or a mid-session close.
	KindTransport ErrorKind = "transport_error"
	// KindProtocol is a malformed or unknown tool call. Never fatal.
	KindProtocol ErrorKind = "protocol_violation"
	// KindGating is an attempted step skip. A negotiation outcome, not a failure.
	KindGating ErrorKind = "gating_violation"
)

func (k ErrorKind) connectionFailure() bool {
	switch k {
	case KindPermission, KindHandshake, KindTransport:
		return true
	default:
		return false
	}
}

// NewPermissionError creates a permission error.
func NewPermissionError(op string, err error) *Error {
	return &Error{Kind: KindPermission, Op: op, Message: "permission denied", Err: err}
}

// NewHandshakeError creates a handshake error.
func NewHandshakeError(op, message string, err error) *Error {
	return &Error{Kind: KindHandshake, Op: op, Message: message, Err: err}
}

// NewTransportError creates a transport error.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NewProtocolViolation creates a protocol violation.
func NewProtocolViolation(op, message string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: message}
}

// NewGatingViolation creates a gating violation.
func NewGatingViolation(op, message string) *Error {
	return &Error{Kind: KindGating, Op: op, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

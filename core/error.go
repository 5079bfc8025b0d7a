package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the synchronization core.
type ErrorKind int

const (
	_ ErrorKind = iota
	// TransportError is a connect, auth or socket failure. It is recovered through
	// bounded reconnection and surfaced only once retries are exhausted.
	TransportError
	// ProtocolError is a malformed or unexpected event payload.
	// The offending event is dropped; the connection stays up.
	ProtocolError
	// SendRejectedError is an attempted send while disconnected or with an empty body.
	SendRejectedError
	// StaleDataError is a failed snapshot fetch. Callers keep the last-known value.
	StaleDataError
	// CredentialError is a missing, malformed or expired credential.
	CredentialError
)

func (k ErrorKind) String() string {
	switch k {
	case TransportError:
		return "transport"
	case ProtocolError:
		return "protocol"
	case SendRejectedError:
		return "send rejected"
	case StaleDataError:
		return "stale data"
	case CredentialError:
		return "credential"
	}
	return "unknown"
}

var (
	ErrTransport    = &Error{Kind: TransportError}
	ErrProtocol     = &Error{Kind: ProtocolError}
	ErrSendRejected = &Error{Kind: SendRejectedError}
	ErrStaleData    = &Error{Kind: StaleDataError}
	ErrCredential   = &Error{Kind: CredentialError}
)

type Error struct {
	Kind ErrorKind
	// Op is the operation that failed.
	Op  string
	Err error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NewErrorf(kind ErrorKind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
// It lets callers match with the sentinel values, e.g. errors.Is(err, ErrSendRejected).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

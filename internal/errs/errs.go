// Package errs defines the error kinds shared by the console, transfer and
// planning layers.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure so callers can branch without matching strings.
type Kind int

const (
	// EchoMismatch means the device did not echo the command that was sent.
	EchoMismatch Kind = iota + 1

	// FrameRetriesExhausted means a binary frame was rejected too many times.
	FrameRetriesExhausted

	// HandshakeTimeout means the receiver never requested a transfer.
	HandshakeTimeout

	// InvalidConfig means a size, address, prompt set or endpoint is malformed.
	InvalidConfig

	// Cancelled means the receiver aborted the transfer.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case EchoMismatch:
		return "echo mismatch"
	case FrameRetriesExhausted:
		return "frame retries exhausted"
	case HandshakeTimeout:
		return "handshake timeout"
	case InvalidConfig:
		return "invalid config"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a categorized failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		return Is(e.Err, kind)
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

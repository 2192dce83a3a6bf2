// Package mergeerrors implements an error type carrying a standard,
// interpretable Kind so that the partition state machine and merge driver
// can decide how to react to a failure without string-matching messages.
// Errors chain: each Error may wrap a cause, and the full chain is printed
// by Error().
package mergeerrors

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
)

// Separator is inserted between chained errors in error messages.
var Separator = ":\n\t"

// Kind classifies an error so that callers can decide how to react to it
// without inspecting message text.
type Kind int

const (
	// Other indicates an unclassified error.
	Other Kind = iota
	// Canceled indicates a context cancellation, e.g. of a memory wait.
	Canceled
	// Timeout indicates an operation timed out.
	Timeout
	// NotExist indicates a block or file that does not exist.
	NotExist
	// Invalid indicates the caller supplied invalid parameters.
	Invalid
	// Integrity indicates corrupt or inconsistent on-disk state.
	Integrity
	// Unavailable indicates a resource was transiently unavailable.
	Unavailable
	// TooManyTries indicates a retry budget was exhausted.
	TooManyTries
	// ResourcesExhausted indicates insufficient memory or admission quota.
	ResourcesExhausted
	// Internal indicates a fatal, unrecoverable condition for the partition;
	// the partition transitions to INTERNAL_ERROR when an error of this kind
	// (or any kind not explicitly handled locally) escapes the merge driver.
	Internal

	maxKind
)

var kinds = map[Kind]string{
	Other:              "unknown error",
	Canceled:           "operation was canceled",
	Timeout:            "operation timed out",
	NotExist:           "resource does not exist",
	Invalid:            "invalid argument",
	Integrity:          "integrity error",
	Unavailable:        "resource unavailable",
	TooManyTries:       "too many tries",
	ResourcesExhausted: "resources exhausted",
	Internal:           "internal error",
}

// kindStdErrs maps some Kinds to the standard library's equivalent, used to
// classify wrapped errors that don't already carry a Kind.
var kindStdErrs = map[Kind]error{
	Canceled: context.Canceled,
	Timeout:  context.DeadlineExceeded,
	NotExist: os.ErrNotExist,
	Invalid:  os.ErrInvalid,
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

// Error is the standard error type returned by this package's operations.
// Construct with E.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// E constructs an error from the provided arguments: a Kind sets the kind,
// a string (possibly repeated, joined with a space) sets the message, and
// an error sets the cause.
//
// If no Kind is given but a cause is, E classifies the cause using
// os.IsNotExist, context.Canceled, and an embedded *Error's own Kind, all
// of which are recognized automatically.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("mergeerrors.E: no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(a)
		case *Error:
			c := *a
			if len(args) == 1 {
				return &c
			}
			e.Err = &c
		case error:
			e.Err = a
		default:
			return &Error{Kind: Invalid, Message: "mergeerrors.E: unrecognized argument type"}
		}
	}
	e.Message = msg.String()
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
	default:
		if e.Kind != Other {
			return e
		}
		for kind := Kind(0); kind < maxKind; kind++ {
			std := kindStdErrs[kind]
			if std != nil && errors.Is(e.Err, std) {
				e.Kind = kind
				break
			}
		}
	}
	return e
}

// Recover recovers any error into an *Error, wrapping it with Kind Other if
// it isn't already one.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return E(err).(*Error)
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err == nil {
		return
	}
	if inner, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(inner.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Unwrap lets the standard library's errors.Unwrap/Is/As work with *Error.
func (e *Error) Unwrap() error { return e.Err }

// Is tells whether e.Kind corresponds to the standard error target, so that
// errors.Is(err, context.Canceled) works on a wrapped *Error.
func (e *Error) Is(target error) bool {
	return target != nil && target == kindStdErrs[e.Kind]
}

// IsKind tells whether err's Kind (recursing through Other-kind wrappers) is
// kind.
func IsKind(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return isKind(kind, Recover(err))
}

func isKind(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if inner, ok := e.Err.(*Error); ok {
		return isKind(kind, inner)
	}
	return false
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() > 0 {
		b.WriteString(s)
	}
}

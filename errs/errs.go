// Package errs is the imgtag error domain.
//
// Errors coming from imgtag components should be inspectable ([errors.As])
// as an *Error at some point in the error chain. Components should create
// an Error at the system boundary (a database call, an HTTP call to a
// vision/embedding service) and intermediate layers should wrap with
// [fmt.Errorf] and "%w" rather than constructing another Error, except to
// attach a more specific Kind.
package errs

import (
	"errors"
	"strings"
)

// Error is the imgtag error domain type.
type Error struct {
	Inner   error
	Kind    Kind
	Message string
	Op      string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is] against one of the declared Kind values.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error { return e.Inner }

// Kind classifies an Error for callers that need to branch on it (an HTTP
// boundary mapping Validation/Conflict/NotFound/PermissionDenied to status
// codes, a queue worker deciding whether a failure is retryable).
type Kind string

// Defined error kinds, per the propagation policy.
const (
	NotFound           = Kind("not_found")
	PermissionDenied   = Kind("permission_denied")
	Validation         = Kind("validation")
	Conflict           = Kind("conflict")
	UpstreamUnavailable = Kind("upstream_unavailable")
	Timeout            = Kind("timeout")
	IntegrityViolated  = Kind("integrity_violated")
	Transient          = Kind("transient")
	Fatal              = Kind("fatal")
)

func (k Kind) Error() string { return string(k) }

// E constructs an *Error with the given kind, op and wrapped error.
func E(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Inner: err}
}

// Msg constructs an *Error carrying only a message, no wrapped error.
func Msg(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Message: msg}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and Fatal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// Package errors provides a structured error type with wrapping and metadata
package errors

// Always import the project errors package as perr (platform/errors)

import (
	stderrs "errors"
	"fmt"
)

// ErrorCode defines supported error codes used across the daemon
// Values are stable for log/report compatibility; add sparingly
type ErrorCode uint16

const (
	// ErrorCodeUnknown is for unclassified errors
	ErrorCodeUnknown ErrorCode = iota

	// ErrorCodeValidation is for event/config validation failures
	ErrorCodeValidation

	// ErrorCodeFileCorruption is for spool files that fail to parse or checksum
	ErrorCodeFileCorruption

	// ErrorCodeQuotaPressure is for spool-quota soft/hard threshold conditions
	ErrorCodeQuotaPressure

	// ErrorCodeLockHeld is for advisory lock contention (held by another owner)
	ErrorCodeLockHeld

	// ErrorCodeConstraint is for sqlite constraint violations (unique, check, fk)
	ErrorCodeConstraint

	// ErrorCodeUnavailable is for transient errors where retry may succeed
	ErrorCodeUnavailable

	// ErrorCodeUnknownDirectory is for spool/monitor directories outside the known allow-list
	ErrorCodeUnknownDirectory
)

// String renders the code's name for logging
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeValidation:
		return "validation"
	case ErrorCodeFileCorruption:
		return "file_corruption"
	case ErrorCodeQuotaPressure:
		return "quota_pressure"
	case ErrorCodeLockHeld:
		return "lock_held"
	case ErrorCodeConstraint:
		return "constraint"
	case ErrorCodeUnavailable:
		return "unavailable"
	case ErrorCodeUnknownDirectory:
		return "unknown_directory"
	default:
		return "unknown"
	}
}

// ErrNotFound is a sentinel error for lookups that find nothing (not a fatal condition)
var ErrNotFound = New(ErrorCodeUnknown, "not found")

// Error is the structured error type with wrapping and metadata
// msg is human/developer facing; code is machine facing
// field is optional (for validation); op is optional operation tag
// orig is the wrapped cause
type Error struct {
	orig  error
	msg   string
	code  ErrorCode
	field string
	op    string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped error, if any
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Field returns the offending field, if any
func (e *Error) Field() string { return e.field }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// Root returns the deepest wrapped cause
func Root(err error) error {
	for err != nil {
		u := stderrs.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
	return nil
}

// CodeOf extracts an ErrorCode from any error, defaulting to Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err has the given code
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Mutators (copy-on-write)

// WithField attaches a field to an *Error (copy-on-write). If err isn't *Error, returns err unchanged
func WithField(err error, field string) error {
	if e, ok := As(err); ok {
		c := *e
		c.field = field
		return &c
	}
	return err
}

// WithOp attaches an operation label to an *Error (copy-on-write). If err isn't *Error, returns err unchanged
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// WithFieldChain sets field on *Error or wraps a foreign error into an *Error with Unknown code (copy-on-write)
func WithFieldChain(err error, field string) error {
	if e, ok := As(err); ok {
		c := *e
		c.field = field
		return &c
	}
	return &Error{code: ErrorCodeUnknown, msg: err.Error(), field: field, orig: err}
}

// Constructors

// New returns a new *Error with the given code and message
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

// WrapIf wraps only when err != nil (helper for 1-liners)
func WrapIf(err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, msg)
}

// Sugar

// Validationf returns a validation error
func Validationf(format string, a ...any) error { return Newf(ErrorCodeValidation, format, a...) }

// FileCorruptionf returns a file corruption error
func FileCorruptionf(format string, a ...any) error {
	return Newf(ErrorCodeFileCorruption, format, a...)
}

// QuotaPressuref returns a quota pressure error
func QuotaPressuref(format string, a ...any) error {
	return Newf(ErrorCodeQuotaPressure, format, a...)
}

// LockHeldf returns a lock-held error
func LockHeldf(format string, a ...any) error { return Newf(ErrorCodeLockHeld, format, a...) }

// Constraintf returns a constraint-violation error
func Constraintf(format string, a ...any) error { return Newf(ErrorCodeConstraint, format, a...) }

// Unavailablef returns an unavailable (retryable) error
func Unavailablef(format string, a ...any) error { return Newf(ErrorCodeUnavailable, format, a...) }

// UnknownDirf returns an unknown-directory error
func UnknownDirf(format string, a ...any) error {
	return Newf(ErrorCodeUnknownDirectory, format, a...)
}

// Internalf returns a generic internal error
func Internalf(format string, a ...any) error { return Newf(ErrorCodeUnknown, format, a...) }

// Retry semantics

// Retryable reports whether the error is retryable. Only unavailability is
// considered transient; everything else (validation, corruption, constraint,
// lock contention) requires operator or caller action to resolve.
func Retryable(err error) bool { return IsCode(err, ErrorCodeUnavailable) }

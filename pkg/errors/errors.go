// Package errors provides the StrataFS error taxonomy. Every backend
// and core failure is classified into one of a small set of kinds so
// that callers can branch on error class (errors.Is / the Is* helpers)
// without inspecting backend-specific error types.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindUnsupported      Kind = "UNSUPPORTED"
	KindUnavailable      Kind = "UNAVAILABLE"
	KindAlreadyExists    Kind = "ALREADY_EXISTS"
	KindCapacityExceeded Kind = "CAPACITY_EXCEEDED"
	KindInternal         Kind = "INTERNAL"
)

// Error is a classified error with the operation and path it occurred
// on. Adapter errors propagate unchanged through the registry; the
// kind is assigned once, at the backend boundary.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "local.read"
	Path string // virtual path, when one applies
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so sentinel comparison
// works across adapters.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// E builds a classified error.
func E(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func NotFound(op, path string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Path: path}
}

func PermissionDenied(op, path string, err error) *Error {
	return &Error{Kind: KindPermissionDenied, Op: op, Path: path, Err: err}
}

func Unsupported(op, path string) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Path: path}
}

func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

func AlreadyExists(op, path string) *Error {
	return &Error{Kind: KindAlreadyExists, Op: op, Path: path}
}

func CapacityExceeded(op string, err error) *Error {
	return &Error{Kind: KindCapacityExceeded, Op: op, Err: err}
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified
// errors. A nil err has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }
func IsUnsupported(err error) bool      { return KindOf(err) == KindUnsupported }
func IsUnavailable(err error) bool      { return KindOf(err) == KindUnavailable }
func IsAlreadyExists(err error) bool    { return KindOf(err) == KindAlreadyExists }
func IsCapacityExceeded(err error) bool { return KindOf(err) == KindCapacityExceeded }

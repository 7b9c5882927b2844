// Package apperr holds the error taxonomy shared by every component.
//
// Domain packages declare their sentinels with New and callers match them with
// errors.Is. The Kind drives the HTTP status and the retry policy at the
// boundary; the Code is the stable machine-readable string sent to clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindConflict
	KindNotFound
	KindTransient
	KindUnknownOrg
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindUnknownOrg:
		return "unknown_org"
	default:
		return "internal"
	}
}

// Error is a classified sentinel. Values are compared by identity, so wrap
// them with fmt.Errorf("...: %w", ErrX) to add context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New declares a sentinel.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// ErrTransient marks store failures that are safe to retry (connection loss,
// serialization conflicts, deadlocks).
var ErrTransient = New(KindTransient, "store_unavailable", "storage temporarily unavailable")

// ErrInternal is used when an unclassified error has to be reported.
var ErrInternal = New(KindInternal, "internal_error", "internal error")

// Transient wraps cause so that it matches ErrTransient while keeping the
// original error reachable through errors.As.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	return &transientError{cause: cause}
}

type transientError struct {
	cause error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransient.Message, e.cause)
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.cause}
}

// From returns the first classified error in err's chain.
func From(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf reports the Kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if ae, ok := From(err); ok {
		return ae.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the operation that produced err may be retried
// as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

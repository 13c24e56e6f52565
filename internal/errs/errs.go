// Package errs defines the stable error kinds surfaced by the service.
// Kind strings are part of the external contract and must not change.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error category.
type Kind string

const (
	KindDataUnavailable      Kind = "data_unavailable"
	KindInsufficientCoverage Kind = "insufficient_coverage"
	KindUpstreamFailure      Kind = "upstream_failure"
	KindValidationFailed     Kind = "validation_failed"
	KindNoValidPrediction    Kind = "no_valid_prediction"
	KindTrainingFailed       Kind = "training_failed"
	KindDuplicateJob         Kind = "duplicate_job"
	KindNotFound             Kind = "not_found"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// Error carries a kind, a human message, and optional structured detail.
type Error struct {
	Kind    Kind
	Message string
	Detail  interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two *Error values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// WithDetail returns a copy carrying structured detail for the envelope.
func (e *Error) WithDetail(detail interface{}) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithDetail attaches structured detail to an error. A chain that does
// not already carry an *Error is wrapped as internal first.
func WithDetail(err error, detail interface{}) *Error {
	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(KindInternal, "internal error", err)
	}
	return e.WithDetail(detail)
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf extracts structured detail from an error chain, if any.
func DetailOf(err error) interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

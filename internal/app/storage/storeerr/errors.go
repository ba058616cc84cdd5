// Package storeerr defines the typed error taxonomy every Data Store
// implementation must surface (spec.md §4.1), so callers in C5-C10 can
// classify retriable failures uniformly regardless of backend.
package storeerr

import "errors"

// Kind classifies an error for caller recovery logic.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindDuplicate   Kind = "duplicate_key"
	KindSerialization Kind = "serialization"
	KindLeaseConflict Kind = "lease_conflict"
	KindTransient   Kind = "transient"
	KindUnknown     Kind = "unknown"
)

// Error is a typed Data Store error carrying a classification Kind.
type Error struct {
	Kind    Kind
	Subject string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return string(e.Kind) + ": " + e.Subject + ": " + e.Wrapped.Error()
	}
	return string(e.Kind) + ": " + e.Subject
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Retriable reports whether the caller should retry (lease conflicts and
// transient storage failures are retriable; everything else is not).
func (e *Error) Retriable() bool {
	return e.Kind == KindLeaseConflict || e.Kind == KindTransient
}

func newErr(kind Kind, subject string, wrapped error) *Error {
	return &Error{Kind: kind, Subject: subject, Wrapped: wrapped}
}

// NotFound builds a not-found error for the given subject kind, e.g.
// "client", "flow", "approval", "hunt".
func NotFound(subject string) *Error { return newErr(KindNotFound, subject, nil) }

// UnknownClient is returned when a ClientID has no Client record.
func UnknownClient(id string) *Error { return newErr(KindNotFound, "client:"+id, nil) }

// UnknownFlow is returned when a (ClientID, FlowID) has no Flow record.
func UnknownFlow(id string) *Error { return newErr(KindNotFound, "flow:"+id, nil) }

// UnknownApproval is returned when no matching Approval record exists.
func UnknownApproval(id string) *Error { return newErr(KindNotFound, "approval:"+id, nil) }

// UnknownHunt is returned when a HuntID has no Hunt record.
func UnknownHunt(id string) *Error { return newErr(KindNotFound, "hunt:"+id, nil) }

// AtLeastOneUnknownPath is returned from a multi-read call when one or more
// requested paths do not resolve.
func AtLeastOneUnknownPath(detail string) *Error {
	return newErr(KindNotFound, "path:"+detail, nil)
}

// DuplicateKey is returned on a write whose key already exists and the
// operation requires uniqueness.
func DuplicateKey(subject string) *Error { return newErr(KindDuplicate, subject, nil) }

// Serialization is returned when a stored payload cannot be decoded.
func Serialization(subject string, err error) *Error {
	return newErr(KindSerialization, subject, err)
}

// LeaseConflict is returned when a caller attempts to release or renew a
// lease it no longer holds.
func LeaseConflict(subject string) *Error { return newErr(KindLeaseConflict, subject, nil) }

// Transient wraps a retriable low-level storage failure (connection reset,
// deadline exceeded, etc).
func Transient(subject string, err error) *Error { return newErr(KindTransient, subject, err) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Retriable reports whether err should be retried by its caller.
func Retriable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retriable()
	}
	return false
}

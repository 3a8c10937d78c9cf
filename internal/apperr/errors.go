// Package apperr defines the error kinds shared by every recordflow component.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes errors. The gateway maps each kind to an HTTP status.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindInvalidFieldType    Kind = "InvalidFieldType"
	KindFieldInUse          Kind = "FieldInUseError"
	KindNotFound            Kind = "NotFound"
	KindVersionConflict     Kind = "VersionConflictError"
	KindRecordLocked        Kind = "RecordLockedError"
	KindAmbiguousTransition Kind = "AmbiguousTransitionError"
	KindCyclicRelation      Kind = "CyclicRelationError"
	KindRuleConflict        Kind = "RuleConflictError"
	KindWorkflowRunFailed   Kind = "WorkflowRunFailedError"
	KindAuditTamper         Kind = "AuditTamperError"
	KindUnauthenticated     Kind = "Unauthenticated"
	KindForbidden           Kind = "Forbidden"
	KindInternal            Kind = "InternalError"
)

// Error is a categorized error with structured details.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Details carries structured context (field names, versions, holders).
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With attaches a detail key and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Validation creates a ValidationError.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a NotFound error for a resource kind and id.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, "%s %q not found", resource, id).With("resource", resource).With("id", id)
}

// VersionConflict reports a stale expected version.
func VersionConflict(recordID string, expected, current int64) *Error {
	return New(KindVersionConflict, "record %q is at version %d, expected %d", recordID, current, expected).
		With("record_id", recordID).
		With("expected_version", expected).
		With("current_version", current)
}

// RecordLocked reports a write against a record locked by another actor.
func RecordLocked(recordID, holder string) *Error {
	return New(KindRecordLocked, "record %q is locked by %q", recordID, holder).
		With("record_id", recordID).
		With("locked_by", holder)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool { return Is(err, KindVersionConflict) }

// Package taskerrors defines the error taxonomy shared across the
// scheduler, task store, job runner and archivist.
package taskerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP-status mapping and retry decisions.
type Kind int

const (
	// KindUnknownTaskType means a task-type tag is not in the registry.
	KindUnknownTaskType Kind = iota
	// KindNotFound means a task or job uuid does not exist.
	KindNotFound
	// KindConflict means a duplicate task-type registration was attempted.
	KindConflict
	// KindValidation means task-creation fields are missing or ill-typed.
	KindValidation
	// KindBackendNotFound means the job function could not resolve its
	// datasource backend; terminal failure for that job.
	KindBackendNotFound
	// KindTransientRunner means the queue/runner infrastructure failed;
	// treated as a job failure, subject to the retry budget.
	KindTransientRunner
	// KindExternalWrite means the archivist's bulk write to the index failed.
	KindExternalWrite
)

func (k Kind) String() string {
	switch k {
	case KindUnknownTaskType:
		return "UnknownTaskType"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindValidation:
		return "ValidationError"
	case KindBackendNotFound:
		return "BackendNotFound"
	case KindTransientRunner:
		return "TransientRunnerError"
	case KindExternalWrite:
		return "ExternalWriteError"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carrying a Kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, taskerrors.NotFound("")) style checks work without
// comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// UnknownTaskType builds a KindUnknownTaskType error for the given tag.
func UnknownTaskType(tag string) *Error {
	return newErr(KindUnknownTaskType, fmt.Sprintf("unknown task type %q", tag), nil)
}

// NotFound builds a KindNotFound error for the given entity/id.
func NotFound(entity, id string) *Error {
	return newErr(KindNotFound, fmt.Sprintf("%s %q not found", entity, id), nil)
}

// Conflict builds a KindConflict error, e.g. duplicate task-type tag.
func Conflict(msg string) *Error {
	return newErr(KindConflict, msg, nil)
}

// Validation builds a KindValidation error.
func Validation(msg string) *Error {
	return newErr(KindValidation, msg, nil)
}

// BackendNotFound builds a KindBackendNotFound error for a datasource tag.
func BackendNotFound(tag string) *Error {
	return newErr(KindBackendNotFound, fmt.Sprintf("backend %q not found", tag), nil)
}

// TransientRunner wraps a runner/queue infrastructure error.
func TransientRunner(msg string, cause error) *Error {
	return newErr(KindTransientRunner, msg, cause)
}

// ExternalWrite wraps an archivist bulk-write failure.
func ExternalWrite(msg string, cause error) *Error {
	return newErr(KindExternalWrite, msg, cause)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Package apperrors classifies failures so transports can map them to
// status codes without knowing which layer produced them.
package apperrors

import (
	"errors"
	"fmt"
)

// Classes, matched with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnavailable       = errors.New("unavailable")
	ErrInternal          = errors.New("internal error")
)

// Error is a classified failure.
type Error struct {
	Class    error  // one of the Err* values
	Message  string // safe to show to API clients
	Field    string // request field at fault, validation only
	Resource string // "job", "provider", "project", ...
	ID       string // resource id, when known
	Op       string // failing operation, internal only
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the class and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Cause}
}

// Validation reports a bad request field.
func Validation(field, message string) error {
	return &Error{Class: ErrValidation, Message: message, Field: field}
}

func NotFound(resource, id string) error {
	return &Error{
		Class:    ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict reports that a resource is in a state that forbids the request,
// including a lost compare-and-swap.
func Conflict(resource, id, reason string) error {
	return &Error{Class: ErrConflict, Message: reason, Resource: resource, ID: id}
}

// InvalidTransition reports an illegal job status change.
func InvalidTransition(from, to string) error {
	return &Error{
		Class:    ErrInvalidTransition,
		Message:  fmt.Sprintf("invalid transition from %s to %s", from, to),
		Resource: "job",
	}
}

// Unavailable reports a dependency that is missing, disabled or unreachable.
func Unavailable(resource, reason string) error {
	return &Error{Class: ErrUnavailable, Message: reason, Resource: resource}
}

// Internal wraps an unexpected failure of op.
func Internal(op string, cause error) error {
	return &Error{
		Class:   ErrInternal,
		Message: fmt.Sprintf("%s: %v", op, cause),
		Op:      op,
		Cause:   cause,
	}
}

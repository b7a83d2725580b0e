package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by the engine unwraps to exactly one
// of these so callers can classify with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrUnknownField  = errors.New("unknown field")
	ErrPatchRejected = errors.New("patch rejected")
	ErrMalformedList = errors.New("malformed list")
	ErrDuplicate     = errors.New("duplicate constraint violation")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
)

// FieldError reports a problem with a single field of a single entity kind.
type FieldError struct {
	Kind  Kind
	Field string
	Msg   string
	Err   error
}

func (e *FieldError) Error() string { return e.Msg }

func (e *FieldError) Unwrap() error { return e.Err }

func invalid(kind Kind, field, format string, args ...any) error {
	return &FieldError{Kind: kind, Field: field, Msg: fmt.Sprintf(format, args...), Err: ErrValidation}
}

func unknownField(kind Kind, field string) error {
	return &FieldError{
		Kind:  kind,
		Field: field,
		Msg:   fmt.Sprintf("%s does not have attribute: %s", kind, field),
		Err:   ErrUnknownField,
	}
}

func rejected(kind Kind, field string) error {
	return &FieldError{Kind: kind, Field: field, Msg: fmt.Sprintf("Cannot patch %s", field), Err: ErrPatchRejected}
}

func malformed(kind Kind, field, msg string) error {
	return &FieldError{Kind: kind, Field: field, Msg: msg, Err: ErrMalformedList}
}

// Invalid builds a validation error for use by hooks and services.
func Invalid(kind Kind, field, format string, args ...any) error {
	return invalid(kind, field, format, args...)
}

// DuplicateError reports a uniqueness violation. Cause, when set, is the
// storage error that detected it.
type DuplicateError struct {
	Constraint string
	Msg        string
	Cause      error
}

func (e *DuplicateError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("duplicate value violates %s", e.Constraint)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

func (e *DuplicateError) Unwrap() error { return e.Cause }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found with uuid %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Conflict builds a state-conflict error.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

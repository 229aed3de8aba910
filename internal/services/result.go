// Package services implements the billing engine's use cases on top of
// narrow repository interfaces, so each service is testable against
// in-memory fakes.
package services

import (
	"errors"
	"fmt"

	"fatura/internal/storage"
)

// Code classifies a service failure for callers that map outcomes to
// transport responses or user-facing messages.
type Code string

const (
	CodeValidation    Code = "validation"
	CodeNotFound      Code = "not_found"
	CodeAuthorization Code = "authorization"
	CodeConflict      Code = "conflict"
	CodeState         Code = "state"
	CodePersistence   Code = "persistence"
)

// Error is the failure type every service operation returns. Message is safe
// to show to users; Err carries the underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationErr(msg string, cause error) *Error {
	return &Error{Code: CodeValidation, Message: msg, Err: cause}
}

func notFoundErr(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func authorizationErr(msg string) *Error {
	return &Error{Code: CodeAuthorization, Message: msg}
}

func conflictErr(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

func stateErr(msg string) *Error {
	return &Error{Code: CodeState, Message: msg}
}

func persistenceErr(msg string, cause error) *Error {
	return &Error{Code: CodePersistence, Message: msg, Err: cause}
}

// CodeOf extracts the classification from a service error, defaulting to
// persistence for anything untyped.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodePersistence
}

// wrapRepoErr maps a repository failure onto the taxonomy: a missing row
// becomes not_found, anything else is a persistence failure.
func wrapRepoErr(err error, notFoundMsg, persistMsg string) *Error {
	if errors.Is(err, storage.ErrNotFound) {
		return notFoundErr(notFoundMsg)
	}
	return persistenceErr(persistMsg, err)
}

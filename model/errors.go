package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrUnauthenticated  = "UNAUTHENTICATED"
	ErrConflict         = "CONFLICT"
	ErrInternalError    = "INTERNAL_ERROR"
	ErrMalformedMessage = "MALFORMED_MESSAGE"
)

// Workflow-specific error codes.
const (
	ErrActorNotFound     = "ACTOR_NOT_FOUND"
	ErrActorInactive     = "ACTOR_INACTIVE"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrCaseNotFound      = "CASE_NOT_FOUND"
	ErrCaseExists        = "CASE_EXISTS"
)

// ErrorEnvelope is the standard error body returned by the API and carried
// in error envelopes pushed to connections. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the envelope code carried by err, or INTERNAL_ERROR when
// err is not an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err is an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	return errors.As(err, &ee) && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthenticatedError returns an UNAUTHENTICATED error for requests
// without valid credentials.
func NewUnauthenticatedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthenticated, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error. It is used when the
// acting role is not allowed to perform a workflow action.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewActorNotFoundError returns an ACTOR_NOT_FOUND error.
func NewActorNotFoundError(actorID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrActorNotFound,
		Message: fmt.Sprintf("actor %q not found", actorID),
	}
}

// NewActorInactiveError returns an ACTOR_INACTIVE error.
func NewActorInactiveError(actorID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrActorInactive,
		Message: fmt.Sprintf("actor %q is not active", actorID),
	}
}

// NewCaseNotFoundError returns a CASE_NOT_FOUND error.
func NewCaseNotFoundError(caseID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCaseNotFound,
		Message: fmt.Sprintf("case %q not found", caseID),
	}
}

// NewCaseExistsError returns a CASE_EXISTS error.
func NewCaseExistsError(caseID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCaseExists,
		Message: fmt.Sprintf("case %q already exists", caseID),
	}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewMalformedMessageError returns a MALFORMED_MESSAGE error.
func NewMalformedMessageError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMalformedMessage, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

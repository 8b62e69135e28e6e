package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrBusinessError      = "BUSINESS_ERROR"
)

// Submission and signing error codes.
const (
	ErrPartialSubmission  = "PARTIAL_SUBMISSION"
	ErrSigningUnavailable = "SIGNING_UNAVAILABLE"
	ErrSigningFailed      = "SIGNING_FAILED"
)

// ErrorEnvelope is the error body every failed /ui request returns.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`

	// UpstreamStatus is the HTTP status reported by the backend for
	// BUSINESS_ERROR envelopes. Zero otherwise.
	UpstreamStatus int `json:"upstream_status,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err to an *ErrorEnvelope if one is present in the chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewBusinessError returns a BUSINESS_ERROR carrying the backend's own
// message and status code.
func NewBusinessError(status int, msg string) *ErrorEnvelope {
	if msg == "" {
		msg = fmt.Sprintf("The backend rejected the request (status %d)", status)
	}
	return &ErrorEnvelope{
		Code:           ErrBusinessError,
		Message:        msg,
		UpstreamStatus: status,
	}
}

// NewPartialSubmissionError reports that the record was saved but one or
// more follow-up steps (attachment upload, transfer) failed.
func NewPartialSubmissionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPartialSubmission, Message: msg}
}

// NewSigningUnavailableError returns a SIGNING_UNAVAILABLE error.
func NewSigningUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSigningUnavailable,
		Message: "The signing service is not reachable",
	}
}

// NewSigningFailedError returns a SIGNING_FAILED error with the daemon's message.
func NewSigningFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSigningFailed, Message: msg}
}

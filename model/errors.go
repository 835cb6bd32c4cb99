package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine error codes.
const (
	ErrNotPending          = "NOT_PENDING"
	ErrNotApprover         = "NOT_APPROVER"
	ErrRunBusy             = "RUN_BUSY"
	ErrRunNotActive        = "RUN_NOT_ACTIVE"
	ErrEvaluationFailed    = "EVALUATION_FAILED"
	ErrDefinitionNotActive = "DEFINITION_NOT_ACTIVE"
)

// ErrorEnvelope is the standard error response envelope returned by the
// engine API. It implements the error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error. For definition
// validation the Field is the path of the offending node or edge.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err into an *ErrorEnvelope if one is in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
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

// NewNotPendingError is returned when a decision, delegation or expiry
// targets an approval request that already reached a terminal state.
func NewNotPendingError(requestID string, status ApprovalStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotPending,
		Message: fmt.Sprintf("approval request %q is %s, not pending", requestID, status),
	}
}

// NewNotApproverError returns a NOT_APPROVER error.
func NewNotApproverError(actorID, requestID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotApprover,
		Message: fmt.Sprintf("actor %q may not act on approval request %q", actorID, requestID),
	}
}

// NewRunBusyError is returned when the per-run lock could not be acquired
// within the configured wait. Callers may retry.
func NewRunBusyError(runID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrRunBusy,
		Message:   fmt.Sprintf("run %q is busy, retry later", runID),
		Retryable: true,
	}
}

// NewRunNotActiveError returns a RUN_NOT_ACTIVE error.
func NewRunNotActiveError(runID string, status RunStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRunNotActive,
		Message: fmt.Sprintf("run %q is %s", runID, status),
	}
}

// NewDefinitionNotActiveError returns a DEFINITION_NOT_ACTIVE error.
func NewDefinitionNotActiveError(definitionID string, status DefinitionStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionNotActive,
		Message: fmt.Sprintf("definition %q is %s", definitionID, status),
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

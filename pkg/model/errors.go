package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation      ErrorCode = "VALIDATION_ERROR"
	ErrPaymentRequired ErrorCode = "PAYMENT_REQUIRED"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
)

var (
	// ErrTaskTerminal is returned when a write targets a task that already
	// reached completed, failed or interrupted.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrTaskNotFound is returned by store writes that match no task row.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUserNotFound is returned by ledger operations on an unknown user.
	ErrUserNotFound = errors.New("user not found")
)

// APIError is a structured error returned by the runner API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to its HTTP status class.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrPaymentRequired:
		return http.StatusPaymentRequired
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewPaymentRequiredError creates a PAYMENT_REQUIRED APIError.
func NewPaymentRequiredError(need int64) *APIError {
	return &APIError{
		Code:    ErrPaymentRequired,
		Message: fmt.Sprintf("insufficient credits: %d required", need),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// AsAPIError converts any error into an APIError, defaulting to INTERNAL_ERROR.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternalError(err.Error())
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

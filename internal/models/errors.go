package models

import (
	"errors"
	"fmt"
	"time"
)

// Error codes surfaced to callers. The HTTP layer maps each to a status code.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotAuthorized   = "NOT_AUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeSessionRequired = "SESSION_REQUIRED"
	CodeInternal        = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Details    string `json:"details,omitempty"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
	// RetryAfter is only set for RATE_LIMITED errors.
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewNotAuthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeNotAuthorized,
		Message: message,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// NewRateLimitedError reports a rejected admission with the estimated wait before a retry can succeed.
func NewRateLimitedError(retryAfter time.Duration) *AppError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &AppError{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry in %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

func NewSessionRequiredError() *AppError {
	return &AppError{
		Code:    CodeSessionRequired,
		Message: "an authenticated session is required",
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// IsCode reports whether err is (or wraps) an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

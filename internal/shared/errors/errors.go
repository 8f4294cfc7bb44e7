package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrBadRequest    = errors.New("bad request")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal error")
	ErrValidation    = errors.New("validation error")
	ErrIntegrity     = errors.New("integrity violation")
	ErrUnavailable   = errors.New("dependency unavailable")
	ErrConfiguration = errors.New("configuration error")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
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

// WithDetail attaches a detail key to the error and returns it
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Integrity creates an error for tampered or inconsistent evidence.
// Details should locate the broken record.
func Integrity(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrIntegrity,
		Message:    message,
		Code:       "INTEGRITY_VIOLATION",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

// Unavailable creates an error for an external dependency that could not serve the request
func Unavailable(message string, cause error) *AppError {
	err := ErrUnavailable
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrUnavailable, cause)
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Configuration creates an error for missing or invalid configuration
func Configuration(message string, cause error) *AppError {
	err := ErrConfiguration
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrConfiguration, cause)
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "CONFIGURATION_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Join combines several errors into one that matches each of them
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsIntegrity reports whether err signals tampered evidence
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }

// IsUnavailable reports whether err signals an unreachable dependency
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsConfiguration reports whether err signals a misconfiguration
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsValidation reports whether err signals rejected input
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err signals a missing resource
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err signals a conflicting write
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// HTTPStatus returns the HTTP status for err, defaulting to 500
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Package errors provides custom error types for the Browserdeck application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeDuplicateID        = "DUPLICATE_ID"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeProfileBusy        = "PROFILE_BUSY"
	ErrCodeSessionStartError  = "SESSION_START_ERROR"
	ErrCodeTaskTimeout        = "TASK_TIMEOUT"
	ErrCodeTaskFailed         = "TASK_FAILED"
	ErrCodeChannelAttachError = "CHANNEL_ATTACH_ERROR"
	ErrCodeInvalidCode        = "INVALID_CODE"
	ErrCodeCodeExpired        = "CODE_EXPIRED"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeQueueFull          = "QUEUE_FULL"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// DuplicateID creates an error for an agent id that already exists.
func DuplicateID(id string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicateID,
		Message:    fmt.Sprintf("agent with id '%s' already exists", id),
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ProfileBusy creates an error for a browser profile already attached to a
// running agent.
func ProfileBusy(profileID string, agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeProfileBusy,
		Message:    fmt.Sprintf("profile '%s' is already in use by agent '%s'", profileID, agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// SessionStartError creates an error for a failed automation-engine session
// open. It is terminal for that start attempt; no automatic retry is done.
func SessionStartError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeSessionStartError,
		Message:    "failed to open browser session",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// TaskTimeout creates an error for a task that exceeded its timeout.
func TaskTimeout(taskID string, timeoutMs int) *AppError {
	return &AppError{
		Code:       ErrCodeTaskTimeout,
		Message:    fmt.Sprintf("task '%s' timed out after %dms", taskID, timeoutMs),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// TaskFailed creates an error for a task-level failure reported by the engine.
func TaskFailed(taskID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTaskFailed,
		Message:    fmt.Sprintf("task '%s' failed", taskID),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ChannelAttachError creates an error for a failed control-channel connection.
// Non-fatal to the agent's running state.
func ChannelAttachError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeChannelAttachError,
		Message:    "failed to attach control channel",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// InvalidCode creates an error for an unknown or already consumed
// authorization code.
func InvalidCode() *AppError {
	return &AppError{
		Code:       ErrCodeInvalidCode,
		Message:    "authorization code is invalid or has already been used",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// CodeExpired creates an error for an authorization code past its expiry.
func CodeExpired() *AppError {
	return &AppError{
		Code:       ErrCodeCodeExpired,
		Message:    "authorization code has expired",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// QueueFull creates a backpressure error for a full task queue.
func QueueFull(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    fmt.Sprintf("task queue for agent '%s' is full", agentID),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the machine-readable code for an error, or INTERNAL_ERROR
// if it is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsProfileBusy checks if the error is a profile busy error.
func IsProfileBusy(err error) bool {
	return Code(err) == ErrCodeProfileBusy
}

// IsInvalidCode checks if the error is an invalid or expired code error.
func IsInvalidCode(err error) bool {
	c := Code(err)
	return c == ErrCodeInvalidCode || c == ErrCodeCodeExpired
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

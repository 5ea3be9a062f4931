package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Device / permission errors
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound   ErrorCode = "DEVICE_NOT_FOUND"
	ErrCodeDeviceInUse      ErrorCode = "DEVICE_IN_USE"

	// Signaling errors
	ErrCodeSignalingDisconnected ErrorCode = "SIGNALING_DISCONNECTED"

	// Media transport errors
	ErrCodeTokenFetchFailed    ErrorCode = "TOKEN_FETCH_FAILED"
	ErrCodeTransportJoinFailed ErrorCode = "TRANSPORT_JOIN_FAILED"
	ErrCodePublishFailed       ErrorCode = "PUBLISH_FAILED"

	// Call lifecycle errors
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeRemoteRejected  ErrorCode = "REMOTE_REJECTED"
	ErrCodeRemoteCancelled ErrorCode = "REMOTE_CANCELLED"
	ErrCodeCallNotFound    ErrorCode = "CALL_NOT_FOUND"
	ErrCodeInvalidState    ErrorCode = "INVALID_STATE"
	ErrCodeCallInProgress  ErrorCode = "CALL_IN_PROGRESS"

	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Device / permission errors

func PermissionDeniedError(kind string) *AppError {
	return NewWithStatus(ErrCodePermissionDenied, fmt.Sprintf("Permission denied for %s device", kind), http.StatusForbidden)
}

func DeviceNotFoundError(kind string) *AppError {
	return NewWithStatus(ErrCodeDeviceNotFound, fmt.Sprintf("No %s device found", kind), http.StatusNotFound)
}

func DeviceInUseError(kind string) *AppError {
	return NewWithStatus(ErrCodeDeviceInUse, fmt.Sprintf("%s device is in use by another application", kind), http.StatusConflict)
}

// Signaling errors

func SignalingDisconnectedError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeSignalingDisconnected,
		Message:    "Signaling connection lost",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// Media transport errors

func TokenFetchFailedError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeTokenFetchFailed,
		Message:    "Cannot connect to call: token request failed",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

func TransportJoinFailedError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransportJoinFailed,
		Message:    "Cannot connect to call: media session join failed",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

func PublishFailedError(err error) *AppError {
	return Wrap(ErrCodePublishFailed, "Failed to publish local media tracks", err)
}

// Call lifecycle errors

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

func InvalidStateError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidState, message, http.StatusConflict)
}

func CallInProgressError() *AppError {
	return NewWithStatus(ErrCodeCallInProgress, "Another call is already in progress", http.StatusConflict)
}

// Validation errors

func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors

func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Internal errors

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

// IsCode reports whether err is an AppError carrying the given code,
// unwrapping as needed.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

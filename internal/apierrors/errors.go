// Package apierrors provides a unified, structured error taxonomy for the
// simulation engine's binaries and the HTTP API they expose.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"
	ErrCodeFlagValidation   ErrorCode = "VAL_3005"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal            ErrorCode = "SVC_5001"
	ErrCodeExternalAPI         ErrorCode = "SVC_5002"
	ErrCodeTimeout             ErrorCode = "SVC_5003"
	ErrCodeRateLimitExceeded   ErrorCode = "SVC_5004"
	ErrCodePersistenceWrite    ErrorCode = "SVC_5005"

	// Port allocator errors (8xxx) — C1
	ErrCodePortExhausted  ErrorCode = "PORT_8001"
	ErrCodePortBindFailed ErrorCode = "PORT_8002"

	// Child service / supervisor errors (9xxx) — C3/C4
	ErrCodeChildHealthTimeout ErrorCode = "CHILD_9001"
	ErrCodeChildCrashed       ErrorCode = "CHILD_9002"
	ErrCodeChildSpawnFailed   ErrorCode = "CHILD_9003"

	// Journey orchestrator errors (10xxx) — C5
	ErrCodeStepTransportError ErrorCode = "STEP_10001"
	ErrCodeStepErrorResponse  ErrorCode = "STEP_10002"

	// Event fan-out errors (11xxx) — C7
	ErrCodeEventDeliveryFailed ErrorCode = "EVENT_11001"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "Invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// FlagValidation reports a feature flag that failed validation (unknown
// target, malformed rollout percentage, unsupported mode, and so on).
func FlagValidation(flagKey, reason string) *ServiceError {
	return New(ErrCodeFlagValidation, "Flag validation failed", http.StatusBadRequest).
		WithDetails("flag", flagKey).
		WithDetails("reason", reason)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "Resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "External API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// PersistenceWriteFailed reports a failed write to the journal/flag/journey
// store backing a component's durable state.
func PersistenceWriteFailed(store string, err error) *ServiceError {
	return Wrap(ErrCodePersistenceWrite, "Persistence write failed", http.StatusInternalServerError, err).
		WithDetails("store", store)
}

// Port allocator errors (C1)

// PortExhausted reports that the allocator's configured port range has no
// free ports remaining.
func PortExhausted(rangeStart, rangeEnd int) *ServiceError {
	return New(ErrCodePortExhausted, "Port range exhausted", http.StatusServiceUnavailable).
		WithDetails("range_start", rangeStart).
		WithDetails("range_end", rangeEnd)
}

// PortBindFailed reports that a candidate port failed the allocator's bind
// probe (already in use by another process).
func PortBindFailed(port int, err error) *ServiceError {
	return Wrap(ErrCodePortBindFailed, "Port bind probe failed", http.StatusConflict, err).
		WithDetails("port", port)
}

// Child service / supervisor errors (C3/C4)

// ChildHealthTimeout reports that a child service did not become healthy
// within its configured startup or liveness deadline.
func ChildHealthTimeout(serviceID string, err error) *ServiceError {
	return Wrap(ErrCodeChildHealthTimeout, "Child service health check timed out", http.StatusGatewayTimeout, err).
		WithDetails("service_id", serviceID)
}

// ChildCrashed reports that a supervised child process exited unexpectedly.
func ChildCrashed(serviceID string, exitCode int) *ServiceError {
	return New(ErrCodeChildCrashed, "Child service crashed", http.StatusServiceUnavailable).
		WithDetails("service_id", serviceID).
		WithDetails("exit_code", exitCode)
}

// ChildSpawnFailed reports that the supervisor failed to start a child
// service's process.
func ChildSpawnFailed(serviceID string, err error) *ServiceError {
	return Wrap(ErrCodeChildSpawnFailed, "Failed to spawn child service", http.StatusInternalServerError, err).
		WithDetails("service_id", serviceID)
}

// Journey orchestrator errors (C5)

// StepTransportError reports a network-level failure calling a journey
// step's target service.
func StepTransportError(stepName string, err error) *ServiceError {
	return Wrap(ErrCodeStepTransportError, "Journey step transport error", http.StatusBadGateway, err).
		WithDetails("step", stepName)
}

// StepErrorResponse reports that a journey step's target service responded
// with a non-2xx status.
func StepErrorResponse(stepName string, status int) *ServiceError {
	return New(ErrCodeStepErrorResponse, "Journey step returned an error response", http.StatusBadGateway).
		WithDetails("step", stepName).
		WithDetails("upstream_status", status)
}

// Event fan-out errors (C7)

// EventDeliveryFailed reports that an event could not be delivered to any
// configured sink, including its fallback.
func EventDeliveryFailed(eventType string, err error) *ServiceError {
	return Wrap(ErrCodeEventDeliveryFailed, "Event delivery failed", http.StatusBadGateway, err).
		WithDetails("event_type", eventType)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

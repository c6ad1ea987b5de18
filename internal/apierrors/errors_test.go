package apierrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeNotFound, "test message", http.StatusNotFound),
			want: "[RES_4001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[SVC_5001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test", http.StatusBadRequest)
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("email", "invalid format")

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}

	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}

	if err.Details["field"] != "email" {
		t.Errorf("Details[field] = %v, want email", err.Details["field"])
	}
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("service_id")

	if err.Code != ErrCodeMissingParameter {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeMissingParameter)
	}

	if err.Details["parameter"] != "service_id" {
		t.Errorf("Details[parameter] = %v, want service_id", err.Details["parameter"])
	}
}

func TestOutOfRange(t *testing.T) {
	err := OutOfRange("rollout_percent", 0, 100)

	if err.Code != ErrCodeOutOfRange {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeOutOfRange)
	}

	if err.Details["field"] != "rollout_percent" {
		t.Errorf("Details[field] = %v, want rollout_percent", err.Details["field"])
	}

	if err.Details["min"] != 0 {
		t.Errorf("Details[min] = %v, want 0", err.Details["min"])
	}

	if err.Details["max"] != 100 {
		t.Errorf("Details[max] = %v, want 100", err.Details["max"])
	}
}

func TestFlagValidation(t *testing.T) {
	err := FlagValidation("checkout-v2", "rollout percent must be between 0 and 100")

	if err.Code != ErrCodeFlagValidation {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeFlagValidation)
	}

	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}

	if err.Details["flag"] != "checkout-v2" {
		t.Errorf("Details[flag] = %v, want checkout-v2", err.Details["flag"])
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("service", "svc-123")

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}

	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}

	if err.Details["resource"] != "service" {
		t.Errorf("Details[resource] = %v, want service", err.Details["resource"])
	}

	if err.Details["id"] != "svc-123" {
		t.Errorf("Details[id] = %v, want svc-123", err.Details["id"])
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("journey", "checkout-flow")

	if err.Code != ErrCodeAlreadyExists {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeAlreadyExists)
	}

	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestConflict(t *testing.T) {
	err := Conflict("journey already running")

	if err.Code != ErrCodeConflict {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeConflict)
	}

	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}

	if err.Message != "journey already running" {
		t.Errorf("Message = %v, want journey already running", err.Message)
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("unexpected nil pointer")
	err := Internal("internal error", underlying)

	if err.Code != ErrCodeInternal {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInternal)
	}

	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}

	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestExternalAPIError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := ExternalAPIError("payment", underlying)

	if err.Code != ErrCodeExternalAPI {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeExternalAPI)
	}

	if err.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadGateway)
	}

	if err.Details["service"] != "payment" {
		t.Errorf("Details[service] = %v, want payment", err.Details["service"])
	}
}

func TestTimeout(t *testing.T) {
	err := Timeout("journey step call")

	if err.Code != ErrCodeTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeTimeout)
	}

	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}

	if err.Details["operation"] != "journey step call" {
		t.Errorf("Details[operation] = %v, want journey step call", err.Details["operation"])
	}
}

func TestRateLimitExceeded(t *testing.T) {
	err := RateLimitExceeded(100, "1m")

	if err.Code != ErrCodeRateLimitExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRateLimitExceeded)
	}

	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}

	if err.Details["limit"] != 100 {
		t.Errorf("Details[limit] = %v, want 100", err.Details["limit"])
	}
}

func TestPersistenceWriteFailed(t *testing.T) {
	underlying := errors.New("disk full")
	err := PersistenceWriteFailed("journeystore", underlying)

	if err.Code != ErrCodePersistenceWrite {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePersistenceWrite)
	}

	if err.Details["store"] != "journeystore" {
		t.Errorf("Details[store] = %v, want journeystore", err.Details["store"])
	}
}

func TestPortExhausted(t *testing.T) {
	err := PortExhausted(9000, 9999)

	if err.Code != ErrCodePortExhausted {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePortExhausted)
	}

	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}

	if err.Details["range_start"] != 9000 {
		t.Errorf("Details[range_start] = %v, want 9000", err.Details["range_start"])
	}
}

func TestPortBindFailed(t *testing.T) {
	underlying := errors.New("address already in use")
	err := PortBindFailed(9123, underlying)

	if err.Code != ErrCodePortBindFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePortBindFailed)
	}

	if err.Details["port"] != 9123 {
		t.Errorf("Details[port] = %v, want 9123", err.Details["port"])
	}
}

func TestChildHealthTimeout(t *testing.T) {
	underlying := errors.New("context deadline exceeded")
	err := ChildHealthTimeout("svc-1", underlying)

	if err.Code != ErrCodeChildHealthTimeout {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeChildHealthTimeout)
	}

	if err.Details["service_id"] != "svc-1" {
		t.Errorf("Details[service_id] = %v, want svc-1", err.Details["service_id"])
	}
}

func TestChildCrashed(t *testing.T) {
	err := ChildCrashed("svc-1", 1)

	if err.Code != ErrCodeChildCrashed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeChildCrashed)
	}

	if err.Details["exit_code"] != 1 {
		t.Errorf("Details[exit_code] = %v, want 1", err.Details["exit_code"])
	}
}

func TestChildSpawnFailed(t *testing.T) {
	underlying := errors.New("exec format error")
	err := ChildSpawnFailed("svc-1", underlying)

	if err.Code != ErrCodeChildSpawnFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeChildSpawnFailed)
	}
}

func TestStepTransportError(t *testing.T) {
	underlying := errors.New("connection reset")
	err := StepTransportError("charge-card", underlying)

	if err.Code != ErrCodeStepTransportError {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStepTransportError)
	}

	if err.Details["step"] != "charge-card" {
		t.Errorf("Details[step] = %v, want charge-card", err.Details["step"])
	}
}

func TestStepErrorResponse(t *testing.T) {
	err := StepErrorResponse("charge-card", http.StatusInternalServerError)

	if err.Code != ErrCodeStepErrorResponse {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeStepErrorResponse)
	}

	if err.Details["upstream_status"] != http.StatusInternalServerError {
		t.Errorf("Details[upstream_status] = %v, want 500", err.Details["upstream_status"])
	}
}

func TestEventDeliveryFailed(t *testing.T) {
	underlying := errors.New("sink unreachable")
	err := EventDeliveryFailed("order.completed", underlying)

	if err.Code != ErrCodeEventDeliveryFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeEventDeliveryFailed)
	}

	if err.Details["event_type"] != "order.completed" {
		t.Errorf("Details[event_type] = %v, want order.completed", err.Details["event_type"])
	}
}

func TestIsServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "service error",
			err:  New(ErrCodeInternal, "test", http.StatusInternalServerError),
			want: true,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServiceError(tt.err); got != tt.want {
				t.Errorf("IsServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetServiceError(t *testing.T) {
	serviceErr := New(ErrCodeInternal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *ServiceError
	}{
		{
			name: "service error",
			err:  serviceErr,
			want: serviceErr,
		},
		{
			name: "standard error",
			err:  standardErr,
			want: nil,
		},
		{
			name: "nil error",
			err:  nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetServiceError(tt.err)
			if got != tt.want {
				t.Errorf("GetServiceError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "service error",
			err:  New(ErrCodeNotFound, "test", http.StatusNotFound),
			want: http.StatusNotFound,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: http.StatusInternalServerError,
		},
		{
			name: "nil error",
			err:  nil,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

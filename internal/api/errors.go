package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/werkstatt/internal/errdefs"
)

// Error codes returned in API responses
const (
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeSandboxNotFound     = "SANDBOX_NOT_FOUND"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeBindingNotFound     = "BINDING_NOT_FOUND"
	ErrCodeNotRunning          = "NOT_RUNNING"
	ErrCodeBeingReclaimed      = "BEING_RECLAIMED"
	ErrCodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	ErrCodeSandboxCreateFailed = "SANDBOX_CREATE_FAILED"
	ErrCodeSandboxStartFailed  = "SANDBOX_START_FAILED"
	ErrCodeExecutionFailed     = "EXECUTION_FAILED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
)

// APIError represents a structured API error response
type APIError struct {
	Code      string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

var errorStatus = []struct {
	target error
	code   string
	status int
}{
	{errdefs.ErrValidation, ErrCodeValidationFailed, http.StatusBadRequest},
	{errdefs.ErrSandboxNotFound, ErrCodeSandboxNotFound, http.StatusNotFound},
	{errdefs.ErrSessionNotFound, ErrCodeSessionNotFound, http.StatusNotFound},
	{errdefs.ErrBindingNotFound, ErrCodeBindingNotFound, http.StatusNotFound},
	{errdefs.ErrBeingReclaimed, ErrCodeBeingReclaimed, http.StatusConflict},
	{errdefs.ErrNotRunning, ErrCodeNotRunning, http.StatusConflict},
	{errdefs.ErrBackendUnavailable, ErrCodeBackendUnavailable, http.StatusServiceUnavailable},
	{errdefs.ErrSandboxCreateFailed, ErrCodeSandboxCreateFailed, http.StatusBadGateway},
	{errdefs.ErrSandboxStartFailed, ErrCodeSandboxStartFailed, http.StatusBadGateway},
	{errdefs.ErrExecutionFailed, ErrCodeExecutionFailed, http.StatusBadGateway},
}

// writeAPIError maps err onto a status code and a stable error code.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := APIError{Code: ErrCodeInternalError, Message: err.Error(), RequestID: requestID(r.Context())}
	statusCode := http.StatusInternalServerError
	for _, e := range errorStatus {
		if errors.Is(err, e.target) {
			apiErr.Code = e.code
			statusCode = e.status
			break
		}
	}

	var ve *errdefs.ValidationError
	if errors.As(err, &ve) {
		apiErr.Details = map[string]any{"field": ve.Field, "value": ve.Value}
		if ve.Max != nil {
			apiErr.Details["max"] = ve.Max
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request for a malformed request.
func writeValidationError(w http.ResponseWriter, r *http.Request, message string, details map[string]any) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Code:      ErrCodeInvalidRequest,
		Message:   message,
		Details:   details,
		RequestID: requestID(r.Context()),
	})
}

// writeUnauthorizedError writes a 401 with a bearer challenge.
func writeUnauthorizedError(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="werkstatt"`)
	writeJSON(w, http.StatusUnauthorized, APIError{
		Code:      ErrCodeUnauthorized,
		Message:   message,
		RequestID: requestID(r.Context()),
	})
}

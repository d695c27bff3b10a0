package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound          = "not_found"
	ErrCodeInvalidGraph      = "invalid_graph"
	ErrCodeBadRequest        = "bad_request"
	ErrCodeUnknownStep       = "unknown_step"
	ErrCodeNameConflict      = "name_conflict"
	ErrCodeInvalidState      = "invalid_state"
	ErrCodeRecordConflict    = "record_conflict"
	ErrCodeDurability        = "durability_failure"
	ErrCodeInternalError     = "internal_error"
	ErrCodeServiceUnavail    = "service_unavailable"
	ErrCodeStreamUnsupported = "streaming_unsupported"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`                // Short error code
	Message   string         `json:"message"`              // Human-readable message
	Details   map[string]any `json:"details,omitempty"`    // Optional additional details
	RequestID string         `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// errorStatus maps a store error to an HTTP status and error code. The
// more specific sentinels are checked first.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrRecordConflict):
		return http.StatusConflict, ErrCodeRecordConflict
	case errors.Is(err, types.ErrNameConflict):
		return http.StatusConflict, ErrCodeNameConflict
	case errors.Is(err, types.ErrUnknownStep):
		return http.StatusUnprocessableEntity, ErrCodeUnknownStep
	case errors.Is(err, types.ErrInvalidGraph):
		return http.StatusBadRequest, ErrCodeInvalidGraph
	case errors.Is(err, types.ErrInvalidState):
		return http.StatusConflict, ErrCodeInvalidState
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, types.ErrDurability):
		return http.StatusServiceUnavailable, ErrCodeDurability
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Package api provides the HTTP handlers of the rankd server and its
// standardized error responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/neuralrank/internal/middleware"
	"github.com/onnwee/neuralrank/internal/ranker"
	"github.com/onnwee/neuralrank/internal/state"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded. It matches the code
	// written by middleware.RateLimiter.
	ErrCodeRateLimited = "rate_limit_exceeded"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeRankerNotFound indicates no ranker is registered under the name.
	ErrCodeRankerNotFound = "ranker_not_found"

	// ErrCodeDimensionMismatch indicates a feature vector of the wrong width.
	ErrCodeDimensionMismatch = "dimension_mismatch"

	// ErrCodeInvalidSelection indicates a selected rank outside the candidates.
	ErrCodeInvalidSelection = "invalid_selection"

	// ErrCodeCorruptState indicates an uploaded state failed validation.
	ErrCodeCorruptState = "corrupt_state"

	// ErrCodeArchitectureShrink indicates a state wider than the configured input.
	ErrCodeArchitectureShrink = "architecture_shrink"

	// ErrCodeIncompatibleState indicates hidden or output widths differ.
	ErrCodeIncompatibleState = "incompatible_state"

	// ErrCodeUnsupportedType indicates an unsupported state encoding.
	ErrCodeUnsupportedType = "unsupported_type"

	// ErrCodeStoreUnavailable indicates the state store could not be reached.
	ErrCodeStoreUnavailable = "store_unavailable"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code for
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// Example:
//
//	api.WriteError(w, r.Context(), http.StatusNotFound, api.ErrCodeRankerNotFound, "ranker not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// WriteRankerError maps a ranker or state error to its status and code. Errors
// not recognized are logged and reported as internal errors without detail.
func WriteRankerError(w http.ResponseWriter, ctx context.Context, err error) {
	code := ErrorCode(err)
	msg := err.Error()
	if code == ErrCodeInternal {
		slog.ErrorContext(ctx, "ranker operation failed", "error", err)
		msg = "internal server error"
	}
	WriteError(w, ctx, StatusCodeMapping(code), code, msg)
}

// ErrorCode returns the API error code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ranker.ErrShapeMismatch):
		return ErrCodeDimensionMismatch
	case errors.Is(err, ranker.ErrInvalidFeature):
		return ErrCodeValidation
	case errors.Is(err, ranker.ErrInvalidRank):
		return ErrCodeInvalidSelection
	case errors.Is(err, ranker.ErrArchitectureShrink):
		return ErrCodeArchitectureShrink
	case errors.Is(err, ranker.ErrIncompatibleState):
		return ErrCodeIncompatibleState
	case errors.Is(err, state.ErrCorrupt):
		return ErrCodeCorruptState
	case errors.Is(err, state.ErrUnknownCodec):
		return ErrCodeUnsupportedType
	case errors.Is(err, state.ErrNotFound):
		return ErrCodeNotFound
	default:
		return ErrCodeInternal
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
// This is a convenience function to map error codes to HTTP status codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeDimensionMismatch,
		ErrCodeInvalidSelection, ErrCodeCorruptState:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeRankerNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeArchitectureShrink, ErrCodeIncompatibleState:
		return http.StatusConflict
	case ErrCodeUnsupportedType:
		return http.StatusUnsupportedMediaType
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

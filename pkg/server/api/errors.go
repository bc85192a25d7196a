package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ctrlsam/rigour/pkg/storage"
)

// Note on API Error DTOs and Evolution Policy
//
// The JSON error payloads produced here (error, code, message) are part of the
// public API contract. Fields are additive-only; breaking changes go under a
// new API version.

// ErrorResponse represents a standard JSON error response.
// Used consistently across all API endpoints for error responses.
//
// Example:
//
//	{
//	  "error": "Not Found",
//	  "code": "RESOURCE_NOT_FOUND",
//	  "message": "host \"192.0.2.1\" not found"
//	}
type ErrorResponse struct {
	Error   string `json:"error"`             // Short error type (e.g., "Not Found", "Internal Server Error")
	Code    string `json:"code,omitempty"`    // Machine-readable error code (e.g., "RESOURCE_NOT_FOUND", "INVALID_INPUT")
	Message string `json:"message,omitempty"` // Detailed error message (optional)
}

// WriteError writes a standard JSON error response to the client.
// It determines the HTTP status code based on error type:
//   - storage.NotFoundError → 404 Not Found
//   - storage.InvalidInputError → 400 Bad Request
//   - storage.ErrClosed → 503 Service Unavailable
//   - All other errors → 500 Internal Server Error
//
// It also logs the error with structured logging for observability.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		statusCode int
		errorCode  string
	)

	var notFoundErr *storage.NotFoundError
	var invalidInputErr *storage.InvalidInputError
	switch {
	case errors.As(err, &notFoundErr):
		statusCode = http.StatusNotFound
		errorCode = "RESOURCE_NOT_FOUND"
	case errors.As(err, &invalidInputErr):
		statusCode = http.StatusBadRequest
		errorCode = "INVALID_INPUT"
	case errors.Is(err, storage.ErrClosed):
		statusCode = http.StatusServiceUnavailable
		errorCode = "STORAGE_UNAVAILABLE"
	default:
		statusCode = http.StatusInternalServerError
		errorCode = "INTERNAL_ERROR"
	}

	logEvent := log.Error()
	if statusCode < 500 {
		logEvent = log.Debug()
	}
	logEvent = logEvent.
		Str("component", "api").
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", statusCode).
		Str("error_code", errorCode).
		Err(err)

	switch {
	case statusCode == http.StatusNotFound:
		logEvent.Msg("Resource not found")
	case statusCode >= 500:
		logEvent.Msg("Internal server error")
	default:
		logEvent.Msg("Client error")
	}

	WriteJSONError(w, statusCode, http.StatusText(statusCode), errorCode, err.Error())
}

// WriteJSONError writes a custom JSON error response with a specific status code.
// Use this when you need fine-grained control over the error response.
//
// Example:
//
//	WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_QUERY", "limit must be between 1 and 100")
func WriteJSONError(w http.ResponseWriter, statusCode int, errorType, errorCode, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   errorType,
		Code:    errorCode,
		Message: message,
	})
}

// WriteJSON writes a JSON response to the client.
// Use this for successful API responses.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().
			Str("component", "api").
			Err(err).
			Msg("Failed to encode JSON response")
	}
}

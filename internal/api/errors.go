// Package api provides the HTTP and websocket handlers for the Wayfare API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/wayfare/internal/connection"
	"github.com/onnwee/wayfare/internal/matching"
	"github.com/onnwee/wayfare/internal/message"
	"github.com/onnwee/wayfare/internal/middleware"
	"github.com/onnwee/wayfare/internal/notify"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/validate"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	ErrCodeSelfRequest        = "self_request"
	ErrCodeAlreadyConnected   = "already_connected"
	ErrCodeRequestAlreadySent = "request_already_sent"
	ErrCodePreviouslyRejected = "previously_rejected"
	ErrCodeAlreadyResolved    = "already_resolved"
	ErrCodeNotConnected       = "not_connected"
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

// WriteError writes a standardized JSON error response.
// It writes the appropriate HTTP status code and returns a JSON error body.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error_code is picked up by the logging middleware when the context
// carries it via middleware.SetErrorCode:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "Connection request not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", slog.String("error", err.Error()))
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeSelfRequest:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden, ErrCodeNotConnected:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeAlreadyConnected, ErrCodeRequestAlreadySent,
		ErrCodePreviouslyRejected, ErrCodeAlreadyResolved:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorCode classifies a domain error into an API error code and a message
// safe to show to clients. Unknown errors are internal.
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, connection.ErrSelfRequest):
		return ErrCodeSelfRequest, "Cannot send a connection request to yourself"
	case errors.Is(err, connection.ErrAlreadyConnected):
		return ErrCodeAlreadyConnected, "Already connected"
	case errors.Is(err, connection.ErrRequestAlreadySent):
		return ErrCodeRequestAlreadySent, "Connection request already sent"
	case errors.Is(err, connection.ErrPreviouslyRejected):
		return ErrCodePreviouslyRejected, "Connection request was previously rejected"
	case errors.Is(err, connection.ErrAlreadyResolved):
		return ErrCodeAlreadyResolved, "Connection request already resolved"
	case errors.Is(err, connection.ErrUnauthorized):
		return ErrCodeForbidden, "Only the receiver can respond to this request"
	case errors.Is(err, message.ErrUnauthorized):
		return ErrCodeForbidden, "Only the receiver can mark this message read"
	case errors.Is(err, message.ErrNotConnected):
		return ErrCodeNotConnected, "Messages require an accepted connection"
	case errors.Is(err, connection.ErrNotFound):
		return ErrCodeNotFound, "Connection request not found"
	case errors.Is(err, message.ErrNotFound):
		return ErrCodeNotFound, "Message not found"
	case errors.Is(err, presence.ErrNotFound):
		return ErrCodeNotFound, "Presence not found"
	case errors.Is(err, connection.ErrInvalidDecision),
		errors.Is(err, connection.ErrMissingUser),
		errors.Is(err, message.ErrMissingUser),
		errors.Is(err, message.ErrSelfMessage),
		errors.Is(err, notify.ErrNotDismissible),
		errors.Is(err, notify.ErrUnknownKind),
		errors.Is(err, matching.ErrMissingUserID),
		errors.Is(err, presence.ErrInvalidPoint),
		errors.Is(err, validate.ErrEmpty),
		errors.Is(err, validate.ErrStringTooShort),
		errors.Is(err, validate.ErrStringTooLong),
		errors.Is(err, validate.ErrInvalidCharacters):
		return ErrCodeValidation, capitalize(err.Error())
	default:
		return ErrCodeInternal, "Internal server error"
	}
}

// writeServiceError maps err to a response and logs internal failures.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	code, msg := errorCode(err)
	if code == ErrCodeInternal {
		logger.ErrorContext(r.Context(), op+" failed",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.GetRequestID(r.Context())))
	}
	ctx := middleware.SetErrorCode(r.Context(), code)
	WriteError(w, ctx, StatusCodeMapping(code), code, msg)
}

// writeCodedError sets the error code on the context and writes the response.
func writeCodedError(w http.ResponseWriter, r *http.Request, code, message string) {
	ctx := middleware.SetErrorCode(r.Context(), code)
	WriteError(w, ctx, StatusCodeMapping(code), code, message)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", slog.String("error", err.Error()))
	}
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// decodeJSON reads a JSON body, writing a bad_request response on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeCodedError(w, r, ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeCodedError(w, r, ErrCodeAuthFailed, "Authentication required")
		return "", false
	}
	return userID, true
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}

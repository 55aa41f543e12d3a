// Package httputil provides common HTTP utilities for service handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/logging"
)

// MaxBodyBytes bounds request bodies; the API only ever carries small JSON
// payloads.
const MaxBodyBytes = 1 << 20

var defaultLogger = logging.NewFromEnv("httputil")

// ErrorBody is the error half of the response envelope. Every response carries
// at minimum {success|error}.
type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Details interface{}         `json:"details,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
	TraceID string    `json:"trace_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

// WriteSuccess writes a success envelope, merging the provided fields.
func WriteSuccess(w http.ResponseWriter, status int, fields map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	WriteJSON(w, status, body)
}

// WriteServiceError translates an error into the standard error envelope.
// Non-ServiceError values surface as "internal" without leaking detail.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := apperrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = apperrors.Internal("", err)
	}

	traceID := ""
	if r != nil {
		traceID = logging.GetTraceID(r.Context())
	}
	if traceID != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	WriteJSON(w, serviceErr.HTTPStatus, ErrorResponse{
		Success: false,
		Error: ErrorBody{
			Code:    serviceErr.Code,
			Message: serviceErr.Message,
			Details: serviceErr.Details,
		},
		TraceID: traceID,
	})
}

// DecodeJSON decodes a JSON request body into the provided struct, enforcing
// the body size limit. It returns a typed "invalid" error on failure.
func DecodeJSON(r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.Invalid("body", "request body too large")
		}
		return apperrors.Invalid("body", "malformed JSON")
	}
	return nil
}

package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody is the error payload exchanged with the sale API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorEnvelope wraps ErrorBody under an "error" key.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, ErrorEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

// WriteError renders err. An AppError keeps its status and message; the
// server-side code travels in Details when it is a string.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	code := appErr.Code
	if detail, ok := appErr.Details.(string); ok && detail != "" {
		code = detail
	}
	JSONError(w, status, code, appErr.Message, nil)
}

// Rejection builds the error a sale API returns when it refuses a request.
// serverCode is carried in Details so it survives a round trip over HTTP.
func Rejection(status int, serverCode, message string) *AppError {
	ae := ServerError(status, message, nil)
	ae.Details = serverCode
	return ae
}

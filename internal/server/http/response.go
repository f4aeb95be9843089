// Package http exposes the service's HTTP surface: task submission,
// scheduling queries, API key administration, and the test callback sink.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"scribe/internal/auth"
)

// Response is the {code, message, body} envelope used by the ASR routes.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Body    any    `json:"body"`
}

// apiResponse is the {success, data, error} envelope used by the schedule
// and auth routes.
type apiResponse struct {
	Success bool    `json:"success"`
	Data    any     `json:"data,omitempty"`
	Error   *string `json:"error,omitempty"`
}

func successResponse(data any) apiResponse {
	return apiResponse{Success: true, Data: data}
}

func errorResponse(message string) apiResponse {
	return apiResponse{Success: false, Error: &message}
}

// writeJSON serialises payload as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// authStatus maps a credential gate error onto an HTTP status and message.
func authStatus(err error) (int, string) {
	var authErr auth.Error
	if errors.As(err, &authErr) {
		switch authErr {
		case auth.ErrMissingAPIKey:
			return http.StatusUnauthorized, "Missing API key"
		case auth.ErrInvalidAPIKey:
			return http.StatusUnauthorized, "Invalid API key"
		case auth.ErrKeyExpired:
			return http.StatusForbidden, "API key has expired"
		case auth.ErrKeySuspended:
			return http.StatusForbidden, "API key is suspended"
		case auth.ErrInsufficientPermissions:
			return http.StatusForbidden, "Insufficient permissions"
		case auth.ErrRateLimitExceeded:
			return http.StatusTooManyRequests, "Rate limit exceeded"
		}
	}
	return http.StatusInternalServerError, "Internal server error"
}

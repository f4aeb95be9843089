package http

import (
	"encoding/json"
	"net/http"

	"scribe/internal/auth"
	"scribe/internal/logging"
)

// AuthHandler administers API keys. All routes require the Admin permission.
type AuthHandler struct {
	auth   *auth.Service
	logger logging.Logger
}

// NewAuthHandler builds the key administration handler.
func NewAuthHandler(authService *auth.Service) *AuthHandler {
	return &AuthHandler{
		auth:   authService,
		logger: logging.NewComponentLogger("AuthHandler"),
	}
}

func (h *AuthHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if err := h.auth.Verify(r.Header.Get("Authorization"), auth.PermissionAdmin); err != nil {
		status, message := authStatus(err)
		writeJSON(w, status, errorResponse(message))
		return false
	}
	return true
}

// CreateKeyRequest is the body for POST /auth/api-keys.
type CreateKeyRequest struct {
	Name          string            `json:"name"`
	Permissions   []auth.Permission `json:"permissions"`
	RateLimit     auth.RateLimit    `json:"rate_limit"`
	ExpiresInDays *int              `json:"expires_in_days,omitempty"`
}

// KeyResponse wraps a created key.
type KeyResponse struct {
	KeyInfo auth.KeyInfo `json:"key_info"`
}

// HandleCreateKey mints a new API key.
func (h *AuthHandler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	for _, p := range req.Permissions {
		if !p.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse("unknown permission: "+string(p)))
			return
		}
	}

	info, err := h.auth.Create(req.Name, req.Permissions, req.RateLimit, req.ExpiresInDays)
	if err != nil {
		h.logger.Error("failed to create api key: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, successResponse(KeyResponse{KeyInfo: info}))
}

// HandleRevokeKey suspends a key.
func (h *AuthHandler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	key := r.PathValue("key")
	if err := h.auth.Revoke(key); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(struct{}{}))
}

// HandleKeyStats returns usage stats for a key.
func (h *AuthHandler) HandleKeyStats(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	stats, err := h.auth.Stats(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(stats))
}

// HandleUsageReport returns the derived usage report for a key.
func (h *AuthHandler) HandleUsageReport(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	report, err := h.auth.UsageReport(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(report))
}

package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/models"
	"github.com/ternarybob/dirigo/internal/services/sessions"
)

// AuthHandler issues and revokes sessions. Credential verification happens
// upstream (store checkout, staff SSO); this endpoint trusts the verified
// subject it is handed and manages the session lifecycle only.
type AuthHandler struct {
	sessionService *sessions.Service
	logger         arbor.ILogger
	validate       *validator.Validate
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(sessionService *sessions.Service, logger arbor.ILogger) *AuthHandler {
	return &AuthHandler{
		sessionService: sessionService,
		logger:         logger,
		validate:       validator.New(),
	}
}

// LoginRequest identifies an upstream-verified subject.
type LoginRequest struct {
	SubjectID   string `json:"subject_id" validate:"required"`
	SubjectType string `json:"subject_type" validate:"required,oneof=customer staff"`
	Role        string `json:"role,omitempty"`
}

// LoginHandler handles POST /api/auth/login
func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req LoginRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	session, err := h.sessionService.Create(r.Context(),
		req.SubjectID, models.SubjectType(req.SubjectType), req.Role,
		ClientIP(r), r.UserAgent())
	if err != nil {
		h.logger.Error().Err(err).Msg("Session creation failed")
		WriteError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"token":      session.Token,
		"expires_at": session.ExpiresAt,
	})
}

// LogoutHandler handles POST /api/auth/logout. Revoking an unknown token
// still returns success.
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	token := BearerToken(r)
	if token == "" {
		WriteError(w, http.StatusBadRequest, "missing session token")
		return
	}

	if err := h.sessionService.Destroy(r.Context(), token); err != nil {
		h.logger.Error().Err(err).Msg("Session destroy failed")
		WriteError(w, http.StatusInternalServerError, "could not destroy session")
		return
	}

	WriteSuccess(w, "logged out")
}

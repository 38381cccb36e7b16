package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/services/sessions"
	"github.com/ternarybob/dirigo/internal/storage/memory"
)

func newTestAuthHandler(t *testing.T) (*AuthHandler, *sessions.Service) {
	t.Helper()

	logger := arbor.NewLogger()
	kv := memory.NewKVStore()
	t.Cleanup(func() { kv.Close() })

	sessionService := sessions.NewService(kv, &common.SessionsConfig{
		CustomerMaxAge:   "24h",
		StaffMaxAge:      "8h",
		RenewalThreshold: "1h",
	}, logger)

	return NewAuthHandler(sessionService, logger), sessionService
}

func TestLoginHandler(t *testing.T) {
	h, sessionService := newTestAuthHandler(t)

	rec := postJSON(t, h.LoginHandler, "/api/auth/login", LoginRequest{
		SubjectID:   "cust_42",
		SubjectType: "customer",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), resp.ExpiresAt, time.Minute)

	// The minted token validates
	session, err := sessionService.Validate(context.Background(), resp.Token, "")
	require.NoError(t, err)
	assert.Equal(t, "cust_42", session.SubjectID)
}

func TestLoginHandlerRejectsUnknownSubjectType(t *testing.T) {
	h, _ := newTestAuthHandler(t)

	rec := postJSON(t, h.LoginHandler, "/api/auth/login", LoginRequest{
		SubjectID:   "cust_42",
		SubjectType: "robot",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutHandler(t *testing.T) {
	h, sessionService := newTestAuthHandler(t)

	rec := postJSON(t, h.LoginHandler, "/api/auth/login", LoginRequest{
		SubjectID:   "staff_7",
		SubjectType: "staff",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	out := httptest.NewRecorder()
	h.LogoutHandler(out, req)

	require.Equal(t, http.StatusOK, out.Code)

	_, err := sessionService.Validate(req.Context(), resp.Token, "")
	assert.Error(t, err)
}

func TestLogoutHandlerMissingToken(t *testing.T) {
	h, _ := newTestAuthHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	rec := httptest.NewRecorder()
	h.LogoutHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerTokenFallsBackToQueryParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc123", nil)
	assert.Equal(t, "abc123", BearerToken(req))

	req = httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", BearerToken(req))
}

package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuthNoAuthConfigured(t *testing.T) {
	auth := NewAuthMiddleware("", testLogger())
	assert.False(t, auth.Enabled())

	w := httptest.NewRecorder()
	auth.RequireAuth(okHandler)(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthBearerToken(t *testing.T) {
	auth := NewAuthMiddleware(hashToken(t, "test-token"), testLogger())
	handler := auth.RequireAuth(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer test-token", http.StatusOK},
		{"valid token again", "Bearer test-token", http.StatusOK},
		{"wrong token", "Bearer wrong-token", http.StatusUnauthorized},
		{"basic scheme", "Basic dGVzdC10b2tlbg==", http.StatusUnauthorized},
		{"no header", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthQueryToken(t *testing.T) {
	auth := NewAuthMiddleware(hashToken(t, "stream"), testLogger())
	handler := auth.RequireAuth(okHandler)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/events?token=stream", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/events?token=nope", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)
}

func TestAuthCachesVerifiedTokens(t *testing.T) {
	auth := NewAuthMiddleware(hashToken(t, "cached"), testLogger())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer cached")
	assert.True(t, auth.authenticate(req))
	assert.Len(t, auth.verified, 1)

	bad := httptest.NewRequest("GET", "/test", nil)
	bad.Header.Set("Authorization", "Bearer other")
	assert.False(t, auth.authenticate(bad))
	assert.Len(t, auth.verified, 1)
}

package api

import (
	"crypto/sha256"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// AuthMiddleware checks a bearer token against a bcrypt hash. The token is
// read from the Authorization header, or from the token query parameter for
// EventSource clients that cannot set headers.
type AuthMiddleware struct {
	tokenHash []byte
	logger    *slog.Logger

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewAuthMiddleware creates a new auth middleware. An empty hash disables auth.
func NewAuthMiddleware(tokenHash string, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokenHash: []byte(tokenHash),
		logger:    logger,
		verified:  make(map[[sha256.Size]byte]struct{}),
	}
}

// Enabled reports whether a token is required.
func (a *AuthMiddleware) Enabled() bool {
	return len(a.tokenHash) > 0
}

// Middleware rejects unauthenticated requests with 401.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authenticate(r) {
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth wraps a handler to require authentication.
func (a *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return a.Middleware(next).ServeHTTP
}

// authenticate checks if the request has valid credentials.
func (a *AuthMiddleware) authenticate(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}

	// bcrypt is slow; remember tokens that already matched.
	sum := sha256.Sum256([]byte(token))
	a.mu.RLock()
	_, ok := a.verified[sum]
	a.mu.RUnlock()
	if ok {
		return true
	}

	if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err != nil {
		a.logger.Debug("rejected API token", "remote", r.RemoteAddr)
		return false
	}
	a.mu.Lock()
	a.verified[sum] = struct{}{}
	a.mu.Unlock()
	return true
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

package api

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// authorizer gates the admin surface behind a single bearer token. It is
// disabled (every admin call rejected with 503) when no token is
// configured, rather than silently running open.
type authorizer struct {
	token string
}

func newAuthorizerFromEnv() *authorizer {
	return &authorizer{token: strings.TrimSpace(os.Getenv("GRIDX_ADMIN_TOKEN"))}
}

func (a *authorizer) requireAdmin(r *http.Request) (int, string) {
	if a.token == "" {
		return http.StatusServiceUnavailable, "admin surface not configured"
	}
	got := bearerToken(r)
	if got == "" {
		return http.StatusUnauthorized, "missing bearer token"
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
		return http.StatusUnauthorized, "invalid token"
	}
	return http.StatusOK, ""
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-GridX-Admin-Token"))
}

package admin

import (
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
)

// isLocalhost checks if the request originates from a loopback address.
// X-Forwarded-For is not trusted here.
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authenticate reports whether a remote request carries the admin key.
func (h *AdminAPIHandler) authenticate(r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	match, err := argon2id.ComparePasswordAndHash(token, h.apiKeyHash)
	if err != nil {
		h.logger.Warn("admin key comparison failed", "error", err)
		return false
	}
	return match
}

// adminAuthMiddleware lets localhost through. Remote clients need a bearer
// key matching the configured hash; without a hash they get 403.
func (h *AdminAPIHandler) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}
		if h.apiKeyHash == "" {
			h.respondError(w, http.StatusForbidden, "admin API requires localhost access")
			return
		}
		if !h.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="quota-gate"`)
			h.respondError(w, http.StatusUnauthorized, "invalid or missing admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAuthStatus reports which access mode applies to the caller.
func (h *AdminAPIHandler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]bool{
		"localhost":    isLocalhost(r),
		"key_required": !isLocalhost(r) && h.apiKeyHash != "",
		"remote_open":  h.apiKeyHash != "",
	})
}

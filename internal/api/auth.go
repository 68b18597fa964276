package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaultize/alerting/internal/config"
)

// RequireAdmin gates a handler behind the admin bearer token. An empty
// configured token leaves the handler open; the server warns about
// that once at startup, not per request.
func RequireAdmin(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(presented) == "" {
			writeError(w, http.StatusUnauthorized, kindUnauthorized,
				"authorization required: Bearer <token>")
			return
		}

		if !tokenMatches(token, strings.TrimSpace(presented)) {
			log.Warn().
				Str("ip", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("Rejected admin request with invalid token")
			writeError(w, http.StatusForbidden, kindForbidden, "invalid token")
			return
		}

		next(w, r)
	}
}

// tokenMatches compares a presented token against the configured one.
// Bcrypt hashes verify with bcrypt; plaintext values compare in
// constant time.
func tokenMatches(configured, presented string) bool {
	if config.IsPasswordHashed(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// publicPaths are reachable without a token so probes and scrapers keep
// working when AuthToken is set.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

var errUnauthorized = errors.New("unauthorized")

// authMiddleware requires "Authorization: Bearer <AuthToken>" on every route
// except publicPaths. An empty AuthToken disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

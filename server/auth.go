package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type role int

const (
	roleNone role = iota
	roleRead
	roleAdmin
)

// authMiddleware checks the Bearer token of every request except /health and
// /metrics. The admin token grants every route; the read token grants only
// GET and HEAD. With no admin token configured the API is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	admin := []byte(s.config.AuthToken)
	var read []byte
	if s.config.ReadToken != "" {
		read = []byte(s.config.ReadToken)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		switch bearerRole(r, admin, read) {
		case roleAdmin:
			next.ServeHTTP(w, r)
		case roleRead:
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				writeError(w, http.StatusForbidden, "forbidden", "read-only token")
				return
			}
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		}
	})
}

func bearerRole(r *http.Request, admin, read []byte) role {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return roleNone
	}
	provided := []byte(token)
	if subtle.ConstantTimeCompare(provided, admin) == 1 {
		return roleAdmin
	}
	if read != nil && subtle.ConstantTimeCompare(provided, read) == 1 {
		return roleRead
	}
	return roleNone
}

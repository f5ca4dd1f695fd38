package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest reports whether r carries the configured token. An empty
// token disables auth.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	for _, candidate := range requestTokens(r) {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Token)) == 1 {
			return true
		}
	}
	return false
}

// requestTokens lists the credentials r presents: the Authorization bearer
// token, then ?token= for clients (EventSource, browser WebSockets) that
// cannot set headers.
func requestTokens(r *http.Request) []string {
	var out []string
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" {
		out = append(out, tok)
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		out = append(out, tok)
	}
	return out
}

// bearerToken extracts the credential from an Authorization header. The
// scheme name is case-insensitive.
func bearerToken(header string) string {
	scheme, cred, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(cred)
}

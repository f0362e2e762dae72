package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth guards the admin API with a single shared token. Paths listed as
// open (health checks for process supervisors) skip the check. An empty token
// disables it; the listener is then expected to be loopback only.
type TokenAuth struct {
	token []byte
	open  map[string]bool
}

func NewTokenAuth(token string, openPaths ...string) *TokenAuth {
	open := make(map[string]bool, len(openPaths))
	for _, p := range openPaths {
		open[p] = true
	}
	return &TokenAuth{token: []byte(strings.TrimSpace(token)), open: open}
}

func (ta *TokenAuth) Enabled() bool { return len(ta.token) > 0 }

func (ta *TokenAuth) Wrap(next http.Handler) http.Handler {
	if !ta.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ta.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		switch key := ExtractAPIKey(r); {
		case key == "":
			w.Header().Set("WWW-Authenticate", `Bearer realm="gorelay"`)
			writeError(w, http.StatusUnauthorized, "missing admin token")
		case subtle.ConstantTimeCompare([]byte(key), ta.token) != 1:
			writeError(w, http.StatusForbidden, "invalid admin token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// ExtractAPIKey returns the caller's token from, in order, an
// "Authorization: Bearer" header, X-API-Key, or the api_key query parameter.
// The query form exists because browsers cannot set headers on websocket
// upgrades.
func ExtractAPIKey(r *http.Request) string {
	if scheme, cred, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(cred)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/go-relay/internal/gateway"
)

func TestTokenAuth(t *testing.T) {
	am := gateway.NewTokenAuth("secret-token", "/healthz")
	handler := am.Wrap(okHandler())

	tests := []struct {
		name   string
		path   string
		header map[string]string
		query  string
		want   int
	}{
		{name: "bearer lowercase scheme", path: "/api/cron", header: map[string]string{"Authorization": "bearer secret-token"}, want: http.StatusOK},
		{name: "basic scheme ignored", path: "/api/cron", header: map[string]string{"Authorization": "Basic secret-token"}, want: http.StatusUnauthorized},
		{name: "bearer", path: "/api/cron", header: map[string]string{"Authorization": "Bearer secret-token"}, want: http.StatusOK},
		{name: "x-api-key", path: "/api/cron", header: map[string]string{"X-API-Key": "secret-token"}, want: http.StatusOK},
		{name: "query", path: "/ws/events", query: "?api_key=secret-token", want: http.StatusOK},
		{name: "wrong", path: "/api/cron", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusForbidden},
		{name: "missing", path: "/api/cron", want: http.StatusUnauthorized},
		{name: "healthz open", path: "/healthz", want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path+tc.query, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("401 without WWW-Authenticate")
			}
		})
	}
}

func TestTokenAuth_DisabledWithoutToken(t *testing.T) {
	am := gateway.NewTokenAuth("  ")
	if am.Enabled() {
		t.Fatal("blank token should disable auth")
	}
	rec := httptest.NewRecorder()
	am.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestExtractAPIKey_Precedence(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/cron?api_key=from-query", nil)
	req.Header.Set("X-API-Key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")
	if got := gateway.ExtractAPIKey(req); got != "from-bearer" {
		t.Fatalf("got %q", got)
	}
	req.Header.Del("Authorization")
	if got := gateway.ExtractAPIKey(req); got != "from-header" {
		t.Fatalf("got %q", got)
	}
	req.Header.Del("X-API-Key")
	if got := gateway.ExtractAPIKey(req); got != "from-query" {
		t.Fatalf("got %q", got)
	}
}

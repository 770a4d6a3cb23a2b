package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

type stubVerifier map[string]*Claims

func (s stubVerifier) VerifyToken(token string) (*Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("token verification failed")
}

func testVerifier() stubVerifier {
	return stubVerifier{
		"producer-token": {Subject: "producer-1", Scopes: []string{ScopeIngest}},
		"reader-token":   {Subject: "reader-1", Scopes: []string{ScopeRead}},
		"admin-token":    {Subject: "ops-1", Scopes: []string{ScopeAdmin}},
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		scopes     []string
		wantStatus int
		wantCode   string
	}{
		{"no header", "", []string{ScopeIngest}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"not bearer", "Basic abc", []string{ScopeIngest}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"empty bearer", "Bearer ", []string{ScopeIngest}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"invalid token", "Bearer nope", []string{ScopeIngest}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing scope", "Bearer reader-token", []string{ScopeIngest}, http.StatusForbidden, "FORBIDDEN"},
		{"granted", "Bearer producer-token", []string{ScopeIngest}, http.StatusOK, ""},
		{"admin grants all", "Bearer admin-token", []string{ScopeIngest, ScopeRead}, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMiddleware(testVerifier(), nil)
			var seen *Claims
			h := m.RequireScope(tt.scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = ClaimsFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantCode == "" {
				if seen == nil {
					t.Error("claims not stored in context")
				}
				return
			}

			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["result"] != "error" || body["code"] != tt.wantCode {
				t.Errorf("body = %v", body)
			}
			if body["correlationId"] == "" {
				t.Error("correlationId missing")
			}
		})
	}
}

func TestRequireScopeDisabled(t *testing.T) {
	m := NewMiddleware(nil, nil)
	if m.Enabled() {
		t.Fatal("middleware without verifier should be disabled")
	}

	called := false
	h := m.RequireScope(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/v1/events", nil))
	if !called {
		t.Error("disabled middleware blocked the request")
	}
}

func TestErrorUsesRequestID(t *testing.T) {
	m := NewMiddleware(testVerifier(), nil)
	h := middleware.RequestID(m.RequireScope(ScopeIngest)(http.NotFoundHandler()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["correlationId"] != "req-42" {
		t.Errorf("correlationId = %q, want req-42", body["correlationId"])
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate header missing")
	}
}

func TestHasScopes(t *testing.T) {
	tests := []struct {
		name     string
		claims   *Claims
		required []string
		want     bool
	}{
		{"nil claims", nil, []string{ScopeRead}, false},
		{"none required", &Claims{Scopes: []string{ScopeRead}}, nil, true},
		{"all present", &Claims{Scopes: []string{ScopeRead, ScopeIngest}}, []string{ScopeIngest, ScopeRead}, true},
		{"one missing", &Claims{Scopes: []string{ScopeRead}}, []string{ScopeIngest, ScopeRead}, false},
		{"admin", &Claims{Scopes: []string{ScopeAdmin}}, []string{ScopeIngest}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScopes(tt.claims, tt.required...); got != tt.want {
				t.Errorf("HasScopes() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header parsing, token validation and context propagation

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("ops", time.Hour)

	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier, nil)(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in request context")
	}
	if got.Subject != "ops" {
		t.Errorf("Subject = %q, want %q", got.Subject, "ops")
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("ops", -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantMsg: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantMsg: "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			})

			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier, nil)(handler).ServeHTTP(rec, req)

			if called {
				t.Error("handler should not be called")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}

func TestWithAuth_RoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{Subject: "scheduler"})
	got := FromContext(ctx)
	if got == nil || got.Subject != "scheduler" {
		t.Errorf("FromContext() = %+v, want subject scheduler", got)
	}
}

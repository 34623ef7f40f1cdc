package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	// HSTS only applies on TLS connections.
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("unexpected HSTS on plain HTTP: %q", got)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	logger := newTestLogger(io.Discard)
	rl := NewRateLimiter(2, time.Minute, logger)
	defer rl.Stop()

	if !rl.Allow("client-a") {
		t.Fatal("first request denied")
	}
	if !rl.Allow("client-a") {
		t.Fatal("second request denied")
	}
	if rl.Allow("client-a") {
		t.Fatal("third request allowed past the limit")
	}
	// Other clients have their own bucket.
	if !rl.Allow("client-b") {
		t.Fatal("independent client denied")
	}
}

func TestRateLimitMiddleware_SlowDownResponse(t *testing.T) {
	logger := newTestLogger(io.Discard)
	rl := NewRateLimiter(1, time.Minute, logger)
	defer rl.Stop()

	handler := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	req.RemoteAddr = "10.0.0.1:4444"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("throttled status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<Code>SlowDown</Code>") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestGetClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4444"
	if got := getClientKey(r); got != "10.0.0.1:4444" {
		t.Errorf("key = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	if got := getClientKey(r); got != "203.0.113.5" {
		t.Errorf("key = %q", got)
	}
}

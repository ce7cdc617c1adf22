// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// =============================================================================
// CHAIN TESTS
// =============================================================================

func TestChainOrder(t *testing.T) {
	var order []string
	named := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(named("outer"), named("inner"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("call order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChainEmpty(t *testing.T) {
	called := false
	h := Chain()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Error("empty chain should still call the handler")
	}
}

// =============================================================================
// RATE LIMITER TESTS
// =============================================================================

func TestRateLimiterBurst(t *testing.T) {
	// Refill is negligible within the test, so only the burst matters.
	rl := NewRateLimiter(0.001, 2)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("second request should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("third request should exceed the burst")
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first client should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("first client should be exhausted")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("second client should have its own bucket")
	}
}

func TestRateLimiterSanitizesArguments(t *testing.T) {
	rl := NewRateLimiter(-1, 0)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("limiter should clamp to at least one token")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Stop()
	h := RateLimitMiddleware(rl)(okHandler())

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest("GET", "/health", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first Status = %d, want %d", first.Code, http.StatusOK)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest("GET", "/health", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second Status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}
	if second.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want '1'", second.Header().Get("Retry-After"))
	}
}

// =============================================================================
// CORS TESTS
// =============================================================================

func TestCORSAllowedOrigin(t *testing.T) {
	h := CORSMiddleware(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q, want the request origin", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, want 'true'", got)
	}
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	h := CORSMiddleware(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty for a disallowed origin", got)
	}
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, request should still reach the handler", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	h := CORSMiddleware(DefaultCORSConfig())(inner)

	req := httptest.NewRequest("OPTIONS", "/process-stream", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if called {
		t.Error("preflight should not reach the handler")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q, want the request origin", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Errorf("Allow-Headers = %q, want the requested headers echoed", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q, want POST included", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Max-Age = %q, want '86400'", got)
	}
}

func TestCORSPreflightDisallowedOrigin(t *testing.T) {
	h := CORSMiddleware(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest("OPTIONS", "/process", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestDefaultAllowedOriginsCoverDashboardHosts(t *testing.T) {
	cfg := DefaultCORSConfig()

	for _, origin := range []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:8081",
	} {
		if !cfg.isOriginAllowed(origin) {
			t.Errorf("isOriginAllowed(%q) = false, want true", origin)
		}
	}
	if cfg.isOriginAllowed("https://localhost:3000.evil.example") {
		t.Error("suffix-spoofed origin should not be allowed")
	}
}

// =============================================================================
// SECURITY HEADER TESTS
// =============================================================================

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeadersMiddleware()(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'self'",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if got := w.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store included", got)
	}
}

// =============================================================================
// LOGGING AND RECOVERY TESTS
// =============================================================================

func TestStatusWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusNotFound)

	if sw.status != http.StatusNotFound {
		t.Errorf("status = %d, want %d", sw.status, http.StatusNotFound)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("recorder Code = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStatusWriterForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	var _ http.Flusher = sw
	sw.Flush()

	if !rec.Flushed {
		t.Error("Flush should reach the wrapped writer")
	}
}

func TestLoggingPreservesFlusher(t *testing.T) {
	h := LoggingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("flusher should survive the logging wrapper")
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// =============================================================================
// CLIENT IP TESTS
// =============================================================================

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"plain peer", "203.0.113.7:5555", "", "203.0.113.7"},
		{"peer without port", "203.0.113.7", "", "203.0.113.7"},
		// The default peer is untrusted, so forwarding headers are ignored.
		{"spoofed forwarded-for", "203.0.113.7:5555", "198.51.100.9", "203.0.113.7"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := GetClientIP(r); got != tc.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

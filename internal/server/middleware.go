// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"log"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Middleware Chain
// ============================================================================

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so the first argument is the outermost wrapper.
// Chain(a, b, c)(h) serves a(b(c(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		h := final
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// ============================================================================
// Client IP Extraction
// ============================================================================

// trustedProxyEnv lists CIDR ranges, comma separated, whose forwarding
// headers are honored.
const trustedProxyEnv = "CHAKRA_TRUSTED_PROXIES"

var (
	trustedOnce    sync.Once
	trustedProxies []*net.IPNet
)

func loadTrustedProxies() {
	raw := os.Getenv(trustedProxyEnv)
	if raw == "" {
		return
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// A bare IP counts as a single-host range.
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				entry = entry + "/" + strconv.Itoa(bits)
			}
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			log.Printf("TRUSTED_PROXY_INVALID | entry=%q error=%v", entry, err)
			continue
		}
		trustedProxies = append(trustedProxies, ipnet)
	}
}

func isTrustedProxy(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipnet := range trustedProxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// GetClientIP returns the originating client address for rate limiting and
// access logs.
//
// SECURITY: X-Forwarded-For and X-Real-IP are caller-controlled, so they are
// honored only when the direct peer is listed in CHAKRA_TRUSTED_PROXIES.
// Otherwise a client could rotate spoofed addresses to dodge rate limits.
func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	trustedOnce.Do(loadTrustedProxies)
	if !isTrustedProxy(host) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the original client.
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}
	return host
}

// ============================================================================
// Rate Limiting
// ============================================================================

const (
	// visitorTTL is how long an idle client keeps its token bucket.
	visitorTTL = 3 * time.Minute

	// visitorSweepInterval is how often idle buckets are dropped.
	visitorSweepInterval = time.Minute
)

// visitor pairs a token bucket with its last activity time.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client IP.
//
// PERFORMANCE: buckets are created lazily and idle ones are swept after
// visitorTTL, so the map stays proportional to the recently active client
// set rather than growing without bound.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter refilling perSec tokens per second with
// the given burst for each client, and starts its background sweep.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(perSec),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow consumes a token for ip, reporting whether the request may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// Stop ends the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(visitorSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > visitorTTL {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimitMiddleware rejects clients that have exhausted their bucket.
func RateLimitMiddleware(rl *RateLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			if !rl.Allow(ip) {
				log.Printf("RATE_LIMIT_EXCEEDED | ip=%s path=%s", ip, r.URL.Path)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// CORS
// ============================================================================

// DefaultAllowedOrigins lists the dashboard dev hosts the API serves.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://localhost:8080",
	"http://localhost:8081",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
	"http://127.0.0.1:8080",
	"http://127.0.0.1:8081",
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	// AllowedOrigins is the exact-match origin allowlist.
	AllowedOrigins []string

	// AllowedMethods is advertised on preflight responses.
	AllowedMethods []string

	// AllowedHeaders is advertised on preflight responses. When empty, the
	// headers the preflight asks for are echoed back.
	AllowedHeaders []string

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORSConfig returns settings matching the dashboard contract.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: DefaultAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		MaxAge:         86400,
	}
}

func (c CORSConfig) isOriginAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// CORSMiddleware answers preflights and tags responses for allowed origins.
//
// SECURITY: Access-Control-Allow-Credentials is set, so the allowed origin
// is always echoed exactly and never wildcarded.
func CORSMiddleware(cfg CORSConfig) Middleware {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && cfg.isOriginAllowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")

				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", methods)
					if len(cfg.AllowedHeaders) > 0 {
						h.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
					} else if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
						h.Set("Access-Control-Allow-Headers", req)
					}
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
					w.WriteHeader(http.StatusNoContent)
					return
				}
			} else if r.Method == http.MethodOptions {
				// Preflight from a disallowed origin gets no CORS headers,
				// which the browser treats as a refusal.
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Security Headers
// ============================================================================

// SecurityHeadersMiddleware sets defensive response headers on every route.
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Content-Security-Policy", "default-src 'self'")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			// Analytics responses change between polls; keep caches out.
			h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Access Logging
// ============================================================================

// statusWriter records the status code for the access log.
//
// RELIABILITY: Flush is forwarded to the wrapped writer. Without it the
// wrapper would hide the http.Flusher interface and SSE frames would sit in
// the buffer until the run finished.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware writes one access-log line per request.
func LoggingMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Printf("%s | %s %s | %d | %.3fs",
				GetClientIP(r), r.Method, r.URL.Path, sw.status, time.Since(start).Seconds())
		})
	}
}

// ============================================================================
// Panic Recovery
// ============================================================================

// RecoveryMiddleware converts handler panics into 500 responses so one bad
// request cannot take the whole server down.
func RecoveryMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("PANIC_RECOVERED | %s %s | %v\n%s",
						r.Method, r.URL.Path, rec, debug.Stack())
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// CORSLoopback allows browser callers only from loopback origins. The daemon
// never serves a non-local audience, so anything else is refused outright.
func CORSLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !loopbackOrigin(origin) {
				Fail(w, http.StatusForbidden, "cross-origin requests are limited to loopback")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-PID, X-Agent-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackOrigin(origin string) bool {
	rest, ok := strings.CutPrefix(origin, "http://")
	if !ok {
		rest, ok = strings.CutPrefix(origin, "https://")
	}
	if !ok {
		return false
	}
	host := rest
	if i := strings.LastIndex(rest, ":"); i >= 0 && !strings.Contains(rest[i:], "]") {
		host = rest[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// RateLimiter is a per-origin fixed-window limiter. The origin key is the
// first available of body.project, body.id and the X-PID header, so a burst
// from one project cannot starve requests made under another identity.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*rateWindow

	// now is the clock; replaced in tests.
	now func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter allows limit requests per origin per minute. A limit of
// zero disables the middleware.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// exempt paths never count against the budget so health checks and version
// probes keep working while a client is throttled.
func rateExempt(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}

// Middleware enforces the limit and replies 429 when a window overflows.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(originKey(r)) {
			Fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.windows[key]
	if !ok || now.Sub(win.start) >= time.Minute {
		rl.windows[key] = &rateWindow{start: now, count: 1}
		rl.sweepLocked(now)
		return true
	}
	if win.count >= rl.limit {
		return false
	}
	win.count++
	return true
}

// sweepLocked drops windows idle past a minute so the map stays bounded.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if len(rl.windows) < 1024 {
		return
	}
	for k, win := range rl.windows {
		if now.Sub(win.start) >= time.Minute {
			delete(rl.windows, k)
		}
	}
}

// originKey derives the rate-limit key. The body is peeked non-destructively
// (bounded by the body cap) so downstream decoding still sees it.
func originKey(r *http.Request) string {
	if r.Body != nil && r.ContentLength > 0 && r.ContentLength <= maxBodyBytes {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(raw))
			var probe struct {
				Project string `json:"project"`
				ID      string `json:"id"`
			}
			if json.Unmarshal(raw, &probe) == nil {
				if probe.Project != "" {
					return "project:" + probe.Project
				}
				if probe.ID != "" {
					return "id:" + probe.ID
				}
			}
		}
	}
	if pid := r.Header.Get("X-PID"); pid != "" {
		return "pid:" + pid
	}
	return "addr:" + r.RemoteAddr
}

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/redis"
)

func TestCallerKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"user preferences", "/v1/users/u-1/preferences", "user:u-1"},
		{"user inbox", "/v1/users/u-2/notifications", "user:u-2"},
		{"no user segment", "/v1/users/", "ip:5.6.7.8:1234"},
		{"device route", "/v1/devices", "ip:5.6.7.8:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			req.RemoteAddr = "5.6.7.8:1234"

			result := CallerKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Forwarded-For chain", "1.2.3.4, 10.0.0.1", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

type fakeLimiter struct {
	result *redis.RateLimitResult
	err    error
	keys   []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (*redis.RateLimitResult, error) {
	f.keys = append(f.keys, key)
	return f.result, f.err
}

func (f *fakeLimiter) Limit() int { return 10 }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, nil, IPKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	limiter := &fakeLimiter{result: &redis.RateLimitResult{
		Allowed:   true,
		Remaining: 7,
		ResetAt:   time.Now().Add(time.Minute),
	}}
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), CallerKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/v1/users/u-1/notifications", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "7" {
		t.Errorf("X-RateLimit-Remaining = %q, want 7", got)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "user:u-1" {
		t.Errorf("limiter keys = %v, want [user:u-1]", limiter.keys)
	}
}

func TestRateLimitMiddleware_Rejected(t *testing.T) {
	limiter := &fakeLimiter{result: &redis.RateLimitResult{
		Allowed: false,
		ResetAt: time.Now().Add(30 * time.Second),
	}}
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/v1/devices", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)(okHandler())

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/devices", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when limiter fails, got %d", rec.Code)
	}
}

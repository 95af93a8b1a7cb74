package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAllowWithinBurstSucceeds(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5, BurstSize: 5})

	for i := 0; i < 5; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
}

func TestAllowRejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("client-a") {
		t.Fatal("request over burst size should be rejected")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})

	if !rl.Allow("client-a") {
		t.Fatal("first request for client-a should be allowed")
	}
	if !rl.Allow("client-b") {
		t.Fatal("client-b should have its own independent window")
	}
}

func TestMiddlewareRejectsWithTooManyRequests(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/exports", nil)
	req.RemoteAddr = "203.0.113.5:4000"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request code = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request code = %d, want 429", second.Code)
	}
}

func TestRemoteKeyFallsBackToRawAddrWithoutPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-a-host-port"

	if got := remoteKey(req); got != "not-a-host-port" {
		t.Fatalf("remoteKey = %q, want raw RemoteAddr", got)
	}
}
